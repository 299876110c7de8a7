// Package comm provides the in-process communication primitives the
// training engine is built on: a process group with all-gather/all-reduce
// collectives for sequence-parallel ranks, and timeout-guarded links for
// pipeline stage boundaries. Every participant is a goroutine; the real
// distributed backend is expected to satisfy the same contracts.
package comm

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// RankContext identifies one participant of the rank mesh. It is injected
// into every component instead of being read from environment globals.
type RankContext struct {
	Rank  int
	World int
}

// Error is fatal to the current step. It carries enough context to replay
// the failing step in isolation. Stage and Microbatch are -1 when they do
// not apply.
type Error struct {
	Op         string
	Rank       int
	Stage      int
	Microbatch int
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("comm: %s failed (rank=%d stage=%d microbatch=%d): %s",
		e.Op, e.Rank, e.Stage, e.Microbatch, e.Reason)
}

// ProcessGroup coordinates World goroutine ranks. Collectives block until
// every rank has arrived or the deadline passes; a deadline or an abort
// poisons the group for the remainder of the step.
type ProcessGroup struct {
	World   int
	Timeout time.Duration

	bar *barrier

	mu        sync.Mutex
	reduceBuf *mat.Dense
}

func NewProcessGroup(world int, timeout time.Duration) *ProcessGroup {
	if world < 1 {
		panic("comm: world size must be >= 1")
	}
	return &ProcessGroup{
		World:   world,
		Timeout: timeout,
		bar:     newBarrier(world),
	}
}

// Abort poisons the group so ranks blocked in a collective return instead
// of waiting on a peer that already failed.
func (g *ProcessGroup) Abort() { g.bar.abort() }

// Barrier blocks until all ranks arrive.
func (g *ProcessGroup) Barrier(rank int) error {
	if err := g.bar.wait(g.Timeout); err != nil {
		return &Error{Op: "barrier", Rank: rank, Stage: -1, Microbatch: -1, Reason: err.Error()}
	}
	return nil
}

// AllGatherCols writes this rank's local columns into dst starting at
// colStart and blocks until every rank has contributed. dst is shared by
// all ranks; the column ranges must be disjoint.
func (g *ProcessGroup) AllGatherCols(rank int, local *mat.Dense, dst *mat.Dense, colStart int) error {
	r, c := local.Dims()
	g.mu.Lock()
	dst.Slice(0, r, colStart, colStart+c).(*mat.Dense).Copy(local)
	g.mu.Unlock()
	if err := g.bar.wait(g.Timeout); err != nil {
		return &Error{Op: "all-gather", Rank: rank, Stage: -1, Microbatch: -1, Reason: err.Error()}
	}
	return nil
}

// AllReduceSum sums the ranks' local matrices elementwise and copies the
// result back into each rank's local buffer. One synchronization point.
func (g *ProcessGroup) AllReduceSum(rank int, local *mat.Dense) error {
	g.mu.Lock()
	if g.reduceBuf == nil {
		r, c := local.Dims()
		g.reduceBuf = mat.NewDense(r, c, nil)
	}
	g.reduceBuf.Add(g.reduceBuf, local)
	g.mu.Unlock()

	if err := g.bar.wait(g.Timeout); err != nil {
		return &Error{Op: "all-reduce", Rank: rank, Stage: -1, Microbatch: -1, Reason: err.Error()}
	}

	g.mu.Lock()
	local.Copy(g.reduceBuf)
	g.mu.Unlock()

	// Second arrival so rank 0 can reset the accumulator only after every
	// rank has read the sum.
	if err := g.bar.wait(g.Timeout); err != nil {
		return &Error{Op: "all-reduce", Rank: rank, Stage: -1, Microbatch: -1, Reason: err.Error()}
	}
	if rank == 0 {
		g.mu.Lock()
		g.reduceBuf = nil
		g.mu.Unlock()
	}
	if err := g.bar.wait(g.Timeout); err != nil {
		return &Error{Op: "all-reduce", Rank: rank, Stage: -1, Microbatch: -1, Reason: err.Error()}
	}
	return nil
}

// RunRanks executes fn once per rank on its own goroutine and waits for all
// of them. The first failing rank aborts the group so its peers unblock.
func (g *ProcessGroup) RunRanks(fn func(rank int) error) error {
	var eg errgroup.Group
	for rank := 0; rank < g.World; rank++ {
		rank := rank
		eg.Go(func() error {
			if err := fn(rank); err != nil {
				g.Abort()
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// ---- cyclic barrier with abort ----

type barrier struct {
	mu     sync.Mutex
	n      int
	count  int
	ch     chan struct{}
	poison chan struct{}
	once   sync.Once
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ch: make(chan struct{}), poison: make(chan struct{})}
}

func (b *barrier) abort() { b.once.Do(func() { close(b.poison) }) }

func (b *barrier) wait(timeout time.Duration) error {
	b.mu.Lock()
	select {
	case <-b.poison:
		b.mu.Unlock()
		return fmt.Errorf("group aborted")
	default:
	}
	ch := b.ch
	b.count++
	if b.count == b.n {
		b.count = 0
		b.ch = make(chan struct{})
		close(ch)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-ch:
		return nil
	case <-b.poison:
		return fmt.Errorf("group aborted")
	case <-time.After(timeout):
		b.abort()
		return fmt.Errorf("timed out after %v waiting for peers", timeout)
	}
}
