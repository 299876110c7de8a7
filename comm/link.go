package comm

import "time"

// Link is a bounded, timeout-guarded channel between two pipeline stages.
// A blocked send or receive past the deadline is fatal to the step.
type Link[T any] struct {
	ch      chan T
	timeout time.Duration
	abort   chan struct{}
}

func NewLink[T any](capacity int, timeout time.Duration) *Link[T] {
	return &Link[T]{
		ch:      make(chan T, capacity),
		timeout: timeout,
		abort:   make(chan struct{}),
	}
}

// Close unblocks every sender and receiver; used when a step fails.
func (l *Link[T]) Close() {
	select {
	case <-l.abort:
	default:
		close(l.abort)
	}
}

func (l *Link[T]) Send(v T, stage, microbatch int) error {
	select {
	case l.ch <- v:
		return nil
	case <-l.abort:
		return &Error{Op: "send", Rank: -1, Stage: stage, Microbatch: microbatch, Reason: "link closed"}
	case <-time.After(l.deadline()):
		return &Error{Op: "send", Rank: -1, Stage: stage, Microbatch: microbatch, Reason: "timed out"}
	}
}

func (l *Link[T]) Recv(stage int) (T, error) {
	var zero T
	select {
	case v := <-l.ch:
		return v, nil
	case <-l.abort:
		return zero, &Error{Op: "recv", Rank: -1, Stage: stage, Microbatch: -1, Reason: "link closed"}
	case <-time.After(l.deadline()):
		return zero, &Error{Op: "recv", Rank: -1, Stage: stage, Microbatch: -1, Reason: "timed out"}
	}
}

// TryRecv returns immediately; ok is false when nothing is queued.
func (l *Link[T]) TryRecv() (T, bool) {
	var zero T
	select {
	case v := <-l.ch:
		return v, true
	default:
		return zero, false
	}
}

func (l *Link[T]) deadline() time.Duration {
	if l.timeout <= 0 {
		return 30 * time.Second
	}
	return l.timeout
}
