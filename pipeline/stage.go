package pipeline

import (
	"gonum.org/v1/gonum/mat"
	"github.com/pkg/errors"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/transformer"
)

// packet is one microbatch's activation (or gradient) crossing a stage
// boundary.
type packet struct {
	MB int
	M  *mat.Dense
}

// LossFn is run by the last stage once per microbatch: given the final
// hidden states it returns the scalar loss and the gradient to push back.
type LossFn func(mb int, hidden *mat.Dense) (float64, *mat.Dense, error)

// stage owns a contiguous span of blocks and processes microbatches in 1F1B
// order: a warmup of forwards, then strictly alternating backward/forward,
// then the cooldown backwards. The warmup depth shrinks with stage index so
// no stage ever holds more than numStages microbatches.
type stage struct {
	id     int
	stages int
	blocks []*transformer.Block

	tbl    *rope.Table
	shards []seqshard.Shard
	group  *comm.ProcessGroup
	policy transformer.RecomputePolicy

	fwdIn  *comm.Link[packet] // nil at stage 0
	fwdOut *comm.Link[packet] // nil at the last stage
	bwdIn  *comm.Link[packet] // nil at the last stage
	bwdOut *comm.Link[packet] // nil at stage 0

	inputs []*mat.Dense // stage 0 only
	loss   LossFn       // last stage only

	// per-microbatch retained state, keyed by microbatch index
	states map[int][]*transformer.BlockState
	finalY map[int]*mat.Dense // last stage only

	losses      []float64
	maxInFlight int
}

func (s *stage) isFirst() bool { return s.id == 0 }
func (s *stage) isLast() bool  { return s.id == s.stages-1 }

// run drives the stage through all numMB microbatches.
func (s *stage) run(numMB int) error {
	// At stage id the steady-state depth is stages-id, which keeps the
	// global in-flight count at or below the stage count.
	warmup := s.stages - s.id
	if warmup > numMB {
		warmup = numMB
	}

	forwards, backwards := 0, 0
	for backwards < numMB {
		if forwards < numMB && forwards-backwards < warmup {
			if err := s.forwardOne(forwards); err != nil {
				return err
			}
			forwards++
			if inFlight := forwards - backwards; inFlight > s.maxInFlight {
				s.maxInFlight = inFlight
			}
			continue
		}
		if err := s.backwardOne(backwards); err != nil {
			return err
		}
		backwards++
	}
	return nil
}

func (s *stage) forwardOne(mb int) error {
	var X *mat.Dense
	if s.isFirst() {
		X = s.inputs[mb]
	} else {
		pkt, err := s.fwdIn.Recv(s.id)
		if err != nil {
			return err
		}
		if pkt.MB != mb {
			return errors.Errorf("stage %d: expected forward microbatch %d, got %d", s.id, mb, pkt.MB)
		}
		X = pkt.M
	}

	states := make([]*transformer.BlockState, len(s.blocks))
	cur := X
	for i, b := range s.blocks {
		cp := s.policy.ShouldCheckpoint(b.Index, 0)
		out, st, err := b.Forward(cur, s.tbl, s.shards, s.group, cp)
		if err != nil {
			return err
		}
		states[i] = st
		cur = out
	}
	s.states[mb] = states

	if s.isLast() {
		s.finalY[mb] = cur
		return nil
	}
	return s.fwdOut.Send(packet{MB: mb, M: cur}, s.id, mb)
}

func (s *stage) backwardOne(mb int) error {
	var dY *mat.Dense
	if s.isLast() {
		hidden, ok := s.finalY[mb]
		if !ok {
			return errors.Errorf("stage %d: no forward output for microbatch %d", s.id, mb)
		}
		delete(s.finalY, mb)
		loss, grad, err := s.loss(mb, hidden)
		if err != nil {
			return err
		}
		s.losses = append(s.losses, loss)
		dY = grad
	} else {
		pkt, err := s.bwdIn.Recv(s.id)
		if err != nil {
			return err
		}
		if pkt.MB != mb {
			return errors.Errorf("stage %d: expected backward microbatch %d, got %d", s.id, mb, pkt.MB)
		}
		dY = pkt.M
	}

	states, ok := s.states[mb]
	if !ok {
		return errors.Errorf("stage %d: backward for microbatch %d before its forward", s.id, mb)
	}
	delete(s.states, mb)

	cur := dY
	for i := len(s.blocks) - 1; i >= 0; i-- {
		out, err := s.blocks[i].Backward(cur, states[i], s.tbl, s.shards, s.group)
		if err != nil {
			return err
		}
		cur = out
	}

	if s.isFirst() {
		// the embedding is frozen; input gradients stop here
		return nil
	}
	return s.bwdOut.Send(packet{MB: mb, M: cur}, s.id, mb)
}
