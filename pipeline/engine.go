package pipeline

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"golang.org/x/sync/errgroup"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/transformer"
)

type Config struct {
	NumStages       int
	NumMicrobatches int
	Timeout         time.Duration
}

// Engine runs one forward/backward step of the block stack across pipeline
// stages. Each stage owns a contiguous block span and its own
// sequence-parallel process group, so two stages can exchange key/value
// blocks concurrently without cross-talk.
type Engine struct {
	cfg    Config
	spans  []Span
	model  *transformer.Transformer
	tbl    *rope.Table
	shards []seqshard.Shard
	policy transformer.RecomputePolicy
	groups []*comm.ProcessGroup
}

// StepResult is what one engine step reports back to the orchestrator.
type StepResult struct {
	Loss             float64 // mean over microbatches
	MicrobatchLosses []float64
	MaxInFlight      []int // per stage; never exceeds the stage count
}

func NewEngine(
	model *transformer.Transformer,
	tbl *rope.Table,
	shards []seqshard.Shard,
	policy transformer.RecomputePolicy,
	cfg Config,
) (*Engine, error) {
	if cfg.NumMicrobatches < 1 {
		return nil, params.Errorf("micro_batches", "must be >= 1, got %d", cfg.NumMicrobatches)
	}
	spans, err := Partition(len(model.Blocks), cfg.NumStages)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		spans:  spans,
		model:  model,
		tbl:    tbl,
		shards: shards,
		policy: policy,
	}
	for range spans {
		e.groups = append(e.groups, comm.NewProcessGroup(len(shards), cfg.Timeout))
	}
	return e, nil
}

func (e *Engine) Spans() []Span { return e.spans }

// RunStep pushes every microbatch through the pipeline and returns once all
// backward passes have finished, with gradients accumulated in the model's
// buffers. inputs are the embedded microbatches in order; loss runs on the
// last stage and is responsible for the final norm and unembedding. A
// failure on any stage tears the pipeline down and is fatal to the step.
func (e *Engine) RunStep(inputs []*mat.Dense, loss LossFn) (*StepResult, error) {
	numMB := e.cfg.NumMicrobatches
	if len(inputs) != numMB {
		return nil, params.Errorf("micro_batches", "got %d inputs for %d microbatches", len(inputs), numMB)
	}
	numStages := len(e.spans)

	fwd := make([]*comm.Link[packet], numStages-1)
	bwd := make([]*comm.Link[packet], numStages-1)
	for i := range fwd {
		fwd[i] = comm.NewLink[packet](numStages, e.cfg.Timeout)
		bwd[i] = comm.NewLink[packet](numStages, e.cfg.Timeout)
	}
	teardown := func() {
		for i := range fwd {
			fwd[i].Close()
			bwd[i].Close()
		}
		for _, g := range e.groups {
			g.Abort()
		}
	}

	stages := make([]*stage, numStages)
	for i, span := range e.spans {
		s := &stage{
			id:     i,
			stages: numStages,
			blocks: e.model.Blocks[span.Start:span.End],
			tbl:    e.tbl,
			shards: e.shards,
			group:  e.groups[i],
			policy: e.policy,
			states: make(map[int][]*transformer.BlockState),
		}
		if i > 0 {
			s.fwdIn = fwd[i-1]
			s.bwdOut = bwd[i-1]
		} else {
			s.inputs = inputs
		}
		if i < numStages-1 {
			s.fwdOut = fwd[i]
			s.bwdIn = bwd[i]
		} else {
			s.loss = loss
			s.finalY = make(map[int]*mat.Dense)
		}
		stages[i] = s
	}

	// teardown unblocks every other stage, which then also fails; keep the
	// root cause, not whichever error the group saw first.
	var failOnce sync.Once
	var rootErr error

	var eg errgroup.Group
	for _, s := range stages {
		s := s
		eg.Go(func() error {
			if err := s.run(numMB); err != nil {
				failOnce.Do(func() {
					rootErr = err
					teardown()
				})
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if rootErr != nil {
			return nil, rootErr
		}
		return nil, err
	}

	last := stages[numStages-1]
	res := &StepResult{MicrobatchLosses: last.losses}
	for _, l := range last.losses {
		res.Loss += l
	}
	res.Loss /= float64(len(last.losses))
	for _, s := range stages {
		res.MaxInFlight = append(res.MaxInFlight, s.maxInFlight)
	}
	return res, nil
}
