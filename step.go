package main

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/IO"
	"github.com/hhnqqq/gemma-long-rope/optimizations"
	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/pipeline"
	"github.com/hhnqqq/gemma-long-rope/transformer"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

// NumericalError marks a step whose loss or gradients went non-finite. The
// update is skipped, not the run. Microbatch identifies the offending
// microbatch, or -1 when only the accumulated gradients blew up and no single
// microbatch can be blamed.
type NumericalError struct {
	Step       int
	Microbatch int
	Group      string
}

func (e *NumericalError) Error() string {
	if e.Microbatch >= 0 {
		return fmt.Sprintf("non-finite loss at step %d, microbatch %d", e.Step, e.Microbatch)
	}
	return fmt.Sprintf("non-finite gradient at step %d (group %s)", e.Step, e.Group)
}

// TrainingState is the orchestrator's explicit mutable state. Nothing else
// in the step path carries hidden counters.
type TrainingState struct {
	RunID        string
	Step         int // optimizer steps applied
	MicroSteps   int // pipeline runs executed
	SkippedSteps int
	LastLoss     float64
}

// StepOrchestrator drives one optimizer step: GradAccumSteps pipeline runs
// of MicroBatches sequences each, a NaN check over the accumulated
// gradients, then one grouped AdamW update (or a skip).
type StepOrchestrator struct {
	cfg    *params.TrainingConfig
	model  *transformer.Transformer
	engine *pipeline.Engine
	groups []*optimizations.ParamGroup

	State TrainingState
	log   *slog.Logger
}

func NewStepOrchestrator(
	cfg *params.TrainingConfig,
	model *transformer.Transformer,
	engine *pipeline.Engine,
	groups []*optimizations.ParamGroup,
	log *slog.Logger,
) *StepOrchestrator {
	return &StepOrchestrator{
		cfg:    cfg,
		model:  model,
		engine: engine,
		groups: groups,
		State:  TrainingState{RunID: uuid.NewString()},
		log:    log,
	}
}

// BatchSize is how many sequences one optimizer step consumes.
func (o *StepOrchestrator) BatchSize() int {
	return o.cfg.MicroBatches * o.cfg.GradAccumSteps
}

// RunStep consumes BatchSize sequences and applies (or skips) one update.
// The returned loss is the mean microbatch loss across all pipeline runs. A
// *NumericalError means the update was skipped; communication failures are
// returned as-is and are fatal to training.
func (o *StepOrchestrator) RunStep(seqs []IO.Sequence) (float64, error) {
	if len(seqs) != o.BatchSize() {
		return 0, params.Errorf("micro_batches", "step needs %d sequences, got %d", o.BatchSize(), len(seqs))
	}
	gradScale := 1.0 / float64(len(seqs))

	total := 0.0
	for run := 0; run < o.cfg.GradAccumSteps; run++ {
		chunk := seqs[run*o.cfg.MicroBatches : (run+1)*o.cfg.MicroBatches]
		inputs := make([]*mat.Dense, len(chunk))
		for i, s := range chunk {
			inputs[i] = IO.Embed(s.IDs)
		}

		loss := func(mb int, hidden *mat.Dense) (float64, *mat.Dense, error) {
			normed, cache := o.model.LnF.Forward(hidden)
			l, dNormed := IO.NextTokenLoss(normed, chunk[mb])
			dNormed.Scale(gradScale, dNormed)
			return l, o.model.LnF.Backward(dNormed, cache), nil
		}

		res, err := o.engine.RunStep(inputs, loss)
		if err != nil {
			return 0, err
		}
		o.State.MicroSteps++
		for i, l := range res.MicrobatchLosses {
			if math.IsNaN(l) || math.IsInf(l, 0) {
				mb := run*o.cfg.MicroBatches + i
				o.zeroGrads()
				o.State.SkippedSteps++
				o.log.Warn("skipping update, non-finite loss",
					"step", o.State.Step, "microbatch", mb)
				return l, &NumericalError{Step: o.State.Step, Microbatch: mb}
			}
		}
		total += res.Loss
	}
	meanLoss := total / float64(o.cfg.GradAccumSteps)
	o.State.LastLoss = meanLoss

	for _, g := range o.groups {
		if g.GradNaN() {
			o.zeroGrads()
			o.State.SkippedSteps++
			o.log.Warn("skipping update, non-finite gradients",
				"step", o.State.Step, "group", g.Name, "loss", meanLoss)
			return meanLoss, &NumericalError{Step: o.State.Step, Microbatch: -1, Group: g.Name}
		}
	}

	o.State.Step++
	lr := utils.LRSchedule(o.State.Step, o.cfg.BaseLR, o.cfg.WarmupSteps, o.cfg.DecaySteps)
	for _, g := range o.groups {
		g.Step(lr, o.cfg.AdamBeta1, o.cfg.AdamBeta2, o.cfg.AdamEps, o.cfg.WeightDecay, o.cfg.GradClip)
	}
	o.zeroGrads()

	if o.cfg.Debug && o.cfg.DebugEvery > 0 && o.State.Step%o.cfg.DebugEvery == 0 {
		o.log.Debug("step", "n", o.State.Step, "loss", meanLoss, "lr", lr,
			"skipped", o.State.SkippedSteps)
	}
	return meanLoss, nil
}

func (o *StepOrchestrator) zeroGrads() {
	for _, g := range o.groups {
		g.ZeroGrads()
	}
}
