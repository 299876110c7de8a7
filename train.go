package main

import (
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hhnqqq/gemma-long-rope/IO"
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/params"
)

// Train runs the epoch loop: shuffle, step through the dataset in
// BatchSize chunks, checkpoint periodically, stop early when the loss
// flatlines. Skipped steps (non-finite gradients) are logged and counted
// but do not end the run; anything else is fatal.
func Train(o *StepOrchestrator, mgr *lora.Manager, examples []IO.Example, outDir string, log *slog.Logger) error {
	cfg := o.cfg
	seqs := make([]IO.Sequence, len(examples))
	for i, ex := range examples {
		s, err := IO.BuildSequence(ex, cfg.MaxSeqLength)
		if err != nil {
			return errors.Wrapf(err, "tokenize example %d", i)
		}
		seqs[i] = s
	}
	if len(seqs) < o.BatchSize() {
		return params.Errorf("micro_batches", "dataset has %d sequences, one step needs %d", len(seqs), o.BatchSize())
	}

	bestLoss := math.Inf(1)
	noImprovement := 0

	for e := 0; e < cfg.MaxEpochs; e++ {
		start := time.Now()
		rand.Shuffle(len(seqs), func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

		total := 0.0
		steps := 0
		for at := 0; at+o.BatchSize() <= len(seqs); at += o.BatchSize() {
			loss, err := o.RunStep(seqs[at : at+o.BatchSize()])
			var numErr *NumericalError
			if errors.As(err, &numErr) {
				continue
			}
			if err != nil {
				return err
			}
			total += loss
			steps++

			if cfg.SaveEverySteps > 0 && o.State.Step%cfg.SaveEverySteps == 0 {
				path := filepath.Join(outDir, "checkpoint.gob")
				if err := IO.SaveCheckpoint(path, o.model, o.State.RunID, o.State.Step, o.State.Step); err != nil {
					return err
				}
				log.Info("saved checkpoint", "path", path, "step", o.State.Step)
			}
			if cfg.MaxSteps > 0 && o.State.Step >= cfg.MaxSteps {
				log.Info("reached max steps", "step", o.State.Step)
				return exportMerged(o, mgr, outDir, log)
			}
		}
		if steps == 0 {
			return errors.New("epoch made no progress: every step skipped")
		}
		avg := total / float64(steps)
		log.Info("epoch", "n", e, "loss", avg, "ppl", math.Exp(avg),
			"steps", o.State.Step, "skipped", o.State.SkippedSteps,
			"elapsed", time.Since(start))

		if avg < bestLoss-1e-9 {
			bestLoss = avg
			noImprovement = 0
		} else {
			noImprovement++
		}
		if noImprovement >= cfg.Patience {
			log.Info("stopping early, no improvement", "epochs", noImprovement)
			break
		}
		if avg < cfg.Epsilon {
			log.Info("stopping early, loss below epsilon", "loss", avg)
			break
		}
	}
	return exportMerged(o, mgr, outDir, log)
}

// exportMerged folds the adapters into the base weights and writes the
// final dense model.
func exportMerged(o *StepOrchestrator, mgr *lora.Manager, outDir string, log *slog.Logger) error {
	path := filepath.Join(outDir, "final.gob")
	if err := IO.SaveCheckpoint(filepath.Join(outDir, "last.gob"), o.model, o.State.RunID, o.State.Step, o.State.Step); err != nil {
		return err
	}
	mgr.MergeAll()
	if err := IO.ExportMerged(path, o.model); err != nil {
		return err
	}
	log.Info("exported merged model", "path", path, "steps", o.State.Step,
		"skipped", o.State.SkippedSteps)
	return nil
}
