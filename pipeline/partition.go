// Package pipeline schedules the block stack across stages: contiguous
// block spans, one worker goroutine per stage, 1F1B microbatch interleaving
// with a bounded number of microbatches in flight.
package pipeline

import (
	"github.com/hhnqqq/gemma-long-rope/params"
)

// Span is the contiguous block range [Start, End) owned by one stage.
type Span struct {
	Stage int
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// Partition assigns numBlocks blocks to numStages contiguous spans. Sizes
// differ by at most one, earlier stages taking the extra block so the
// cheaper final stage also runs the loss.
func Partition(numBlocks, numStages int) ([]Span, error) {
	if numStages < 1 {
		return nil, params.Errorf("num_pipeline_stages", "must be >= 1, got %d", numStages)
	}
	if numBlocks < 1 {
		return nil, params.Errorf("num_layers", "must be >= 1, got %d", numBlocks)
	}
	if numStages > numBlocks {
		return nil, params.Errorf("num_pipeline_stages", "%d stages cannot each take a block from %d", numStages, numBlocks)
	}
	base := numBlocks / numStages
	extra := numBlocks % numStages
	spans := make([]Span, numStages)
	start := 0
	for s := 0; s < numStages; s++ {
		size := base
		if s < extra {
			size++
		}
		spans[s] = Span{Stage: s, Start: start, End: start + size}
		start += size
	}
	return spans, nil
}
