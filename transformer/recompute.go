package transformer

import (
	"github.com/hhnqqq/gemma-long-rope/params"
)

// Recompute modes. "full" re-runs every block's forward during backward,
// "selective" checkpoints only blocks at or past the threshold, "none"
// retains every activation.
const (
	RecomputeFull      = "full"
	RecomputeSelective = "selective"
	RecomputeNone      = "none"
)

// RecomputePolicy decides, per block, whether activations are dropped after
// the forward pass and recomputed during backward. The decision is pure: the
// same block index and budget always give the same answer.
type RecomputePolicy struct {
	Mode      string
	Threshold int // first checkpointed block index under "selective"

	// BlockBytes is the caller's estimate of one block's retained
	// activation footprint. Zero disables budget-based checkpointing.
	BlockBytes int64
}

func NewRecomputePolicy(mode string, threshold int, blockBytes int64) (RecomputePolicy, error) {
	switch mode {
	case RecomputeFull, RecomputeSelective, RecomputeNone:
	default:
		return RecomputePolicy{}, params.Errorf("recompute_mode", "unknown mode %q", mode)
	}
	if mode == RecomputeSelective && threshold < 0 {
		return RecomputePolicy{}, params.Errorf("recompute_threshold", "must be >= 0, got %d", threshold)
	}
	return RecomputePolicy{Mode: mode, Threshold: threshold, BlockBytes: blockBytes}, nil
}

// ShouldCheckpoint reports whether the block at blockIndex drops its
// activations. memBudget is the bytes still available for retained
// activations; when the estimated footprint no longer fits, selective mode
// checkpoints regardless of the threshold.
func (p RecomputePolicy) ShouldCheckpoint(blockIndex int, memBudget int64) bool {
	switch p.Mode {
	case RecomputeFull:
		return true
	case RecomputeNone:
		return false
	}
	if blockIndex >= p.Threshold {
		return true
	}
	return memBudget > 0 && p.BlockBytes > 0 && p.BlockBytes > memBudget
}

// EstimateBlockBytes is a coarse retained-activation estimate for one block:
// the float64 matrices a non-checkpointed block keeps for backward.
func EstimateBlockBytes(dModel, hidden, seqLen, nHeads int) int64 {
	const f = 8 // bytes per float64
	perToken := int64(dModel)*6 + int64(hidden)*2 // residuals, norms, attn in/out, mlp pre/post
	attnMaps := int64(nHeads) * int64(seqLen) * int64(seqLen)
	return f * (perToken*int64(seqLen) + attnMaps)
}
