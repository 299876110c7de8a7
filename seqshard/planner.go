// Package seqshard plans how one long sequence is split across
// sequence-parallel ranks and describes the key/value exchange each
// attention layer performs so every rank can attend over the full sequence.
package seqshard

import (
	"github.com/hhnqqq/gemma-long-rope/params"
)

// Shard is a contiguous token range [Start, End) owned by one rank.
type Shard struct {
	Rank  int
	Start int
	End   int
}

func (s Shard) Len() int { return s.End - s.Start }

// Plan splits [0, seqLen) into numRanks contiguous shards ordered by rank.
// The shards partition the range exactly. Sequence length must divide
// evenly; a remainder would leave ranks with mismatched attention workloads
// (and the degenerate case numRanks > seqLen would leave empty shards), so
// both fail eagerly.
func Plan(seqLen, numRanks int) ([]Shard, error) {
	if seqLen <= 0 {
		return nil, params.Errorf("max_seq_length", "must be positive, got %d", seqLen)
	}
	if numRanks < 1 {
		return nil, params.Errorf("num_seq_ranks", "must be >= 1, got %d", numRanks)
	}
	if numRanks > seqLen {
		return nil, params.Errorf("num_seq_ranks", "%d ranks cannot take non-empty shards of %d tokens", numRanks, seqLen)
	}
	if seqLen%numRanks != 0 {
		return nil, params.Errorf("num_seq_ranks", "%d does not evenly divide sequence length %d", numRanks, seqLen)
	}
	size := seqLen / numRanks
	shards := make([]Shard, numRanks)
	for r := 0; r < numRanks; r++ {
		shards[r] = Shard{Rank: r, Start: r * size, End: (r + 1) * size}
	}
	return shards, nil
}

// ExchangeStep is one collective in the per-layer schedule.
type ExchangeStep struct {
	Phase      string // "kv-broadcast" or "grad-reduce"
	Collective string // "all-to-all" or "all-reduce"
	// Participants is every rank: the exchange is a single
	// synchronization point, no rank proceeds until all arrive.
	Participants []int
}

// ExchangePattern returns the communication schedule run once per attention
// layer per microbatch: every rank broadcasts its local key/value
// projections to all peers before computing scores for its local queries,
// and the key/value gradients are summed back to their owning ranks during
// backward.
func ExchangePattern(numRanks int) []ExchangeStep {
	all := make([]int, numRanks)
	for i := range all {
		all[i] = i
	}
	return []ExchangeStep{
		{Phase: "kv-broadcast", Collective: "all-to-all", Participants: all},
		{Phase: "grad-reduce", Collective: "all-reduce", Participants: all},
	}
}
