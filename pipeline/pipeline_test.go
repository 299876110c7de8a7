package pipeline

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/transformer"
)

func TestPartitionSpreadsBlocksEvenly(t *testing.T) {
	for _, tc := range []struct{ blocks, stages int }{
		{6, 1}, {6, 2}, {6, 3}, {7, 3}, {8, 4}, {5, 5},
	} {
		spans, err := Partition(tc.blocks, tc.stages)
		require.NoError(t, err)
		require.Len(t, spans, tc.stages)

		covered := 0
		minLen, maxLen := tc.blocks, 0
		for s, span := range spans {
			assert.Equal(t, s, span.Stage)
			assert.Equal(t, covered, span.Start)
			covered = span.End
			if span.Len() < minLen {
				minLen = span.Len()
			}
			if span.Len() > maxLen {
				maxLen = span.Len()
			}
		}
		assert.Equal(t, tc.blocks, covered)
		assert.LessOrEqual(t, maxLen-minLen, 1, "%d blocks / %d stages", tc.blocks, tc.stages)
	}
}

func TestPartitionRejects(t *testing.T) {
	var cfgErr *params.ConfigError
	_, err := Partition(2, 4)
	require.ErrorAs(t, err, &cfgErr)
	_, err = Partition(4, 0)
	require.ErrorAs(t, err, &cfgErr)
}

func testSetup(t *testing.T, numBlocks, seqRanks, stages, microbatches int) (*transformer.Transformer, *Engine, *rope.Table, []seqshard.Shard) {
	const d, hidden, heads, T = 8, 16, 2, 8
	model, err := transformer.New(d, hidden, heads, numBlocks)
	require.NoError(t, err)
	for _, l := range model.NamedLinears() {
		l.Trainable = true
	}
	tbl, err := rope.Build(T, T, d/heads, rope.ModeNone)
	require.NoError(t, err)
	shards, err := seqshard.Plan(T, seqRanks)
	require.NoError(t, err)
	policy, err := transformer.NewRecomputePolicy(transformer.RecomputeNone, 0, 0)
	require.NoError(t, err)
	eng, err := NewEngine(model, tbl, shards, policy, Config{
		NumStages:       stages,
		NumMicrobatches: microbatches,
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	return model, eng, tbl, shards
}

func randActivations(n int, seed int64) []*mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*mat.Dense, n)
	for k := range out {
		data := make([]float64, 8*8)
		for i := range data {
			data[i] = rng.NormFloat64() * 0.5
		}
		out[k] = mat.NewDense(8, 8, data)
	}
	return out
}

// quadratic toy loss so gradients are trivially checkable: L=0.5*|Y|^2,
// dY=Y
func quadLoss(_ int, hidden *mat.Dense) (float64, *mat.Dense, error) {
	r, c := hidden.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := hidden.At(i, j)
			s += v * v
		}
	}
	return 0.5 * s, mat.DenseCopyOf(hidden), nil
}

// The pipeline is a scheduling layer: splitting the stack across stages
// must leave losses and gradients unchanged.
func TestPipelineMatchesSequentialExecution(t *testing.T) {
	const microbatches = 4
	model, eng, tbl, shards := testSetup(t, 4, 2, 2, microbatches)
	inputs := randActivations(microbatches, 51)

	// sequential reference on the same weights
	g := comm.NewProcessGroup(len(shards), 5*time.Second)
	var refLosses []float64
	for _, X := range inputs {
		states := make([]*transformer.BlockState, len(model.Blocks))
		cur := X
		var err error
		for i, b := range model.Blocks {
			cur, states[i], err = b.Forward(cur, tbl, shards, g, false)
			require.NoError(t, err)
		}
		loss, dY, err := quadLoss(0, cur)
		require.NoError(t, err)
		refLosses = append(refLosses, loss)
		for i := len(model.Blocks) - 1; i >= 0; i-- {
			dY, err = model.Blocks[i].Backward(dY, states[i], tbl, shards, g)
			require.NoError(t, err)
		}
	}
	var refGrads []*mat.Dense
	for _, l := range model.NamedLinears() {
		refGrads = append(refGrads, mat.DenseCopyOf(l.GradW))
		l.GradW.Zero()
	}

	res, err := eng.RunStep(inputs, quadLoss)
	require.NoError(t, err)

	require.Len(t, res.MicrobatchLosses, microbatches)
	for i, want := range refLosses {
		assert.InDelta(t, want, res.MicrobatchLosses[i], 1e-9, "microbatch %d", i)
	}
	for i, l := range model.NamedLinears() {
		assert.InDeltaSlice(t, refGrads[i].RawMatrix().Data, l.GradW.RawMatrix().Data, 1e-9,
			"grad of %s", l.Name)
	}
}

func TestInFlightNeverExceedsStageCount(t *testing.T) {
	const stages, microbatches = 4, 8
	_, eng, _, _ := testSetup(t, 4, 1, stages, microbatches)

	res, err := eng.RunStep(randActivations(microbatches, 52), quadLoss)
	require.NoError(t, err)

	require.Len(t, res.MaxInFlight, stages)
	for s, max := range res.MaxInFlight {
		assert.LessOrEqual(t, max, stages, "stage %d", s)
		assert.Equal(t, stages-s, max, "stage %d steady-state depth", s)
	}
}

func TestLossFailureTearsDownAllStages(t *testing.T) {
	const microbatches = 4
	_, eng, _, _ := testSetup(t, 4, 1, 2, microbatches)

	boom := func(mb int, hidden *mat.Dense) (float64, *mat.Dense, error) {
		return 0, nil, errors.New("loss exploded")
	}
	done := make(chan error, 1)
	go func() {
		_, err := eng.RunStep(randActivations(microbatches, 53), boom)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorContains(t, err, "loss exploded")
	case <-time.After(30 * time.Second):
		t.Fatal("pipeline deadlocked after stage failure")
	}
}

func TestMismatchedInputCountIsConfigError(t *testing.T) {
	_, eng, _, _ := testSetup(t, 4, 1, 2, 4)
	_, err := eng.RunStep(randActivations(2, 54), quadLoss)
	var cfgErr *params.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
