package transformer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

func randInput(d, T int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, d*T)
	for i := range data {
		data[i] = rng.NormFloat64() * 0.5
	}
	return mat.NewDense(d, T, data)
}

func testTable(t *testing.T, dHead, seqLen int) *rope.Table {
	tbl, err := rope.Build(seqLen, seqLen, dHead, rope.ModeNone)
	require.NoError(t, err)
	return tbl
}

func markTrainable(ls []*lora.Linear) {
	for _, l := range ls {
		l.Trainable = true
	}
}

// Splitting the sequence across ranks must not change the math: the
// all-gathered key/value set makes every rank's local attention see the
// full sequence.
func TestShardedForwardMatchesSingleRank(t *testing.T) {
	const d, heads, T = 8, 2, 8
	attn := NewAttention(0, d, heads)
	tbl := testTable(t, d/heads, T)
	X := randInput(d, T, 11)

	single, err := seqshard.Plan(T, 1)
	require.NoError(t, err)
	g1 := comm.NewProcessGroup(1, time.Second)
	Y1, _, err := attn.ShardedForward(X, tbl, single, g1)
	require.NoError(t, err)

	quad, err := seqshard.Plan(T, 4)
	require.NoError(t, err)
	g4 := comm.NewProcessGroup(4, time.Second)
	Y4, _, err := attn.ShardedForward(X, tbl, quad, g4)
	require.NoError(t, err)

	assert.InDeltaSlice(t, Y1.RawMatrix().Data, Y4.RawMatrix().Data, 1e-9)
}

func TestShardedBackwardMatchesSingleRank(t *testing.T) {
	const d, heads, T = 8, 2, 8
	attn := NewAttention(0, d, heads)
	markTrainable(attn.Linears())
	tbl := testTable(t, d/heads, T)
	X := randInput(d, T, 12)
	dY := randInput(d, T, 13)

	run := func(ranks int) (*mat.Dense, []*mat.Dense) {
		for _, l := range attn.Linears() {
			l.GradW.Zero()
		}
		shards, err := seqshard.Plan(T, ranks)
		require.NoError(t, err)
		g := comm.NewProcessGroup(ranks, time.Second)
		_, cache, err := attn.ShardedForward(X, tbl, shards, g)
		require.NoError(t, err)
		dX, err := attn.ShardedBackward(dY, cache, tbl, shards, g)
		require.NoError(t, err)
		var grads []*mat.Dense
		for _, l := range attn.Linears() {
			grads = append(grads, mat.DenseCopyOf(l.GradW))
		}
		return dX, grads
	}

	dX1, grads1 := run(1)
	dX2, grads2 := run(2)
	assert.InDeltaSlice(t, dX1.RawMatrix().Data, dX2.RawMatrix().Data, 1e-9)
	for i := range grads1 {
		assert.InDeltaSlice(t, grads1[i].RawMatrix().Data, grads2[i].RawMatrix().Data, 1e-9,
			"weight grad %d", i)
	}
}

// Finite-difference check of the whole attention layer, rotation included.
func TestAttentionInputGradFiniteDiff(t *testing.T) {
	const d, heads, T = 4, 2, 4
	attn := NewAttention(0, d, heads)
	tbl := testTable(t, d/heads, T)
	shards, err := seqshard.Plan(T, 1)
	require.NoError(t, err)

	X := randInput(d, T, 21)
	R := randInput(d, T, 22)
	lossOf := func() float64 {
		g := comm.NewProcessGroup(1, time.Second)
		Y, _, err := attn.ShardedForward(X, tbl, shards, g)
		require.NoError(t, err)
		return mat.Sum(utils.ToDense(utils.Multiply(R, Y)))
	}

	g := comm.NewProcessGroup(1, time.Second)
	_, cache, err := attn.ShardedForward(X, tbl, shards, g)
	require.NoError(t, err)
	dX, err := attn.ShardedBackward(R, cache, tbl, shards, g)
	require.NoError(t, err)

	const eps = 1e-6
	for i := 0; i < d; i++ {
		for j := 0; j < T; j++ {
			orig := X.At(i, j)
			X.Set(i, j, orig+eps)
			up := lossOf()
			X.Set(i, j, orig-eps)
			down := lossOf()
			X.Set(i, j, orig)
			assert.InDelta(t, (up-down)/(2*eps), dX.At(i, j), 1e-4,
				"dX (%d,%d)", i, j)
		}
	}
}

func TestCausalityUnderSharding(t *testing.T) {
	const d, heads, T = 8, 2, 8
	attn := NewAttention(0, d, heads)
	tbl := testTable(t, d/heads, T)
	shards, err := seqshard.Plan(T, 2)
	require.NoError(t, err)

	X := randInput(d, T, 31)
	g := comm.NewProcessGroup(2, time.Second)
	Y, _, err := attn.ShardedForward(X, tbl, shards, g)
	require.NoError(t, err)

	// perturbing a future token must not change earlier outputs
	X2 := mat.DenseCopyOf(X)
	X2.Set(0, T-1, X2.At(0, T-1)+10)
	g2 := comm.NewProcessGroup(2, time.Second)
	Y2, _, err := attn.ShardedForward(X2, tbl, shards, g2)
	require.NoError(t, err)

	for i := 0; i < d; i++ {
		for j := 0; j < T-1; j++ {
			assert.InDelta(t, Y.At(i, j), Y2.At(i, j), 1e-9,
				"output (%d,%d) depends on a future token", i, j)
		}
	}
}

// A checkpointed block must produce exactly the gradients of a retained one.
func TestCheckpointedBackwardMatchesRetained(t *testing.T) {
	const d, hidden, heads, T = 8, 16, 2, 8
	b := NewBlock(0, d, hidden, heads)
	markTrainable(b.Linears())
	tbl := testTable(t, d/heads, T)
	shards, err := seqshard.Plan(T, 2)
	require.NoError(t, err)

	X := randInput(d, T, 41)
	dY := randInput(d, T, 42)

	run := func(checkpoint bool) (*mat.Dense, []*mat.Dense) {
		for _, l := range b.Linears() {
			l.GradW.Zero()
		}
		g := comm.NewProcessGroup(2, time.Second)
		Y, st, err := b.Forward(X, tbl, shards, g, checkpoint)
		require.NoError(t, err)
		require.NotNil(t, Y)
		if checkpoint {
			require.Nil(t, st.attn, "checkpointed state must drop caches")
		}
		dX, err := b.Backward(dY, st, tbl, shards, g)
		require.NoError(t, err)
		var grads []*mat.Dense
		for _, l := range b.Linears() {
			grads = append(grads, mat.DenseCopyOf(l.GradW))
		}
		return dX, grads
	}

	dXr, gradsR := run(false)
	dXc, gradsC := run(true)
	assert.InDeltaSlice(t, dXr.RawMatrix().Data, dXc.RawMatrix().Data, 1e-9)
	for i := range gradsR {
		assert.InDeltaSlice(t, gradsR[i].RawMatrix().Data, gradsC[i].RawMatrix().Data, 1e-9,
			"weight grad %d", i)
	}
}

func TestRecomputePolicy(t *testing.T) {
	full, err := NewRecomputePolicy(RecomputeFull, 0, 0)
	require.NoError(t, err)
	none, err := NewRecomputePolicy(RecomputeNone, 0, 0)
	require.NoError(t, err)
	sel, err := NewRecomputePolicy(RecomputeSelective, 3, 1000)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		assert.True(t, full.ShouldCheckpoint(i, 0))
		assert.False(t, none.ShouldCheckpoint(i, 0))
		assert.Equal(t, i >= 3, sel.ShouldCheckpoint(i, 0), "block %d", i)
	}

	// same inputs, same answer
	for i := 0; i < 6; i++ {
		assert.Equal(t, sel.ShouldCheckpoint(i, 0), sel.ShouldCheckpoint(i, 0))
	}

	// below-threshold blocks still checkpoint once the budget runs out
	assert.False(t, sel.ShouldCheckpoint(0, 10_000))
	assert.True(t, sel.ShouldCheckpoint(0, 500))

	_, err = NewRecomputePolicy("most", 0, 0)
	require.Error(t, err)
}

func TestModelSurface(t *testing.T) {
	m, err := New(8, 16, 2, 4)
	require.NoError(t, err)
	assert.Len(t, m.Blocks, 4)
	assert.Len(t, m.NamedLinears(), 4*6)
	assert.Len(t, m.Norms(), 4*2+1)
	assert.Equal(t, "blocks.2.attn.k_proj", m.Blocks[2].Attn.K.Name)

	_, err = New(9, 16, 2, 4)
	require.Error(t, err, "heads must divide width")
}
