package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestAllGatherColsAssemblesShards(t *testing.T) {
	const world, d, perRank = 4, 3, 2
	g := NewProcessGroup(world, time.Second)
	dst := mat.NewDense(d, world*perRank, nil)

	err := g.RunRanks(func(rank int) error {
		local := mat.NewDense(d, perRank, nil)
		for i := 0; i < d; i++ {
			for j := 0; j < perRank; j++ {
				local.Set(i, j, float64(rank*100+i*10+j))
			}
		}
		return g.AllGatherCols(rank, local, dst, rank*perRank)
	})
	require.NoError(t, err)

	for rank := 0; rank < world; rank++ {
		for i := 0; i < d; i++ {
			for j := 0; j < perRank; j++ {
				assert.Equal(t, float64(rank*100+i*10+j), dst.At(i, rank*perRank+j))
			}
		}
	}
}

func TestAllReduceSumGivesEveryRankTheTotal(t *testing.T) {
	const world = 4
	g := NewProcessGroup(world, time.Second)
	locals := make([]*mat.Dense, world)

	err := g.RunRanks(func(rank int) error {
		local := mat.NewDense(2, 2, []float64{
			float64(rank + 1), 0,
			0, float64(rank + 1),
		})
		locals[rank] = local
		return g.AllReduceSum(rank, local)
	})
	require.NoError(t, err)

	// 1+2+3+4
	for rank := 0; rank < world; rank++ {
		assert.Equal(t, 10.0, locals[rank].At(0, 0), "rank %d", rank)
		assert.Equal(t, 10.0, locals[rank].At(1, 1), "rank %d", rank)
		assert.Equal(t, 0.0, locals[rank].At(0, 1), "rank %d", rank)
	}
}

func TestAllReduceSumResetsBetweenCalls(t *testing.T) {
	const world = 2
	g := NewProcessGroup(world, time.Second)

	for round := 1; round <= 2; round++ {
		locals := make([]*mat.Dense, world)
		err := g.RunRanks(func(rank int) error {
			local := mat.NewDense(1, 1, []float64{float64(round)})
			locals[rank] = local
			return g.AllReduceSum(rank, local)
		})
		require.NoError(t, err)
		for rank := 0; rank < world; rank++ {
			assert.Equal(t, float64(2*round), locals[rank].At(0, 0),
				"round %d rank %d: stale accumulator", round, rank)
		}
	}
}

func TestMissingPeerTimesOut(t *testing.T) {
	g := NewProcessGroup(2, 50*time.Millisecond)
	err := g.RunRanks(func(rank int) error {
		if rank == 1 {
			return nil // never shows up at the barrier
		}
		return g.Barrier(rank)
	})
	require.Error(t, err)
	var commErr *Error
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, "barrier", commErr.Op)
	assert.Equal(t, 0, commErr.Rank)
}

func TestLinkTimeoutCarriesStage(t *testing.T) {
	l := NewLink[int](1, 50*time.Millisecond)
	_, err := l.Recv(3)
	var commErr *Error
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, "recv", commErr.Op)
	assert.Equal(t, 3, commErr.Stage)
}

func TestLinkDeliversInOrder(t *testing.T) {
	l := NewLink[int](4, time.Second)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Send(i, 0, i))
	}
	for i := 0; i < 4; i++ {
		v, err := l.Recv(1)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestClosedLinkFailsFast(t *testing.T) {
	l := NewLink[int](1, time.Second)
	l.Close()
	_, err := l.Recv(0)
	var commErr *Error
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, "link closed", commErr.Reason)
}
