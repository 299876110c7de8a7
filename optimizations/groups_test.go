package optimizations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFrozenGroupNeverMoves(t *testing.T) {
	p := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	g := NewParamGroup("base", 1.0, false)
	g.Add(p, nil)

	g.Step(0.1, 0.9, 0.999, 1e-8, 0.01, 1.0)
	assert.Equal(t, []float64{1, 2, 3, 4}, p.RawMatrix().Data)
	assert.Nil(t, g.M, "frozen groups never allocate moments")
}

func TestLRMultiplierScalesFirstUpdate(t *testing.T) {
	mkGroup := func(mult float64) (*ParamGroup, *mat.Dense) {
		p := mat.NewDense(1, 1, []float64{1})
		grad := mat.NewDense(1, 1, []float64{0.5})
		g := NewParamGroup("g", mult, true)
		g.Add(p, grad)
		return g, p
	}

	gA, pA := mkGroup(1)
	gB, pB := mkGroup(16)
	// no decay, no clip: the first Adam step moves by ~lr*mult
	gA.Step(1e-3, 0.9, 0.999, 1e-8, 0, 0)
	gB.Step(1e-3, 0.9, 0.999, 1e-8, 0, 0)

	dA := 1 - pA.At(0, 0)
	dB := 1 - pB.At(0, 0)
	require.Greater(t, dA, 0.0)
	assert.InDelta(t, 16.0, dB/dA, 1e-6)
}

func TestZeroGradsClears(t *testing.T) {
	p := mat.NewDense(1, 2, []float64{1, 1})
	grad := mat.NewDense(1, 2, []float64{3, -4})
	g := NewParamGroup("g", 1, true)
	g.Add(p, grad)

	g.ZeroGrads()
	assert.Equal(t, []float64{0, 0}, grad.RawMatrix().Data)
}

func TestGradNaNDetection(t *testing.T) {
	p := mat.NewDense(1, 2, nil)
	grad := mat.NewDense(1, 2, []float64{1, 2})
	g := NewParamGroup("g", 1, true)
	g.Add(p, grad)

	assert.False(t, g.GradNaN())
	grad.Set(0, 1, math.NaN())
	assert.True(t, g.GradNaN())
	grad.Set(0, 1, math.Inf(1))
	assert.True(t, g.GradNaN())
}

func TestLayerNormBackwardFiniteDiff(t *testing.T) {
	ln := NewLayerNorm(4, 1e-5)
	ln.Gamma.SetCol(0, []float64{1.1, 0.9, 1.0, 1.2})
	ln.Beta.SetCol(0, []float64{0.1, -0.1, 0, 0.2})

	X := mat.NewDense(4, 3, []float64{
		0.5, -1.2, 0.3,
		1.5, 0.2, -0.7,
		-0.3, 0.9, 1.1,
		0.0, -0.5, 0.4,
	})
	R := mat.NewDense(4, 3, []float64{
		1, -1, 0.5,
		0.2, 0.3, -0.4,
		-0.6, 0.1, 0.9,
		0.7, -0.2, 0.3,
	})
	lossOf := func() float64 {
		Y, _ := ln.Forward(X)
		s := 0.0
		for i := 0; i < 4; i++ {
			for j := 0; j < 3; j++ {
				s += R.At(i, j) * Y.At(i, j)
			}
		}
		return s
	}

	_, cache := ln.Forward(X)
	dX := ln.Backward(R, cache)

	const eps = 1e-6
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			orig := X.At(i, j)
			X.Set(i, j, orig+eps)
			up := lossOf()
			X.Set(i, j, orig-eps)
			down := lossOf()
			X.Set(i, j, orig)
			assert.InDelta(t, (up-down)/(2*eps), dX.At(i, j), 1e-5,
				"dX (%d,%d)", i, j)
		}
	}
}
