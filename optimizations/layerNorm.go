package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *mat.Dense // (d x 1)
	Beta  *mat.Dense // (d x 1)

	GradGamma *mat.Dense
	GradBeta  *mat.Dense
	Trainable bool
}

// LNCache holds what the backward pass needs. Caches live with the
// microbatch, not on the module, so several microbatches can be in flight
// through the same block.
type LNCache struct {
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	g := utils.OnesLike(mat.NewDense(d, 1, nil))
	b := mat.NewDense(d, 1, nil)
	return &LayerNorm{
		D:         d,
		Eps:       eps,
		Gamma:     g,
		Beta:      b,
		GradGamma: mat.NewDense(d, 1, nil),
		GradBeta:  mat.NewDense(d, 1, nil),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) (*mat.Dense, *LNCache) {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
		}
	}
	return out, &LNCache{Xhat: xhat, InvStd: inv}
}

// Backward returns dX and accumulates gamma/beta gradients when the norm is
// trainable.
func (ln *LayerNorm) Backward(dY *mat.Dense, cache *LNCache) *mat.Dense {
	d, T := dY.Dims()
	if ln.Trainable {
		for i := 0; i < d; i++ {
			sumDG := 0.0
			sumDB := 0.0
			for t := 0; t < T; t++ {
				sumDG += dY.At(i, t) * cache.Xhat.At(i, t)
				sumDB += dY.At(i, t)
			}
			ln.GradGamma.Set(i, 0, ln.GradGamma.At(i, 0)+sumDG)
			ln.GradBeta.Set(i, 0, ln.GradBeta.At(i, 0)+sumDB)
		}
	}

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := cache.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * cache.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - cache.Xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX
}
