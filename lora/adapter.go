package lora

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/utils"
)

// Adapter is a low-rank pair (A, B) attached to a Linear. A is drawn from
// N(0, 1/sqrt(in)), B starts at zero so the adapter is a no-op until the
// first update. Scale is alpha/rank.
type Adapter struct {
	Rank  int
	Scale float64

	A *mat.Dense // (rank x in)
	B *mat.Dense // (out x rank)

	GradA *mat.Dense
	GradB *mat.Dense

	// LoRA+ style multipliers; equal values give the uniform-rate variant.
	LRMultA float64
	LRMultB float64

	// DoRA: fixed per-row magnitude of the original weight. The composed
	// weight's rows are renormalized to this magnitude.
	DoRA bool
	Mag  *mat.Dense // (out x 1)
}

func NewAdapter(base *mat.Dense, rank int, alpha, lrMultA, lrMultB float64, dora bool) *Adapter {
	out, in := base.Dims()
	std := 1.0 / math.Sqrt(float64(in))
	a := &Adapter{
		Rank:    rank,
		Scale:   alpha / float64(rank),
		A:       mat.NewDense(rank, in, utils.NormalArray(rank*in, std)),
		B:       mat.NewDense(out, rank, nil),
		GradA:   mat.NewDense(rank, in, nil),
		GradB:   mat.NewDense(out, rank, nil),
		LRMultA: lrMultA,
		LRMultB: lrMultB,
		DoRA:    dora,
	}
	if dora {
		a.Mag = rowNorms(base)
	}
	return a
}

// Compose returns the effective weight W + scale*B*A, renormalized per row
// to the stored magnitude when DoRA is on.
func (a *Adapter) Compose(W *mat.Dense) *mat.Dense {
	delta := utils.ToDense(utils.Dot(a.B, a.A))
	eff := utils.ToDense(utils.Add(W, utils.Scale(a.Scale, delta)))
	if !a.DoRA {
		return eff
	}
	norms := rowNorms(eff)
	out, in := eff.Dims()
	for i := 0; i < out; i++ {
		f := a.Mag.At(i, 0) / (norms.At(i, 0) + 1e-12)
		for j := 0; j < in; j++ {
			eff.Set(i, j, eff.At(i, j)*f)
		}
	}
	return eff
}

// AccumGrads accumulates dA and dB from the effective-weight gradient and
// returns the gradient to apply to the base weight. Under DoRA the row
// normalization is treated as a constant factor, matching how the magnitude
// itself is held fixed after attach.
func (a *Adapter) AccumGrads(W, dEff *mat.Dense) *mat.Dense {
	if a.DoRA {
		eff := utils.ToDense(utils.Add(W, utils.Scale(a.Scale, utils.Dot(a.B, a.A))))
		norms := rowNorms(eff)
		out, in := dEff.Dims()
		adj := mat.NewDense(out, in, nil)
		for i := 0; i < out; i++ {
			f := a.Mag.At(i, 0) / (norms.At(i, 0) + 1e-12)
			for j := 0; j < in; j++ {
				adj.Set(i, j, dEff.At(i, j)*f)
			}
		}
		dEff = adj
	}
	// dA = scale * B^T * dEff ; dB = scale * dEff * A^T
	a.GradA.Add(a.GradA, utils.ToDense(utils.Scale(a.Scale, utils.Dot(a.B.T(), dEff))))
	a.GradB.Add(a.GradB, utils.ToDense(utils.Scale(a.Scale, utils.Dot(dEff, a.A.T()))))
	return dEff
}

// MergeInto folds the adapter into W so the exported weight is a single
// dense matrix. Equivalent to keeping the adapter active, within fp
// tolerance.
func (a *Adapter) MergeInto(W *mat.Dense) {
	W.Copy(a.Compose(W))
}

func rowNorms(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			s += v * v
		}
		out.Set(i, 0, math.Sqrt(s))
	}
	return out
}
