// Package lora implements named linear layers with optional low-rank
// adapters: plain LoRA, LoRA+ (distinct learning rates for the A and B
// matrices) and DoRA (magnitude/direction decomposition), plus the binding
// manager that decides which layers train at all.
package lora

import (
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/utils"
)

// Linear is a named weight (out x in). The base model's projections are
// all Linears; adapters attach here.
type Linear struct {
	Name string
	W    *mat.Dense // (out x in)

	// GradW is only written when Trainable; a frozen base weight's
	// gradient stays exactly zero.
	GradW     *mat.Dense
	Trainable bool

	Adapter *Adapter
}

func NewLinear(name string, out, in int) *Linear {
	return &Linear{
		Name:  name,
		W:     mat.NewDense(out, in, utils.RandomArray(out*in, float64(in))),
		GradW: mat.NewDense(out, in, nil),
	}
}

func (l *Linear) Dims() (out, in int) { return l.W.Dims() }

// Effective returns the weight actually applied to inputs: W when no
// adapter is attached, otherwise the adapter's composition with W.
func (l *Linear) Effective() *mat.Dense {
	if l.Adapter == nil {
		return l.W
	}
	return l.Adapter.Compose(l.W)
}

// Apply computes Y = W_eff * X without touching any cache, so concurrent
// sequence-parallel ranks can share one Linear read-only.
func (l *Linear) Apply(X *mat.Dense) *mat.Dense {
	return utils.ToDense(utils.Dot(l.Effective(), X))
}

// InputGrad computes dX = W_eff^T * dY.
func (l *Linear) InputGrad(dY *mat.Dense) *mat.Dense {
	return utils.ToDense(utils.Dot(l.Effective().T(), dY))
}

// AccumGrads routes the effective-weight gradient dY*X^T into whichever
// parameters train: the adapter matrices, the base weight, or both.
// Callers must serialize calls per layer (the pipeline stage that owns a
// block is its only writer).
func (l *Linear) AccumGrads(dY, X *mat.Dense) {
	if !l.Trainable && l.Adapter == nil {
		return
	}
	dEff := utils.ToDense(utils.Dot(dY, X.T()))
	if l.Adapter != nil {
		dEff = l.Adapter.AccumGrads(l.W, dEff)
	}
	if l.Trainable {
		l.GradW.Add(l.GradW, dEff)
	}
}
