package optimizations

import (
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/utils"
)

// ParamGroup ties a set of parameter tensors to their gradient buffers,
// Adam moments and a learning-rate multiplier. Group membership is fixed at
// construction: a frozen group never receives gradient and its moments are
// never allocated. This is what separates a differential-rate adapter
// (distinct groups for the A and B matrices) from a uniform-rate one.
type ParamGroup struct {
	Name      string
	LRMult    float64
	Trainable bool

	Params []*mat.Dense
	Grads  []*mat.Dense

	// Adam state, lazily allocated on the first update
	M []*mat.Dense
	V []*mat.Dense
	T int
}

func NewParamGroup(name string, lrMult float64, trainable bool) *ParamGroup {
	return &ParamGroup{Name: name, LRMult: lrMult, Trainable: trainable}
}

// Add registers a parameter and its gradient buffer. grad may be nil for a
// frozen group.
func (g *ParamGroup) Add(p, grad *mat.Dense) {
	g.Params = append(g.Params, p)
	g.Grads = append(g.Grads, grad)
}

func (g *ParamGroup) ensureMoments() {
	if g.M != nil {
		return
	}
	g.M = make([]*mat.Dense, len(g.Params))
	g.V = make([]*mat.Dense, len(g.Params))
	for i, p := range g.Params {
		g.M[i] = zerosLike(p)
		g.V[i] = zerosLike(p)
	}
}

// Step runs one AdamW update over the whole group with the group's
// multiplier applied to lr. Gradients are clipped jointly per group.
func (g *ParamGroup) Step(lr, beta1, beta2, eps, weightDecay, gradClip float64) {
	if !g.Trainable || len(g.Params) == 0 {
		return
	}
	g.ensureMoments()
	if gradClip > 0 {
		utils.ClipGrads(gradClip, g.Grads...)
	}
	g.T++
	eff := lr * g.LRMult
	for i, p := range g.Params {
		if g.Grads[i] == nil {
			continue
		}
		AdamUpdateInPlace(p, g.Grads[i], g.M[i], g.V[i], g.T, eff, beta1, beta2, eps, weightDecay)
	}
}

// ZeroGrads clears the gradient buffers after an optimizer step (or a
// skipped one).
func (g *ParamGroup) ZeroGrads() {
	for _, grad := range g.Grads {
		if grad != nil {
			grad.Zero()
		}
	}
}

// GradNaN reports whether any accumulated gradient is non-finite.
func (g *ParamGroup) GradNaN() bool {
	return utils.HasNaNOrInf(g.Grads...)
}
