package transformer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

// MLP is the position-wise feed-forward half of a block: up-project, GELU,
// down-project. The projections are bias-free, like the rest of the decoder.
type MLP struct {
	Up   *lora.Linear // (hidden x dModel)
	Down *lora.Linear // (dModel x hidden)
}

type MLPCache struct {
	X      *mat.Dense // input (dModel x T)
	PreAct *mat.Dense // up-projection before GELU (hidden x T)
	Hidden *mat.Dense // after GELU
}

func NewMLP(index, dModel, hidden int) *MLP {
	prefix := fmt.Sprintf("blocks.%d.mlp.", index)
	return &MLP{
		Up:   lora.NewLinear(prefix+"up_proj", hidden, dModel),
		Down: lora.NewLinear(prefix+"down_proj", dModel, hidden),
	}
}

func (m *MLP) Linears() []*lora.Linear {
	return []*lora.Linear{m.Up, m.Down}
}

func (m *MLP) Forward(X *mat.Dense) (*mat.Dense, *MLPCache) {
	pre := m.Up.Apply(X)
	hidden := utils.ToDense(utils.Apply(utils.GeluApply, pre))
	Y := m.Down.Apply(hidden)
	return Y, &MLPCache{X: X, PreAct: pre, Hidden: hidden}
}

func (m *MLP) Backward(dY *mat.Dense, cache *MLPCache) *mat.Dense {
	m.Down.AccumGrads(dY, cache.Hidden)
	dHidden := m.Down.InputGrad(dY)
	dPre := utils.ToDense(utils.Multiply(dHidden, utils.GeluPrime(cache.PreAct)))
	m.Up.AccumGrads(dPre, cache.X)
	return m.Up.InputGrad(dPre)
}
