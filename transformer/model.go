// Package transformer implements the decoder block stack: rotary multi-head
// attention with sequence-parallel key/value exchange, pre-norm residuals,
// GELU feed-forward, and activation recompute.
package transformer

import (
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/optimizations"
	"github.com/hhnqqq/gemma-long-rope/params"
)

// Transformer is the block stack plus the final norm. The embedding and
// unembedding live in the IO package; pipeline stages take contiguous
// sub-slices of Blocks.
type Transformer struct {
	DModel int
	Hidden int
	Heads  int

	Blocks []*Block
	LnF    *optimizations.LayerNorm
}

func New(dModel, hidden, nHeads, numBlocks int) (*Transformer, error) {
	if dModel <= 0 || hidden <= 0 || numBlocks <= 0 {
		return nil, params.Errorf("d_model", "model dims must be positive (d_model=%d hidden=%d blocks=%d)", dModel, hidden, numBlocks)
	}
	if nHeads <= 0 || dModel%nHeads != 0 {
		return nil, params.Errorf("num_heads", "%d must be positive and divide d_model %d", nHeads, dModel)
	}
	t := &Transformer{DModel: dModel, Hidden: hidden, Heads: nHeads}
	for i := 0; i < numBlocks; i++ {
		t.Blocks = append(t.Blocks, NewBlock(i, dModel, hidden, nHeads))
	}
	t.LnF = optimizations.NewLayerNorm(dModel, 1e-5)
	return t, nil
}

// FromConfig builds the stack described by the training config.
func FromConfig(cfg *params.TrainingConfig, numBlocks int) (*Transformer, error) {
	return New(cfg.DModel, cfg.HiddenSize, cfg.NumHeads, numBlocks)
}

// NamedLinears returns every projection in the model, in block order. This
// is the surface the adapter manager binds against.
func (t *Transformer) NamedLinears() []*lora.Linear {
	var out []*lora.Linear
	for _, b := range t.Blocks {
		out = append(out, b.Linears()...)
	}
	return out
}

// Norms returns every layer norm, final norm last.
func (t *Transformer) Norms() []*optimizations.LayerNorm {
	var out []*optimizations.LayerNorm
	for _, b := range t.Blocks {
		out = append(out, b.Ln1, b.Ln2)
	}
	return append(out, t.LnF)
}

// NormGroup collects gamma/beta into one optimizer group. Norm parameters
// are cheap, so they train whenever anything trains.
func (t *Transformer) NormGroup(trainable bool) *optimizations.ParamGroup {
	g := optimizations.NewParamGroup("norms", 1.0, trainable)
	for _, ln := range t.Norms() {
		ln.Trainable = trainable
		if trainable {
			g.Add(ln.Gamma, ln.GradGamma)
			g.Add(ln.Beta, ln.GradBeta)
		} else {
			g.Add(ln.Gamma, nil)
			g.Add(ln.Beta, nil)
		}
	}
	return g
}
