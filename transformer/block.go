package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/optimizations"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
)

// Block is one pre-norm decoder block: x + attn(ln1(x)), then
// y + mlp(ln2(y)).
type Block struct {
	Index int
	Ln1   *optimizations.LayerNorm
	Attn  *Attention
	Ln2   *optimizations.LayerNorm
	Mlp   *MLP
}

// BlockState carries one microbatch's activations through a block. States
// are per microbatch because several can be in flight through the same
// stage; the block modules themselves hold no activation data. A
// checkpointed state keeps only Input and rebuilds the rest during backward.
type BlockState struct {
	Input        *mat.Dense
	Checkpointed bool

	ln1Cache *optimizations.LNCache
	attn     *AttnCache
	resid    *mat.Dense // input + attention output
	ln2Cache *optimizations.LNCache
	mlp      *MLPCache
}

func NewBlock(index, dModel, hidden, nHeads int) *Block {
	const eps = 1e-5
	return &Block{
		Index: index,
		Ln1:   optimizations.NewLayerNorm(dModel, eps),
		Attn:  NewAttention(index, dModel, nHeads),
		Ln2:   optimizations.NewLayerNorm(dModel, eps),
		Mlp:   NewMLP(index, dModel, hidden),
	}
}

// Linears returns the block's projections in a stable order.
func (b *Block) Linears() []*lora.Linear {
	return append(b.Attn.Linears(), b.Mlp.Linears()...)
}

// Forward runs the block for one microbatch. When checkpoint is set the
// returned state holds only the input; everything else is recomputed on
// demand by Backward.
func (b *Block) Forward(
	X *mat.Dense,
	tbl *rope.Table,
	shards []seqshard.Shard,
	group *comm.ProcessGroup,
	checkpoint bool,
) (*mat.Dense, *BlockState, error) {
	state := &BlockState{Input: X, Checkpointed: checkpoint}
	Y, err := b.run(X, tbl, shards, group, state)
	if err != nil {
		return nil, nil, err
	}
	if checkpoint {
		state.drop()
	}
	return Y, state, nil
}

// run executes the forward math, filling state's caches.
func (b *Block) run(
	X *mat.Dense,
	tbl *rope.Table,
	shards []seqshard.Shard,
	group *comm.ProcessGroup,
	state *BlockState,
) (*mat.Dense, error) {
	x1, ln1Cache := b.Ln1.Forward(X)
	attnOut, attnCache, err := b.Attn.ShardedForward(x1, tbl, shards, group)
	if err != nil {
		return nil, err
	}
	d, T := X.Dims()
	resid := mat.NewDense(d, T, nil)
	resid.Add(X, attnOut)

	x2, ln2Cache := b.Ln2.Forward(resid)
	mlpOut, mlpCache := b.Mlp.Forward(x2)
	Y := mat.NewDense(d, T, nil)
	Y.Add(resid, mlpOut)

	state.ln1Cache = ln1Cache
	state.attn = attnCache
	state.resid = resid
	state.ln2Cache = ln2Cache
	state.mlp = mlpCache
	return Y, nil
}

func (s *BlockState) drop() {
	s.ln1Cache = nil
	s.attn = nil
	s.resid = nil
	s.ln2Cache = nil
	s.mlp = nil
}

// Backward consumes the state: gradients flow into the block's parameters
// and dX comes back for the previous block. A checkpointed state re-runs the
// forward first, including its collective exchanges, which is safe because
// a stage processes one microbatch's backward at a time.
func (b *Block) Backward(
	dY *mat.Dense,
	state *BlockState,
	tbl *rope.Table,
	shards []seqshard.Shard,
	group *comm.ProcessGroup,
) (*mat.Dense, error) {
	if state.attn == nil {
		if _, err := b.run(state.Input, tbl, shards, group, state); err != nil {
			return nil, err
		}
	}

	// Y = resid + mlp(ln2(resid))
	dX2 := b.Mlp.Backward(dY, state.mlp)
	dResid := b.Ln2.Backward(dX2, state.ln2Cache)
	dResid.Add(dResid, dY)

	// resid = X + attn(ln1(X))
	dX1, err := b.Attn.ShardedBackward(dResid, state.attn, tbl, shards, group)
	if err != nil {
		return nil, err
	}
	dX := b.Ln1.Backward(dX1, state.ln1Cache)
	dX.Add(dX, dResid)

	if state.Checkpointed {
		state.drop()
	}
	return dX, nil
}
