package transformer

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/comm"
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

// Attention is multi-head self-attention over fused projections. Heads are
// row-slices of the projected matrices. Rotary positions come from the
// shared table; under sequence parallelism each rank projects its own token
// shard and the key/value blocks are exchanged before scores.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Q *lora.Linear // q_proj (dModel x dModel)
	K *lora.Linear // k_proj
	V *lora.Linear // v_proj
	O *lora.Linear // o_proj

	// serializes weight-gradient accumulation across rank workers
	gradMu sync.Mutex
}

// AttnCache is everything the backward pass needs for one microbatch.
type AttnCache struct {
	X     *mat.Dense // block input to the projections (dModel x T)
	Kfull *mat.Dense // gathered, rotated keys (dModel x T)
	Vfull *mat.Dense // gathered values

	Ranks []rankCache
}

type rankCache struct {
	Q *mat.Dense   // rotated local queries (dModel x Tq)
	A []*mat.Dense // per head softmax (Tq x T)
	O *mat.Dense   // concatenated head outputs (dModel x Tq)
}

func NewAttention(index, dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	prefix := fmt.Sprintf("blocks.%d.attn.", index)
	return &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dModel / nHeads,
		Q:      lora.NewLinear(prefix+"q_proj", dModel, dModel),
		K:      lora.NewLinear(prefix+"k_proj", dModel, dModel),
		V:      lora.NewLinear(prefix+"v_proj", dModel, dModel),
		O:      lora.NewLinear(prefix+"o_proj", dModel, dModel),
	}
}

func (attn *Attention) Linears() []*lora.Linear {
	return []*lora.Linear{attn.Q, attn.K, attn.V, attn.O}
}

func (attn *Attention) headRows(m *mat.Dense, h int) *mat.Dense {
	base := h * attn.DHead
	_, c := m.Dims()
	return m.Slice(base, base+attn.DHead, 0, c).(*mat.Dense)
}

// ShardedForward runs the sequence-parallel attention for one microbatch.
// Each rank projects its shard, rotates Q/K by global position, broadcasts
// its K/V block to all peers (the all-gather is the layer's single
// synchronization point) and computes scores for its local queries against
// the full key set.
func (attn *Attention) ShardedForward(
	X *mat.Dense,
	tbl *rope.Table,
	shards []seqshard.Shard,
	group *comm.ProcessGroup,
) (*mat.Dense, *AttnCache, error) {
	d, T := X.Dims()
	cache := &AttnCache{
		X:     X,
		Kfull: mat.NewDense(d, T, nil),
		Vfull: mat.NewDense(d, T, nil),
		Ranks: make([]rankCache, len(shards)),
	}
	Y := mat.NewDense(d, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	err := group.RunRanks(func(r int) error {
		sh := shards[r]
		Tq := sh.Len()
		Xr := X.Slice(0, d, sh.Start, sh.End).(*mat.Dense)

		Qr := attn.Q.Apply(Xr)
		Kr := attn.K.Apply(Xr)
		Vr := attn.V.Apply(Xr)
		for h := 0; h < attn.H; h++ {
			tbl.Apply(attn.headRows(Qr, h), sh.Start)
			tbl.Apply(attn.headRows(Kr, h), sh.Start)
		}

		if err := group.AllGatherCols(r, Kr, cache.Kfull, sh.Start); err != nil {
			return err
		}
		if err := group.AllGatherCols(r, Vr, cache.Vfull, sh.Start); err != nil {
			return err
		}

		mask := utils.CausalMaskOffset(Tq, T, sh.Start)
		Or := mat.NewDense(d, Tq, nil)
		As := make([]*mat.Dense, attn.H)
		for h := 0; h < attn.H; h++ {
			Qh := attn.headRows(Qr, h)
			Kh := attn.headRows(cache.Kfull, h)
			Vh := attn.headRows(cache.Vfull, h)

			scores := mat.NewDense(Tq, T, nil)
			scores.Mul(Qh.T(), Kh)
			scores.Scale(rescale, scores)
			A := mat.NewDense(Tq, T, nil)
			utils.RowSoftmaxMaskedInPlace(A, scores, mask)
			As[h] = A

			Oh := attn.headRows(Or, h)
			Oh.Mul(Vh, A.T())
		}
		cache.Ranks[r] = rankCache{Q: Qr, A: As, O: Or}

		Yr := attn.O.Apply(Or)
		Y.Slice(0, d, sh.Start, sh.End).(*mat.Dense).Copy(Yr)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return Y, cache, nil
}

// ShardedBackward mirrors the forward exchange: each rank computes its
// local query gradients plus contributions to every peer's key/value
// gradients, and the contributions are summed with an all-reduce before
// each rank keeps its own slice.
func (attn *Attention) ShardedBackward(
	dY *mat.Dense,
	cache *AttnCache,
	tbl *rope.Table,
	shards []seqshard.Shard,
	group *comm.ProcessGroup,
) (*mat.Dense, error) {
	d, T := cache.X.Dims()
	dX := mat.NewDense(d, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	err := group.RunRanks(func(r int) error {
		sh := shards[r]
		Tq := sh.Len()
		rc := cache.Ranks[r]
		Xr := cache.X.Slice(0, d, sh.Start, sh.End).(*mat.Dense)
		dYr := dY.Slice(0, d, sh.Start, sh.End).(*mat.Dense)

		attn.gradMu.Lock()
		attn.O.AccumGrads(dYr, rc.O)
		attn.gradMu.Unlock()
		dOr := attn.O.InputGrad(dYr)

		dQr := mat.NewDense(d, Tq, nil)
		dKloc := mat.NewDense(d, T, nil)
		dVloc := mat.NewDense(d, T, nil)
		for h := 0; h < attn.H; h++ {
			dOh := attn.headRows(dOr, h)
			A := rc.A[h]
			Kh := attn.headRows(cache.Kfull, h)
			Vh := attn.headRows(cache.Vfull, h)

			// O = V * A^T
			dVh := attn.headRows(dVloc, h)
			dVh.Mul(dOh, A) // (dHead x T)
			dA := utils.ToDense(utils.Dot(Vh.T(), dOh)).T() // (Tq x T)

			// A = softmax_row(S), S = Q^T K / sqrt(dHead)
			dS := utils.SoftmaxBackward(dA, A)
			dQh := attn.headRows(dQr, h)
			dQh.Mul(Kh, utils.ToDense(dS.T()))
			dQh.Scale(rescale, dQh)
			dKh := attn.headRows(dKloc, h)
			Qh := attn.headRows(rc.Q, h)
			var contrib mat.Dense
			contrib.Mul(Qh, dS)
			contrib.Scale(rescale, &contrib)
			dKh.Add(dKh, &contrib)
		}

		// query path: undo the rotation, then accumulate weight grads
		for h := 0; h < attn.H; h++ {
			tbl.ApplyInverse(attn.headRows(dQr, h), sh.Start)
		}
		attn.gradMu.Lock()
		attn.Q.AccumGrads(dQr, Xr)
		attn.gradMu.Unlock()
		dXr := attn.Q.InputGrad(dQr)

		// key/value gradients carry contributions for every shard; sum
		// them across ranks, then keep this rank's columns.
		if err := group.AllReduceSum(r, dKloc); err != nil {
			return err
		}
		if err := group.AllReduceSum(r, dVloc); err != nil {
			return err
		}
		dKr := utils.ToDense(dKloc.Slice(0, d, sh.Start, sh.End))
		for h := 0; h < attn.H; h++ {
			tbl.ApplyInverse(attn.headRows(dKr, h), sh.Start)
		}
		dVr := utils.ToDense(dVloc.Slice(0, d, sh.Start, sh.End))

		attn.gradMu.Lock()
		attn.K.AccumGrads(dKr, Xr)
		attn.V.AccumGrads(dVr, Xr)
		attn.gradMu.Unlock()

		dXr.Add(dXr, attn.K.InputGrad(dKr))
		dXr.Add(dXr, attn.V.InputGrad(dVr))
		dX.Slice(0, d, sh.Start, sh.End).(*mat.Dense).Copy(dXr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dX, nil
}
