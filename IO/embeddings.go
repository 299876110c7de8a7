package IO

import (
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/utils"
)

// InitEmbeddings allocates the (dModel x |V|) embedding table with the same
// small random init as the projections. It stays frozen during adapter
// fine-tuning.
func InitEmbeddings(dModel int) {
	v := len(params.Vocab.IDToToken)
	params.Emb = mat.NewDense(dModel, v, utils.RandomArray(dModel*v, float64(dModel)))
}

// Embed gathers embedding columns into a (dModel x T) activation matrix.
func Embed(ids []int) *mat.Dense {
	d, v := params.Emb.Dims()
	out := mat.NewDense(d, len(ids), nil)
	for t, id := range ids {
		if id < 0 || id >= v {
			id = UnkID
		}
		for i := 0; i < d; i++ {
			out.Set(i, t, params.Emb.At(i, id))
		}
	}
	return out
}

// NextTokenLoss scores H against the shifted token ids with the tied
// (transposed) embedding as the unembedding. Position t predicts ids[t+1]
// and contributes only when the label mask allows it. Returns the mean loss
// over scored positions and dH; the embedding itself receives no gradient.
func NextTokenLoss(H *mat.Dense, seq Sequence) (float64, *mat.Dense) {
	d, T := H.Dims()
	dH := mat.NewDense(d, T, nil)
	total := 0.0
	count := 0
	for t := 0; t < T-1; t++ {
		if !seq.LabelMask[t+1] {
			continue
		}
		h := utils.ToDense(H.Slice(0, d, t, t+1))
		logits := utils.ToDense(utils.Dot(params.Emb.T(), h))
		loss, dLogits := utils.CrossEntropyWithIndex(logits, seq.IDs[t+1])
		total += loss
		count++
		grad := utils.ToDense(utils.Dot(params.Emb, dLogits))
		dH.Slice(0, d, t, t+1).(*mat.Dense).Add(dH.Slice(0, d, t, t+1).(*mat.Dense), grad)
	}
	if count == 0 {
		return 0, dH
	}
	inv := 1.0 / float64(count)
	dH.Scale(inv, dH)
	return total * inv, dH
}
