package IO

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/transformer"
)

type tensorData struct {
	R, C int
	Data []float64
}

func tensorOf(m *mat.Dense) tensorData {
	if m == nil {
		return tensorData{}
	}
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return tensorData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
}

func (t tensorData) dense() *mat.Dense {
	if t.R == 0 {
		return nil
	}
	return mat.NewDense(t.R, t.C, t.Data)
}

// checkpointData is the gob layout: weights and adapter state keyed by
// layer name, norms in stack order, plus the run counters needed to resume.
type checkpointData struct {
	RunID    string
	Step     int
	AdamStep int

	Weights    map[string]tensorData
	AdapterA   map[string]tensorData
	AdapterB   map[string]tensorData
	AdapterMag map[string]tensorData

	NormGamma []tensorData
	NormBeta  []tensorData

	Emb   tensorData
	Vocab []string
}

// SaveCheckpoint snapshots the model, adapters and counters. Weights are
// written unmerged so resuming continues adapter training.
func SaveCheckpoint(path string, model *transformer.Transformer, runID string, step, adamStep int) error {
	data := checkpointData{
		RunID:      runID,
		Step:       step,
		AdamStep:   adamStep,
		Weights:    map[string]tensorData{},
		AdapterA:   map[string]tensorData{},
		AdapterB:   map[string]tensorData{},
		AdapterMag: map[string]tensorData{},
	}
	for _, l := range model.NamedLinears() {
		data.Weights[l.Name] = tensorOf(l.W)
		if l.Adapter != nil {
			data.AdapterA[l.Name] = tensorOf(l.Adapter.A)
			data.AdapterB[l.Name] = tensorOf(l.Adapter.B)
			if l.Adapter.Mag != nil {
				data.AdapterMag[l.Name] = tensorOf(l.Adapter.Mag)
			}
		}
	}
	for _, ln := range model.Norms() {
		data.NormGamma = append(data.NormGamma, tensorOf(ln.Gamma))
		data.NormBeta = append(data.NormBeta, tensorOf(ln.Beta))
	}
	data.Emb = tensorOf(params.Emb)
	data.Vocab = append([]string(nil), params.Vocab.IDToToken...)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadCheckpoint restores a snapshot written by SaveCheckpoint into model.
// Adapter matrices are only restored for layers that currently carry one.
func LoadCheckpoint(path string, model *transformer.Transformer) (runID string, step, adamStep int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "read checkpoint %s", path)
	}
	var data checkpointData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return "", 0, 0, errors.Wrap(err, "decode checkpoint")
	}

	for _, l := range model.NamedLinears() {
		if td, ok := data.Weights[l.Name]; ok && td.R > 0 {
			l.W.Copy(td.dense())
		}
		if l.Adapter == nil {
			continue
		}
		if td, ok := data.AdapterA[l.Name]; ok && td.R > 0 {
			l.Adapter.A.Copy(td.dense())
		}
		if td, ok := data.AdapterB[l.Name]; ok && td.R > 0 {
			l.Adapter.B.Copy(td.dense())
		}
		if td, ok := data.AdapterMag[l.Name]; ok && td.R > 0 {
			l.Adapter.Mag = td.dense()
		}
	}
	norms := model.Norms()
	for i, ln := range norms {
		if i < len(data.NormGamma) && data.NormGamma[i].R > 0 {
			ln.Gamma.Copy(data.NormGamma[i].dense())
			ln.Beta.Copy(data.NormBeta[i].dense())
		}
	}
	if e := data.Emb.dense(); e != nil {
		params.Emb = e
	}
	if len(data.Vocab) > 0 {
		tok2id := map[string]int{}
		for i, tok := range data.Vocab {
			tok2id[tok] = i
		}
		params.Vocab = params.Vocabulary{TokenToID: tok2id, IDToToken: data.Vocab}
	}
	return data.RunID, data.Step, data.AdamStep, nil
}

// ExportMerged writes a weights-only snapshot, intended to be called after
// the adapters have been folded into the base weights.
func ExportMerged(path string, model *transformer.Transformer) error {
	data := checkpointData{Weights: map[string]tensorData{}}
	for _, l := range model.NamedLinears() {
		data.Weights[l.Name] = tensorOf(l.W)
	}
	for _, ln := range model.Norms() {
		data.NormGamma = append(data.NormGamma, tensorOf(ln.Gamma))
		data.NormBeta = append(data.NormBeta, tensorOf(ln.Beta))
	}
	data.Emb = tensorOf(params.Emb)
	data.Vocab = append([]string(nil), params.Vocab.IDToToken...)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.Wrap(err, "encode export")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
