package IO

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Example is one fine-tuning pair from the JSONL dataset.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Sequence is a tokenized, padded example ready for one microbatch. Loss is
// only taken where LabelMask is set: the completion tokens. Padding and
// prompt tokens never contribute.
type Sequence struct {
	IDs       []int
	LabelMask []bool
}

// LoadJSONL reads the whole dataset; one JSON object per line, blank lines
// skipped.
func LoadJSONL(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()

	var out []Example
	r := bufio.NewReaderSize(f, 1<<20)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		lineNo++
		if len(line) > 1 {
			var ex Example
			if jerr := json.Unmarshal(line, &ex); jerr != nil {
				return nil, errors.Wrapf(jerr, "dataset %s line %d", path, lineNo)
			}
			out = append(out, ex)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// BuildSequence tokenizes one example into a fixed-length training sequence:
// <bos> prompt completion <eos>, right-padded to seqLen. Sequences longer
// than seqLen are truncated from the left so the completion survives.
func BuildSequence(ex Example, seqLen int) (Sequence, error) {
	prompt, err := Encode(ex.Input)
	if err != nil {
		return Sequence{}, err
	}
	completion, err := Encode(ex.Output)
	if err != nil {
		return Sequence{}, err
	}

	ids := make([]int, 0, len(prompt)+len(completion)+2)
	mask := make([]bool, 0, cap(ids))
	ids = append(ids, BosID)
	mask = append(mask, false)
	for _, id := range prompt {
		ids = append(ids, id)
		mask = append(mask, false)
	}
	for _, id := range completion {
		ids = append(ids, id)
		mask = append(mask, true)
	}
	ids = append(ids, EosID)
	mask = append(mask, true)

	if len(ids) > seqLen {
		cut := len(ids) - seqLen
		ids = ids[cut:]
		mask = mask[cut:]
	}
	for len(ids) < seqLen {
		ids = append(ids, PadID)
		mask = append(mask, false)
	}
	return Sequence{IDs: ids, LabelMask: mask}, nil
}
