package IO

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/processors"
	"github.com/sugarme/tokenizer/trainers"

	"github.com/hhnqqq/gemma-long-rope/params"
)

// Special token ids, fixed by the trainer's special-token order.
const (
	PadID = 0
	BosID = 1
	EosID = 2
	UnkID = 3
)

var bpeTokenizer *tk.Tokenizer

// TrainOrLoadBPE loads tokPath if it exists, otherwise trains a BPE
// tokenizer on corpusPath and saves it there. Either way params.Vocab is
// filled from the loaded vocabulary.
func TrainOrLoadBPE(corpusPath, tokPath string, vocabSize int) error {
	if fileExists(tokPath) {
		t, err := tk.FromFile(tokPath)
		if err != nil {
			return errors.Wrapf(err, "load tokenizer %s", tokPath)
		}
		bpeTokenizer = t
		return fillVocab()
	}

	bpe := models.NewBPE()
	t := tk.NewTokenizer(bpe)
	t.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	t.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())
	t.WithPostProcessor(processors.NewTemplateProcessing(
		"$A",
		"$A",
		map[string]int{
			"<bos>": BosID,
			"<eos>": EosID,
		},
	))

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{"<pad>", "<bos>", "<eos>", "<unk>"}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return errors.Wrapf(err, "train tokenizer on %s", corpusPath)
	}
	if err := os.MkdirAll(filepath.Dir(tokPath), 0o755); err != nil {
		return err
	}
	if err := t.Save(tokPath); err != nil {
		return errors.Wrapf(err, "save tokenizer %s", tokPath)
	}
	bpeTokenizer = t
	return fillVocab()
}

func fillVocab() error {
	if bpeTokenizer == nil {
		return errors.New("tokenizer not initialized")
	}
	vocab := bpeTokenizer.GetVocab(true)
	id2tok := make([]string, len(vocab))
	tok2id := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tok2id[tok] = id
		id2tok[id] = tok
	}
	params.Vocab = params.Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
	return nil
}

// Encode returns token IDs for raw text, without BOS/EOS.
func Encode(text string) ([]int, error) {
	if bpeTokenizer == nil {
		return nil, errors.New("tokenizer not initialized")
	}
	enc, err := bpeTokenizer.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	ids := enc.Ids
	out := make([]int, len(ids))
	for i, v := range ids {
		out[i] = int(v)
	}
	return out, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
