// Package rope builds rotary position tables, optionally rescaled with
// linear position interpolation so a model pretrained at one context length
// can be fine-tuned at a longer one.
package rope

import (
	"math"
	"sync"

	"github.com/hhnqqq/gemma-long-rope/params"
	"gonum.org/v1/gonum/mat"
)

const freqBase = 10000.0

// Mode selects how positions are rescaled when the target length exceeds
// the base pretraining length.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeLinear Mode = "linear"
)

// Table maps logical positions to rotary angles, precomputed as cos/sin per
// position per rotary pair. Tables are immutable once built and shared
// read-only by every attention block and rank during a step.
type Table struct {
	BaseLen   int
	TargetLen int
	DHead     int
	Mode      Mode

	cos [][]float64 // [pos][pair]
	sin [][]float64
}

// Build produces a table of TargetLen positions for heads of width dHead.
// Under linear interpolation position p takes the base angle evaluated at
// p/(targetLen/baseLen); fractional positions interpolate linearly between
// the two neighbouring integer base angles so shard boundaries stay smooth.
// Pure: same arguments always yield the same table.
func Build(baseLen, targetLen, dHead int, mode Mode) (*Table, error) {
	if baseLen <= 0 {
		return nil, params.Errorf("base_pretrain_length", "must be positive, got %d", baseLen)
	}
	if targetLen < baseLen {
		return nil, params.Errorf("max_seq_length", "target length %d below base length %d", targetLen, baseLen)
	}
	if dHead <= 0 || dHead%2 != 0 {
		return nil, params.Errorf("num_heads", "head dim must be positive and even, got %d", dHead)
	}
	factor := 1.0
	if mode == ModeLinear && targetLen > baseLen {
		factor = float64(targetLen) / float64(baseLen)
	}
	if factor <= 0 {
		return nil, params.Errorf("rope_mode", "scaling factor must be positive, got %g", factor)
	}

	pairs := dHead / 2
	t := &Table{
		BaseLen:   baseLen,
		TargetLen: targetLen,
		DHead:     dHead,
		Mode:      mode,
		cos:       make([][]float64, targetLen),
		sin:       make([][]float64, targetLen),
	}
	for p := 0; p < targetLen; p++ {
		t.cos[p] = make([]float64, pairs)
		t.sin[p] = make([]float64, pairs)
		q := float64(p) / factor
		lo := math.Floor(q)
		frac := q - lo
		for i := 0; i < pairs; i++ {
			a := baseAngle(lo, i, dHead)
			if frac > 0 {
				hi := baseAngle(lo+1, i, dHead)
				a = a + frac*(hi-a)
			}
			t.cos[p][i] = math.Cos(a)
			t.sin[p][i] = math.Sin(a)
		}
	}
	return t, nil
}

func baseAngle(pos float64, pair, dHead int) float64 {
	return pos * math.Pow(freqBase, -2.0*float64(pair)/float64(dHead))
}

// Angle returns the rotary angle at a position/pair, for tests and
// diagnostics.
func (t *Table) Angle(pos, pair int) float64 {
	return math.Atan2(t.sin[pos][pair], t.cos[pos][pair])
}

// Apply rotates a (dHead x T) query or key block in place. Column t sits at
// global position offset+t; sequence-parallel shards pass their shard start
// so rotation is consistent with the unsharded sequence.
func (t *Table) Apply(block *mat.Dense, offset int) {
	t.rotate(block, offset, 1)
}

// ApplyInverse undoes Apply; used on gradients flowing back through the
// rotation.
func (t *Table) ApplyInverse(block *mat.Dense, offset int) {
	t.rotate(block, offset, -1)
}

func (t *Table) rotate(block *mat.Dense, offset int, sign float64) {
	d, T := block.Dims()
	if d != t.DHead {
		panic("rope: block height does not match head dim")
	}
	for col := 0; col < T; col++ {
		pos := offset + col
		if pos >= t.TargetLen {
			panic("rope: position beyond table length")
		}
		for i := 0; i < d/2; i++ {
			c := t.cos[pos][i]
			s := sign * t.sin[pos][i]
			x := block.At(2*i, col)
			y := block.At(2*i+1, col)
			block.Set(2*i, col, x*c-y*s)
			block.Set(2*i+1, col, x*s+y*c)
		}
	}
}

// ---- shared cache ----

type cacheKey struct {
	base, target, dHead int
	mode                Mode
}

var (
	cacheMu sync.Mutex
	cache   = map[cacheKey]*Table{}
)

// Cached returns a shared table, building it on first use. Safe because
// tables are immutable; all ranks can hold the same one without
// synchronization.
func Cached(baseLen, targetLen, dHead int, mode Mode) (*Table, error) {
	key := cacheKey{baseLen, targetLen, dHead, mode}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if t, ok := cache[key]; ok {
		return t, nil
	}
	t, err := Build(baseLen, targetLen, dHead, mode)
	if err != nil {
		return nil, err
	}
	cache[key] = t
	return t, nil
}
