package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

func RandomArray(size int, v float64) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rand.Float64()
	}
	return out
}

// NormalArray draws size values from N(0, std^2).
func NormalArray(size int, std float64) []float64 {
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = rand.NormFloat64() * std
	}
	return out
}

// ClipGrads scales all grads in place so the global norm stays under limit.
// Returns the scale applied (1.0 when no clipping happened).
func ClipGrads(limit float64, grads ...*mat.Dense) float64 {
	if limit <= 0 {
		return 1.0
	}
	total := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		raw := g.RawMatrix()
		for _, v := range raw.Data {
			total += v * v
		}
	}
	norm := math.Sqrt(total)
	if norm <= limit || norm == 0 {
		return 1.0
	}
	s := limit / norm
	for _, g := range grads {
		if g == nil {
			continue
		}
		g.Scale(s, g)
	}
	return s
}

// ------- LR schedule: linear warmup, then cosine decay --------
func LRSchedule(step int, peak float64, warmup, decay int) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if decay > 0 {
		x := float64(step-warmup) / float64(decay)
		if x > 1 {
			x = 1
		} else if x < 0 {
			x = 0
		}
		scale := 0.5 * (1 + math.Cos(math.Pi*x))
		return peak * scale
	}
	return peak
}
