package util

import (
	"math"
)

// Fairness rates how evenly work was spread over workers
type Fairness struct {
	Min  float64
	Max  float64
	Mean float64

	// Quality is 1 for a perfectly even distribution and approaches 0 when a
	// single worker did all the work
	Quality float64
}

// NewFairness computes the fairness of per-worker counts.
// The quality averages two scores: one minus the coefficient of variation
// (capped at 1) and the min/max ratio.
func NewFairness(counts []uint64) Fairness {
	if len(counts) == 0 {
		return Fairness{}
	}

	f := Fairness{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, c := range counts {
		v := float64(c)
		sum += v
		f.Min = math.Min(f.Min, v)
		f.Max = math.Max(f.Max, v)
	}
	f.Mean = sum / float64(len(counts))

	var squares float64
	for _, c := range counts {
		diff := float64(c) - f.Mean
		squares += diff * diff
	}

	var cv float64
	if f.Mean > 0 {
		cv = math.Sqrt(squares/float64(len(counts))) / f.Mean
	}

	ratio := 1.0
	if f.Max > 0 {
		ratio = f.Min / f.Max
	}

	f.Quality = (1-math.Min(1, cv))*0.5 + ratio*0.5
	return f
}
