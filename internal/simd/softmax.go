package simd

import "math"

// Softmax normalizes x in place. Terms are accumulated left to right, so
// appending entries whose exponent underflows to zero leaves the result of
// the leading entries bit-identical.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// ArgMax returns the index of the first largest element, or -1 for an empty slice.
func ArgMax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// TopPCutoff returns how many leading entries of the descending probabilities
// p are needed to reach mass topP. At least one entry is always kept.
func TopPCutoff(p []float64, topP float64) int {
	var cum float64
	for i, v := range p {
		cum += v
		if cum >= topP {
			return i + 1
		}
	}
	return len(p)
}
