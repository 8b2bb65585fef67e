package testhelpers

import "math"

// UnitVector returns a normalized vector from the given components, so cosine
// similarities between test vectors are easy to reason about.
func UnitVector(components ...float32) []float32 {
	var sum float64
	for _, c := range components {
		sum += float64(c) * float64(c)
	}
	if sum == 0 {
		return components
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(components))
	for i, c := range components {
		out[i] = c / norm
	}
	return out
}
