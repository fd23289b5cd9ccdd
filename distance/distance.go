// Package distance provides vector distance and similarity calculations.
//
// Edge segments hold at most a few hundred thousand small vectors, so the
// scalar kernels below are sufficient; no SIMD dispatch is wired in.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine calculates the cosine similarity of two vectors.
// Returns 0 if either vector has zero norm.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
// The zero value is MetricCosine.
type Metric int

const (
	MetricCosine Metric = iota
	MetricL2
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func is a function type for similarity calculation. Higher is closer.
type Func func(a, b []float32) float32

// Provider returns the similarity function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return Cosine, nil
	case MetricDot:
		return Dot, nil
	case MetricL2:
		return func(a, b []float32) float32 { return -SquaredL2(a, b) }, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
