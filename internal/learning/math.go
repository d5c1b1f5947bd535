package learning

import (
	"math"
	"math/rand"
)

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// randomMatrix returns a rows x cols matrix with small Xavier-scaled
// random entries, used to initialize a projection before any training
// has run.
func randomMatrix(rows, cols int) [][]float64 {
	scale := math.Sqrt(2.0 / float64(rows+cols))
	m := make([][]float64, rows)
	for i := range m {
		row := make([]float64, cols)
		for j := range row {
			row[j] = (rand.Float64()*2 - 1) * scale
		}
		m[i] = row
	}
	return m
}

func randomVector(n int) []float64 {
	scale := math.Sqrt(2.0 / float64(n))
	v := make([]float64, n)
	for i := range v {
		v[i] = (rand.Float64()*2 - 1) * scale
	}
	return v
}

// matVec computes x . m for x of length rows(m).
func matVec(m [][]float64, x []float64) []float64 {
	if len(m) == 0 {
		return nil
	}
	cols := len(m[0])
	out := make([]float64, cols)
	n := len(x)
	if n > len(m) {
		n = len(m)
	}
	for i := 0; i < n; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := m[i]
		for j := 0; j < cols; j++ {
			out[j] += xi * row[j]
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func leakyReLU(x float64) float64 {
	if x >= 0 {
		return x
	}
	return 0.01 * x
}

func elu(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		if x >= 0 {
			out[i] = x
		} else {
			out[i] = math.Exp(x) - 1
		}
	}
	return out
}

func softmax(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		e := math.Exp(x - max)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
