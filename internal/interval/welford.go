package interval

import "math"

// accumulator tracks per-axis mean and variance of a triad stream using
// Welford's streaming update, which stays numerically stable over long
// static runs where naive sum-of-squares accumulation would cancel.
type accumulator struct {
	n    uint64
	mean [3]float64
	m2   [3]float64
}

func (a *accumulator) update(x, y, z float64) {
	a.n++
	for i, v := range [3]float64{x, y, z} {
		d := v - a.mean[i]
		a.mean[i] += d / float64(a.n)
		a.m2[i] += d * (v - a.mean[i])
	}
}

func (a *accumulator) count() uint64 {
	return a.n
}

func (a *accumulator) avg() [3]float64 {
	return a.mean
}

// std returns the per-axis sample standard deviation, zero until two
// observations have been accumulated.
func (a *accumulator) std() [3]float64 {
	var s [3]float64
	if a.n < 2 {
		return s
	}
	for i := range s {
		s[i] = math.Sqrt(a.m2[i] / float64(a.n-1))
	}
	return s
}

func (a *accumulator) reset() {
	*a = accumulator{}
}
