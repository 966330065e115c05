// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"math"
	"sort"
)

// inlierSigmaFactor converts the robust scale into the inlier cutoff.
const inlierSigmaFactor = 2.5

// lmedsStrategy minimizes the median squared residual. Unlike the
// threshold-based schemes it needs no tuning: the inlier cutoff follows from
// a robust standard deviation derived from the winning median.
type lmedsStrategy struct{}

func (lmedsStrategy) estimate(ctx *estimatorContext) (*consensusResult, error) {
	return medianSearch(ctx, func(iter, total int) int { return ctx.n })
}

// medianSearch is the shared core of LMedS and PROMedS. poolAt selects how
// many of the best-quality measurements are eligible for sampling at a given
// iteration.
func medianSearch(ctx *estimatorContext, poolAt func(iter, total int) int) (*consensusResult, error) {
	total := ctx.maxIterations
	bestMed := math.Inf(1)
	var bestParams *ParameterSet
	resid := make([]float64, ctx.n)
	for iter := 0; iter < total; iter++ {
		cand, err := ctx.solve(ctx.randomSubset(poolAt(iter, total)))
		if err == nil && cand != nil {
			for i := 0; i < ctx.n; i++ {
				r := ctx.residual(cand, i)
				resid[i] = r * r
			}
			if med := median(resid); med < bestMed {
				bestMed = med
				bestParams = cand
			}
		}
		ctx.progress(iter+1, total)
	}
	if bestParams == nil || math.IsInf(bestMed, 1) {
		return nil, ErrNoSolution
	}

	// Robust scale with the small-sample correction term.
	correction := 1.0
	if ctx.n > ctx.subsetSize {
		correction = 1 + 5/float64(ctx.n-ctx.subsetSize)
	}
	sigma := 1.4826 * correction * math.Sqrt(bestMed)
	cutoff := inlierSigmaFactor * sigma
	if cutoff == 0 {
		// Perfect fit over the majority. Keep exact matches.
		cutoff = 1e-12
	}
	in := ctx.inliersUnderThreshold(bestParams, cutoff)
	if in.Count() < ctx.subsetSize {
		return nil, ErrNoSolution
	}
	return &consensusResult{params: bestParams, inliers: in, cutoff: cutoff}, nil
}

// median returns the median of vs, mutating the slice order.
func median(vs []float64) float64 {
	sort.Float64s(vs)
	n := len(vs)
	if n == 0 {
		return math.Inf(1)
	}
	if n%2 == 1 {
		return vs[n/2]
	}
	return (vs[n/2-1] + vs[n/2]) / 2
}
