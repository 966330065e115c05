// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import "math"

// msacStrategy ranks candidates by the sum of squared residuals truncated
// at the threshold, so near-threshold inliers still discriminate between
// models instead of counting equally.
type msacStrategy struct{}

func (msacStrategy) estimate(ctx *estimatorContext) (*consensusResult, error) {
	total := ctx.maxIterations
	tsq := ctx.threshold * ctx.threshold
	var best *consensusResult
	bestScore := math.Inf(1)
	for iter := 0; iter < total; iter++ {
		cand, err := ctx.solve(ctx.randomSubset(ctx.n))
		if err == nil && cand != nil {
			var score float64
			in := NewBitSet(ctx.n)
			for i := 0; i < ctx.n; i++ {
				r := ctx.residual(cand, i)
				rsq := r * r
				if rsq < tsq {
					score += rsq
					in.Set(i, true)
				} else {
					score += tsq
				}
			}
			if score < bestScore {
				bestScore = score
				best = &consensusResult{params: cand, inliers: in, cutoff: ctx.threshold}
				if need := ctx.requiredIterations(in.Count()); need < total {
					total = need
					if total <= iter {
						total = iter + 1
					}
				}
			}
		}
		ctx.progress(iter+1, total)
	}
	if best == nil || best.inliers.Count() < ctx.subsetSize {
		return nil, ErrNoSolution
	}
	return best, nil
}
