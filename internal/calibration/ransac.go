// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

// ransacStrategy keeps the candidate model with the largest inlier count.
// The iteration budget shrinks adaptively as better models raise the
// observed inlier ratio.
type ransacStrategy struct{}

func (ransacStrategy) estimate(ctx *estimatorContext) (*consensusResult, error) {
	total := ctx.maxIterations
	var best *consensusResult
	bestCount := 0
	for iter := 0; iter < total; iter++ {
		cand, err := ctx.solve(ctx.randomSubset(ctx.n))
		if err == nil && cand != nil {
			in := ctx.inliersUnderThreshold(cand, ctx.threshold)
			if c := in.Count(); c > bestCount {
				bestCount = c
				best = &consensusResult{params: cand, inliers: in, cutoff: ctx.threshold}
				if need := ctx.requiredIterations(c); need < total {
					total = need
					if total <= iter {
						total = iter + 1
					}
				}
			}
		}
		ctx.progress(iter+1, total)
	}
	if best == nil || bestCount < ctx.subsetSize {
		return nil, ErrNoSolution
	}
	return best, nil
}
