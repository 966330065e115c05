// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

// prosacStrategy is RANSAC with progressive sampling: early iterations draw
// only from the highest-quality measurements and the pool widens toward the
// full set as the schedule advances. Good quality scores find the model in
// far fewer draws; bad ones degrade to plain RANSAC.
type prosacStrategy struct{}

func (prosacStrategy) estimate(ctx *estimatorContext) (*consensusResult, error) {
	schedule := ctx.maxIterations
	total := ctx.maxIterations
	var best *consensusResult
	bestCount := 0
	for iter := 0; iter < total; iter++ {
		pool := progressivePoolSize(iter, schedule, ctx.subsetSize, ctx.n)
		cand, err := ctx.solve(ctx.randomSubset(pool))
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
