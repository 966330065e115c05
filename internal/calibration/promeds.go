// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

// promedsStrategy pairs the LMedS median objective with progressive
// quality-ordered sampling, so it needs neither an inlier threshold nor
// uniformly trustworthy measurements.
type promedsStrategy struct{}

func (promedsStrategy) estimate(ctx *estimatorContext) (*consensusResult, error) {
	return medianSearch(ctx, func(iter, total int) int {
		return progressivePoolSize(iter, ctx.maxIterations, ctx.subsetSize, ctx.n)
	})
}
