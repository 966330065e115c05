// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Method selects the consensus strategy the robust engine runs.
type Method int

const (
	// MethodRANSAC keeps the candidate with the most residuals under the
	// inlier threshold.
	MethodRANSAC Method = iota
	// MethodMSAC scores candidates by truncated squared residuals instead
	// of a plain inlier count.
	MethodMSAC
	// MethodLMedS minimizes the median squared residual and derives the
	// inlier threshold from a robust scale estimate, needing no
	// user-supplied threshold.
	MethodLMedS
	// MethodPROSAC is RANSAC drawing subsets from a progressively growing
	// pool ordered by measurement quality.
	MethodPROSAC
	// MethodPROMedS is LMedS over the same quality-ordered progressive
	// pool.
	MethodPROMedS
)

// String returns the canonical method name.
func (m Method) String() string {
	switch m {
	case MethodRANSAC:
		return "RANSAC"
	case MethodMSAC:
		return "MSAC"
	case MethodLMedS:
		return "LMedS"
	case MethodPROSAC:
		return "PROSAC"
	case MethodPROMedS:
		return "PROMedS"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod maps a configuration string to a method, case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RANSAC":
		return MethodRANSAC, nil
	case "MSAC":
		return MethodMSAC, nil
	case "LMEDS":
		return MethodLMedS, nil
	case "PROSAC":
		return MethodPROSAC, nil
	case "PROMEDS":
		return MethodPROMedS, nil
	default:
		return 0, fmt.Errorf("calibration: unknown method %q", s)
	}
}

// ErrNoSolution is returned when no sampled subset yields a usable
// preliminary model.
var ErrNoSolution = errors.New("calibration: no consensus solution found")

// usesQualityScores reports whether the method needs per-measurement
// quality scores.
func (m Method) usesQualityScores() bool {
	return m == MethodPROSAC || m == MethodPROMedS
}

// usesThreshold reports whether the method needs an explicit inlier
// residual threshold.
func (m Method) usesThreshold() bool {
	return m == MethodRANSAC || m == MethodMSAC || m == MethodPROSAC
}

// estimatorContext bundles everything a consensus strategy needs: the
// problem size, sampling configuration and the two closures the engine
// provides for subset solving and residual evaluation. Subset solve
// failures are expected and simply skip the candidate.
type estimatorContext struct {
	n             int
	subsetSize    int
	confidence    float64
	maxIterations int
	threshold     float64
	qualityOrder  []int
	rng           *rand.Rand
	solve         func(indices []int) (*ParameterSet, error)
	residual      func(p *ParameterSet, i int) float64
	progress      func(done, total int)
}

// consensusResult is a strategy's preliminary model, its inlier mask and
// the residual cutoff that produced the mask.
type consensusResult struct {
	params  *ParameterSet
	inliers *BitSet
	cutoff  float64
}

// strategy runs one consensus scheme over the shared context.
type strategy interface {
	estimate(ctx *estimatorContext) (*consensusResult, error)
}

func strategyFor(m Method) (strategy, error) {
	switch m {
	case MethodRANSAC:
		return ransacStrategy{}, nil
	case MethodMSAC:
		return msacStrategy{}, nil
	case MethodLMedS:
		return lmedsStrategy{}, nil
	case MethodPROSAC:
		return prosacStrategy{}, nil
	case MethodPROMedS:
		return promedsStrategy{}, nil
	default:
		return nil, fmt.Errorf("calibration: unknown method %v", m)
	}
}

// randomSubset draws subsetSize distinct indices from the first pool
// entries of the candidate index list. A nil list means indices 0..n-1.
func (ctx *estimatorContext) randomSubset(pool int) []int {
	if pool > ctx.n {
		pool = ctx.n
	}
	perm := ctx.rng.Perm(pool)[:ctx.subsetSize]
	if ctx.qualityOrder == nil {
		return perm
	}
	out := make([]int, ctx.subsetSize)
	for i, p := range perm {
		out[i] = ctx.qualityOrder[p]
	}
	return out
}

// requiredIterations returns the adaptive RANSAC iteration bound for the
// observed inlier ratio, capped at the configured maximum.
func (ctx *estimatorContext) requiredIterations(inliers int) int {
	w := float64(inliers) / float64(ctx.n)
	if w <= 0 {
		return ctx.maxIterations
	}
	ws := math.Pow(w, float64(ctx.subsetSize))
	if ws >= 1 {
		return 1
	}
	need := math.Log(1-ctx.confidence) / math.Log(1-ws)
	if math.IsNaN(need) || need > float64(ctx.maxIterations) {
		return ctx.maxIterations
	}
	n := int(math.Ceil(need))
	if n < 1 {
		n = 1
	}
	return n
}

// inliersUnderThreshold marks every measurement whose residual against p is
// strictly below the threshold.
func (ctx *estimatorContext) inliersUnderThreshold(p *ParameterSet, threshold float64) *BitSet {
	bs := NewBitSet(ctx.n)
	for i := 0; i < ctx.n; i++ {
		if ctx.residual(p, i) < threshold {
			bs.Set(i, true)
		}
	}
	return bs
}

// qualityOrder returns measurement indices sorted by descending score.
func qualityOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// progressivePoolSize maps an iteration to the sampling pool size,
// starting at the subset size and reaching the full set by the last
// scheduled iteration.
func progressivePoolSize(iter, total, subsetSize, n int) int {
	if n <= subsetSize || total <= 1 {
		return n
	}
	span := n - subsetSize
	pool := subsetSize + (iter*span)/(total-1)
	if pool > n {
		pool = n
	}
	return pool
}
