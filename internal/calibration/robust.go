// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/fieldmodel"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// ErrLocked is returned by every mutator while a calibration run is in
// progress, including calls made from listener callbacks.
var ErrLocked = errors.New("calibration: calibrator is running")

// ErrNotReady is returned by Calibrate when the configuration or the
// measurement set cannot support a run.
var ErrNotReady = errors.New("calibration: not ready")

// Defaults for the robust engine.
const (
	DefaultConfidence      = 0.99
	DefaultMaxIterations   = 5000
	DefaultProgressDelta   = 0.05
	DefaultInlierThreshold = 0.05
)

// RobustCalibratorListener receives run lifecycle events. Callbacks run
// synchronously on the calibrating goroutine, so mutating the calibrator
// from inside one fails with ErrLocked.
type RobustCalibratorListener interface {
	OnCalibrateStart(c *RobustCalibrator)
	OnCalibrateEnd(c *RobustCalibrator)
	// OnCalibrateProgress reports run completion in [0, 1]. Notifications
	// are rate limited by the configured progress delta.
	OnCalibrateProgress(c *RobustCalibrator, progress float64)
}

// RobustCalibrator estimates a sensor error model from measurements that
// may contain outliers. It repeatedly fits candidate models on random
// measurement subsets, scores them with the selected consensus method and
// refines the winning model on its full inlier set.
type RobustCalibrator struct {
	method          Method
	commonAxis      bool
	confidence      float64
	maxIterations   int
	progressDelta   float64
	subsetSize      int
	inlierThreshold float64
	refineResult    bool
	keepCovariance  bool
	useLinear       bool
	refineSubsets   bool
	knownBias       *triad.Triad
	initialCoupling *mat.Dense
	model           fieldmodel.Model
	listener        RobustCalibratorListener
	seed            int64

	measurements []Measurement
	scores       []float64

	running      bool
	lastProgress float64

	result     *ParameterSet
	covariance *mat.Dense
	mse        float64
	chiSq      float64
	inliers    *BitSet
}

// NewRobustCalibrator returns an engine with LMedS consensus, result
// refinement and covariance reporting enabled.
func NewRobustCalibrator() *RobustCalibrator {
	return &RobustCalibrator{
		method:          MethodLMedS,
		confidence:      DefaultConfidence,
		maxIterations:   DefaultMaxIterations,
		progressDelta:   DefaultProgressDelta,
		inlierThreshold: DefaultInlierThreshold,
		refineResult:    true,
		keepCovariance:  true,
		useLinear:       true,
	}
}

// Running reports whether a calibration run is in progress.
func (c *RobustCalibrator) Running() bool { return c.running }

// SetMethod selects the consensus strategy.
func (c *RobustCalibrator) SetMethod(m Method) error {
	if c.running {
		return ErrLocked
	}
	if _, err := strategyFor(m); err != nil {
		return err
	}
	c.method = m
	return nil
}

// Method returns the selected consensus strategy.
func (c *RobustCalibrator) Method() Method { return c.method }

// SetCommonAxisUsed pins the lower off-diagonal coupling terms to zero.
func (c *RobustCalibrator) SetCommonAxisUsed(used bool) error {
	if c.running {
		return ErrLocked
	}
	c.commonAxis = used
	return nil
}

// CommonAxisUsed reports the coupling matrix convention.
func (c *RobustCalibrator) CommonAxisUsed() bool { return c.commonAxis }

// SetConfidence sets the probability that at least one sampled subset is
// outlier free, driving the adaptive iteration bound. Must lie in (0, 1).
func (c *RobustCalibrator) SetConfidence(conf float64) error {
	if c.running {
		return ErrLocked
	}
	if conf <= 0 || conf >= 1 || math.IsNaN(conf) {
		return fmt.Errorf("calibration: confidence must lie in (0, 1), got %v", conf)
	}
	c.confidence = conf
	return nil
}

// Confidence returns the configured confidence.
func (c *RobustCalibrator) Confidence() float64 { return c.confidence }

// SetMaxIterations caps the consensus sampling loop.
func (c *RobustCalibrator) SetMaxIterations(n int) error {
	if c.running {
		return ErrLocked
	}
	if n < 1 {
		return fmt.Errorf("calibration: max iterations must be positive, got %d", n)
	}
	c.maxIterations = n
	return nil
}

// MaxIterations returns the sampling loop cap.
func (c *RobustCalibrator) MaxIterations() int { return c.maxIterations }

// SetProgressDelta sets the minimum progress increase between listener
// notifications. Must lie in (0, 1].
func (c *RobustCalibrator) SetProgressDelta(d float64) error {
	if c.running {
		return ErrLocked
	}
	if d <= 0 || d > 1 || math.IsNaN(d) {
		return fmt.Errorf("calibration: progress delta must lie in (0, 1], got %v", d)
	}
	c.progressDelta = d
	return nil
}

// SetPreliminarySubsetSize sets how many measurements each candidate fit
// draws. Zero means the model minimum.
func (c *RobustCalibrator) SetPreliminarySubsetSize(n int) error {
	if c.running {
		return ErrLocked
	}
	if n != 0 && n < c.MinimumRequiredMeasurements() {
		return fmt.Errorf("calibration: subset size %d below model minimum %d", n, c.MinimumRequiredMeasurements())
	}
	c.subsetSize = n
	return nil
}

// SetInlierThreshold sets the residual bound under which a measurement
// counts as an inlier for the threshold-based methods. It shares the unit
// of the readings.
func (c *RobustCalibrator) SetInlierThreshold(t float64) error {
	if c.running {
		return ErrLocked
	}
	if t <= 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		return fmt.Errorf("calibration: inlier threshold must be positive and finite, got %v", t)
	}
	c.inlierThreshold = t
	return nil
}

// InlierThreshold returns the residual bound.
func (c *RobustCalibrator) InlierThreshold() float64 { return c.inlierThreshold }

// SetResultRefined controls whether the winning preliminary model is
// re-fit on its full inlier set.
func (c *RobustCalibrator) SetResultRefined(refined bool) error {
	if c.running {
		return ErrLocked
	}
	c.refineResult = refined
	return nil
}

// SetCovarianceKept controls whether the refinement covariance is retained.
func (c *RobustCalibrator) SetCovarianceKept(kept bool) error {
	if c.running {
		return ErrLocked
	}
	c.keepCovariance = kept
	return nil
}

// SetLinearCalibratorUsed controls whether candidate subsets are solved in
// closed form. When disabled, every subset is refined iteratively from the
// initial coupling seed instead.
func (c *RobustCalibrator) SetLinearCalibratorUsed(used bool) error {
	if c.running {
		return ErrLocked
	}
	c.useLinear = used
	return nil
}

// SetPreliminarySolutionsRefined controls whether each candidate subset
// solution is additionally polished before scoring. Slower but tighter
// consensus sets.
func (c *RobustCalibrator) SetPreliminarySolutionsRefined(refined bool) error {
	if c.running {
		return ErrLocked
	}
	c.refineSubsets = refined
	return nil
}

// SetKnownBias fixes the bias so only the coupling matrix is estimated.
func (c *RobustCalibrator) SetKnownBias(b triad.Triad) error {
	if c.running {
		return ErrLocked
	}
	c.knownBias = &b
	return nil
}

// ClearKnownBias reverts to estimating the bias.
func (c *RobustCalibrator) ClearKnownBias() error {
	if c.running {
		return ErrLocked
	}
	c.knownBias = nil
	return nil
}

// SetInitialCrossCoupling seeds the iterative solvers with a 3x3 coupling
// matrix. Nil resets to zero coupling.
func (c *RobustCalibrator) SetInitialCrossCoupling(m *mat.Dense) error {
	if c.running {
		return ErrLocked
	}
	if m == nil {
		c.initialCoupling = nil
		return nil
	}
	r, col := m.Dims()
	if r != 3 || col != 3 {
		return fmt.Errorf("%w, got %dx%d", ErrBadMatrixShape, r, col)
	}
	cp := mat.NewDense(3, 3, nil)
	cp.Copy(m)
	c.initialCoupling = cp
	return nil
}

// SetFieldModel sets the reference model predicting the true sensor value
// at each measurement frame.
func (c *RobustCalibrator) SetFieldModel(m fieldmodel.Model) error {
	if c.running {
		return ErrLocked
	}
	c.model = m
	return nil
}

// SetMeasurements replaces the calibration input. The slice is copied and
// must share one unit across all readings.
func (c *RobustCalibrator) SetMeasurements(ms []Measurement) error {
	if c.running {
		return ErrLocked
	}
	for i := range ms {
		if ms[i].Reading.Unit() == "" {
			return fmt.Errorf("%w: %v at index %d", ErrBadMeasurement, triad.ErrNoUnit, i)
		}
		if ms[i].Reading.Unit() != ms[0].Reading.Unit() {
			return fmt.Errorf("%w: %v at index %d", ErrBadMeasurement, triad.ErrUnitMismatch, i)
		}
	}
	c.measurements = append([]Measurement(nil), ms...)
	return nil
}

// Measurements returns the number of loaded measurements.
func (c *RobustCalibrator) Measurements() int { return len(c.measurements) }

// SetQualityScores sets per-measurement scores for the progressive methods,
// overriding the Quality field of the measurements. The slice is copied.
func (c *RobustCalibrator) SetQualityScores(scores []float64) error {
	if c.running {
		return ErrLocked
	}
	c.scores = append([]float64(nil), scores...)
	return nil
}

// SetListener installs the lifecycle listener. Nil disables notifications.
func (c *RobustCalibrator) SetListener(l RobustCalibratorListener) error {
	if c.running {
		return ErrLocked
	}
	c.listener = l
	return nil
}

// SetRandomSeed makes subset sampling deterministic. Zero seeds from the
// clock.
func (c *RobustCalibrator) SetRandomSeed(seed int64) error {
	if c.running {
		return ErrLocked
	}
	c.seed = seed
	return nil
}

// MinimumRequiredMeasurements is the smallest subset that fully determines
// the model.
func (c *RobustCalibrator) MinimumRequiredMeasurements() int {
	if c.knownBias != nil {
		return 3
	}
	return 4
}

// Ready reports whether Calibrate can run with the current configuration.
func (c *RobustCalibrator) Ready() bool { return c.readyErr() == nil }

func (c *RobustCalibrator) readyErr() error {
	if c.model == nil {
		return fmt.Errorf("%w: no field model configured", ErrNotReady)
	}
	min := c.MinimumRequiredMeasurements()
	if c.subsetSize > min {
		min = c.subsetSize
	}
	if len(c.measurements) < min {
		return fmt.Errorf("%w: have %d measurements, need %d", ErrNotReady, len(c.measurements), min)
	}
	if c.knownBias != nil && c.knownBias.Unit() != c.measurements[0].Reading.Unit() {
		return fmt.Errorf("%w: known bias unit %q does not match readings", ErrNotReady, c.knownBias.Unit())
	}
	if c.scores != nil && len(c.scores) != len(c.measurements) {
		return fmt.Errorf("%w: %d quality scores for %d measurements", ErrNotReady, len(c.scores), len(c.measurements))
	}
	return nil
}

// Calibrate runs the consensus search and, when enabled, the final inlier
// refinement. The results stay available through the getters until the next
// run or measurement change.
func (c *RobustCalibrator) Calibrate() error {
	if c.running {
		return ErrLocked
	}
	if err := c.readyErr(); err != nil {
		return err
	}

	c.running = true
	c.lastProgress = 0
	if c.listener != nil {
		c.listener.OnCalibrateStart(c)
	}
	defer func() {
		c.running = false
		if c.listener != nil {
			c.listener.OnCalibrateEnd(c)
		}
	}()

	c.result = nil
	c.covariance = nil
	c.mse = 0
	c.chiSq = 0
	c.inliers = nil

	expected, err := c.expectedValues()
	if err != nil {
		return err
	}

	subset := c.subsetSize
	if subset == 0 {
		subset = c.MinimumRequiredMeasurements()
	}
	seed := c.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx := &estimatorContext{
		n:             len(c.measurements),
		subsetSize:    subset,
		confidence:    c.confidence,
		maxIterations: c.maxIterations,
		threshold:     c.inlierThreshold,
		rng:           rand.New(rand.NewSource(seed)),
		solve:         c.subsetSolver(expected),
		residual: func(p *ParameterSet, i int) float64 {
			pred, err := p.Predict(expected[i])
			if err != nil {
				return math.Inf(1)
			}
			diff, err := c.measurements[i].Reading.Sub(pred)
			if err != nil {
				return math.Inf(1)
			}
			return diff.Norm()
		},
		progress: c.reportProgress,
	}
	if c.method.usesQualityScores() {
		scores := c.scores
		if scores == nil {
			scores = make([]float64, len(c.measurements))
			for i := range c.measurements {
				scores[i] = c.measurements[i].Quality
			}
		}
		ctx.qualityOrder = qualityOrder(scores)
	}

	strat, err := strategyFor(c.method)
	if err != nil {
		return err
	}
	res, err := strat.estimate(ctx)
	if err != nil {
		return err
	}

	c.result = res.params
	c.inliers = res.inliers
	if c.refineResult {
		c.refineOnInliers(ctx, res, expected)
	}
	c.reportProgress(1, 1)
	return nil
}

// refineOnInliers re-fits the preliminary model on the full inlier set and
// refreshes the mask against the refined model. A refinement failure keeps
// the preliminary model with zeroed statistics.
func (c *RobustCalibrator) refineOnInliers(ctx *estimatorContext, res *consensusResult, expected []triad.Triad) {
	idx := res.inliers.Indices()
	sub := make([]Measurement, len(idx))
	exp := make([]triad.Triad, len(idx))
	for i, j := range idx {
		sub[i] = c.measurements[j]
		exp[i] = expected[j]
	}
	nl := c.newRefiner()
	if len(sub) < nl.MinimumRequiredMeasurements() {
		return
	}
	if err := nl.Calibrate(sub, exp, res.params); err != nil {
		return
	}
	c.result = nl.EstimatedParameterSet()
	c.inliers = ctx.inliersUnderThreshold(c.result, res.cutoff)
	c.mse = nl.Mse()
	c.chiSq = nl.ChiSq()
	if c.keepCovariance {
		c.covariance = nl.Covariance()
	}
}

func (c *RobustCalibrator) newRefiner() *NonLinearCalibrator {
	nl := NewNonLinearCalibrator()
	nl.SetCommonAxisUsed(c.commonAxis)
	if c.knownBias != nil {
		nl.SetKnownBias(*c.knownBias)
	}
	return nl
}

// subsetSolver builds the candidate-fit closure shared by every strategy.
func (c *RobustCalibrator) subsetSolver(expected []triad.Triad) func(indices []int) (*ParameterSet, error) {
	unit := c.measurements[0].Reading.Unit()
	return func(indices []int) (*ParameterSet, error) {
		sub := make([]Measurement, len(indices))
		exp := make([]triad.Triad, len(indices))
		for i, j := range indices {
			sub[i] = c.measurements[j]
			exp[i] = expected[j]
		}
		var p *ParameterSet
		if c.useLinear {
			lc := NewLinearCalibrator()
			lc.SetCommonAxisUsed(c.commonAxis)
			if c.knownBias != nil {
				lc.SetKnownBias(*c.knownBias)
			}
			if err := lc.Calibrate(sub, exp); err != nil {
				return nil, err
			}
			p = lc.EstimatedParameterSet()
		} else {
			var err error
			p, err = c.seedParameterSet(unit)
			if err != nil {
				return nil, err
			}
		}
		if c.refineSubsets || !c.useLinear {
			nl := c.newRefiner()
			if err := nl.Calibrate(sub, exp, p); err != nil {
				return nil, err
			}
			p = nl.EstimatedParameterSet()
		}
		return p, nil
	}
}

func (c *RobustCalibrator) seedParameterSet(unit triad.Unit) (*ParameterSet, error) {
	bias, err := triad.Zero(unit)
	if err != nil {
		return nil, err
	}
	if c.knownBias != nil {
		bias = *c.knownBias
	}
	return NewParameterSet(bias, c.initialCoupling, c.commonAxis)
}

// expectedValues evaluates the field model at every measurement frame.
func (c *RobustCalibrator) expectedValues() ([]triad.Triad, error) {
	unit := c.measurements[0].Reading.Unit()
	out := make([]triad.Triad, len(c.measurements))
	for i := range c.measurements {
		v, err := c.model.Expected(c.measurements[i].Frame, c.measurements[i].Year)
		if err != nil {
			return nil, fmt.Errorf("field model at measurement %d: %w", i, err)
		}
		if v.Unit() != unit {
			return nil, fmt.Errorf("%w: field model yields %q, readings are %q", ErrNotReady, v.Unit(), unit)
		}
		out[i] = v
	}
	return out, nil
}

func (c *RobustCalibrator) reportProgress(done, total int) {
	if c.listener == nil || total <= 0 {
		return
	}
	p := float64(done) / float64(total)
	if p > 1 {
		p = 1
	}
	if p-c.lastProgress >= c.progressDelta || (p == 1 && c.lastProgress < 1) {
		c.lastProgress = p
		c.listener.OnCalibrateProgress(c, p)
	}
}

// EstimatedParameterSet returns the fitted model, or nil before the first
// successful run.
func (c *RobustCalibrator) EstimatedParameterSet() *ParameterSet { return c.result }

// Covariance returns the refinement covariance, or nil when refinement is
// disabled, failed, or covariance keeping is off.
func (c *RobustCalibrator) Covariance() *mat.Dense { return c.covariance }

// Mse returns the refined mean squared residual, zero without refinement.
func (c *RobustCalibrator) Mse() float64 { return c.mse }

// ChiSq returns the refined chi-square statistic, zero without refinement.
func (c *RobustCalibrator) ChiSq() float64 { return c.chiSq }

// Inliers returns the inlier mask of the last run, or nil.
func (c *RobustCalibrator) Inliers() *BitSet { return c.inliers }

// InlierCount returns the number of measurements kept by the last run.
func (c *RobustCalibrator) InlierCount() int {
	if c.inliers == nil {
		return 0
	}
	return c.inliers.Count()
}
