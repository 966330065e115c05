// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/fieldmodel"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// contaminate adds a gross X offset to the measurements at the given
// indices and a tiny alternating dither to everything else, so the robust
// scale estimate never collapses to zero.
func contaminate(ms []Measurement, outliers map[int]bool) {
	sign := 1.0
	for i := range ms {
		if outliers[i] {
			ms[i].Reading.X += 0.5
			continue
		}
		ms[i].Reading.X += sign * 1e-6
		sign = -sign
	}
}

func newOutlierFixture(t *testing.T) (*ParameterSet, []Measurement, map[int]bool) {
	t.Helper()
	truth := truthModel(t, false)
	ms, _ := synthesize(t, truth, testFrames(20))
	outliers := map[int]bool{3: true, 7: true, 11: true, 15: true}
	contaminate(ms, outliers)
	return truth, ms, outliers
}

func newEngine(t *testing.T, ms []Measurement) *RobustCalibrator {
	t.Helper()
	c := NewRobustCalibrator()
	require.NoError(t, c.SetFieldModel(fieldmodel.GravityModel{}))
	require.NoError(t, c.SetMeasurements(ms))
	require.NoError(t, c.SetRandomSeed(1))
	require.NoError(t, c.SetMaxIterations(300))
	return c
}

func assertInlierMask(t *testing.T, in *BitSet, n int, outliers map[int]bool) {
	t.Helper()
	require.NotNil(t, in)
	require.Equal(t, n, in.Len())
	for i := 0; i < n; i++ {
		assert.Equal(t, !outliers[i], in.Get(i), "measurement %d", i)
	}
}

func TestRobustCalibratorLMedSRejectsOutliers(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.Equal(t, MethodLMedS, c.Method())

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assert.Equal(t, len(ms)-len(outliers), c.InlierCount())
	assertModelEquals(t, truth, c.EstimatedParameterSet(), 1e-4)
	assert.Less(t, c.Mse(), 1e-9)
	assert.NotNil(t, c.Covariance())
	assert.False(t, c.Running())
}

func TestRobustCalibratorRANSACWithThreshold(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.NoError(t, c.SetMethod(MethodRANSAC))
	require.NoError(t, c.SetInlierThreshold(0.01))
	require.NoError(t, c.SetRandomSeed(7))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assertModelEquals(t, truth, c.EstimatedParameterSet(), 1e-4)
}

func TestRobustCalibratorMSAC(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.NoError(t, c.SetMethod(MethodMSAC))
	require.NoError(t, c.SetInlierThreshold(0.01))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assertModelEquals(t, truth, c.EstimatedParameterSet(), 1e-4)
}

func TestRobustCalibratorPROSACUsesQualityScores(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	scores := make([]float64, len(ms))
	for i := range scores {
		scores[i] = 1
		if outliers[i] {
			scores[i] = 0.01
		}
	}
	c := newEngine(t, ms)
	require.NoError(t, c.SetMethod(MethodPROSAC))
	require.NoError(t, c.SetInlierThreshold(0.01))
	require.NoError(t, c.SetQualityScores(scores))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assert.Equal(t, len(ms)-len(outliers), c.InlierCount())
	assertModelEquals(t, truth, c.EstimatedParameterSet(), 1e-4)
}

func TestRobustCalibratorPROMedS(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.NoError(t, c.SetMethod(MethodPROMedS))
	// Quality comes from the measurement field when no explicit scores
	// are set.
	for i := range ms {
		ms[i].Quality = 1
		if outliers[i] {
			ms[i].Quality = 0.01
		}
	}
	require.NoError(t, c.SetMeasurements(ms))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assertModelEquals(t, truth, c.EstimatedParameterSet(), 1e-4)
}

func TestRobustCalibratorCommonAxisForcesZeros(t *testing.T) {
	truth := truthModel(t, true)
	ms, _ := synthesize(t, truth, testFrames(20))
	outliers := map[int]bool{3: true, 7: true, 11: true, 15: true}
	contaminate(ms, outliers)

	c := newEngine(t, ms)
	require.NoError(t, c.SetCommonAxisUsed(true))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	got := c.EstimatedParameterSet()
	require.NotNil(t, got)
	assert.True(t, got.CommonAxisUsed())

	gm := got.CrossCoupling()
	assert.Zero(t, gm.At(1, 0))
	assert.Zero(t, gm.At(2, 0))
	assert.Zero(t, gm.At(2, 1))
	assertModelEquals(t, truth, got, 1e-4)
}

func TestRobustCalibratorKnownBias(t *testing.T) {
	truth, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.NoError(t, c.SetKnownBias(truth.Bias))
	require.Equal(t, 3, c.MinimumRequiredMeasurements())

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	got := c.EstimatedParameterSet()
	assertModelEquals(t, truth, got, 1e-4)
	assert.Equal(t, truth.Bias, got.Bias)
}

func TestRobustCalibratorUnrefinedKeepsPreliminary(t *testing.T) {
	_, ms, outliers := newOutlierFixture(t)
	c := newEngine(t, ms)
	require.NoError(t, c.SetResultRefined(false))

	require.NoError(t, c.Calibrate())

	assertInlierMask(t, c.Inliers(), len(ms), outliers)
	assert.NotNil(t, c.EstimatedParameterSet())
	assert.Nil(t, c.Covariance())
	assert.Zero(t, c.Mse())
	assert.Zero(t, c.ChiSq())
}

func TestRobustCalibratorNotReady(t *testing.T) {
	_, ms, _ := newOutlierFixture(t)

	c := NewRobustCalibrator()
	require.NoError(t, c.SetMeasurements(ms))
	assert.ErrorIs(t, c.Calibrate(), ErrNotReady)
	assert.False(t, c.Ready())

	require.NoError(t, c.SetFieldModel(fieldmodel.GravityModel{}))
	require.NoError(t, c.SetMeasurements(ms[:3]))
	assert.ErrorIs(t, c.Calibrate(), ErrNotReady)

	require.NoError(t, c.SetMeasurements(ms))
	require.NoError(t, c.SetQualityScores([]float64{1, 2, 3}))
	assert.ErrorIs(t, c.Calibrate(), ErrNotReady)

	require.NoError(t, c.SetQualityScores(nil))
	assert.True(t, c.Ready())
}

// mutatingListener drives every mutator from inside the run callbacks and
// records the errors it got back.
type mutatingListener struct {
	startErrs   []error
	runningSeen bool
}

func (l *mutatingListener) OnCalibrateStart(c *RobustCalibrator) {
	l.runningSeen = c.Running()
	l.startErrs = append(l.startErrs,
		c.SetMethod(MethodRANSAC),
		c.SetCommonAxisUsed(true),
		c.SetConfidence(0.5),
		c.SetMaxIterations(10),
		c.SetProgressDelta(0.5),
		c.SetPreliminarySubsetSize(0),
		c.SetInlierThreshold(1),
		c.SetResultRefined(false),
		c.SetCovarianceKept(false),
		c.SetLinearCalibratorUsed(false),
		c.SetPreliminarySolutionsRefined(true),
		c.ClearKnownBias(),
		c.SetInitialCrossCoupling(nil),
		c.SetFieldModel(nil),
		c.SetMeasurements(nil),
		c.SetQualityScores(nil),
		c.SetListener(nil),
		c.SetRandomSeed(9),
		c.Calibrate(),
	)
}

func (l *mutatingListener) OnCalibrateEnd(*RobustCalibrator)                {}
func (l *mutatingListener) OnCalibrateProgress(*RobustCalibrator, float64) {}

func TestRobustCalibratorMutatorsLockedDuringRun(t *testing.T) {
	_, ms, _ := newOutlierFixture(t)
	c := newEngine(t, ms)
	l := &mutatingListener{}
	require.NoError(t, c.SetListener(l))

	require.NoError(t, c.Calibrate())

	assert.True(t, l.runningSeen)
	require.NotEmpty(t, l.startErrs)
	for i, err := range l.startErrs {
		assert.ErrorIs(t, err, ErrLocked, "mutator %d", i)
	}
	// The run used the original configuration.
	assert.Equal(t, MethodLMedS, c.Method())
	assert.Equal(t, len(ms), c.Measurements())
	assert.False(t, c.Running())
}

type progressRecorder struct {
	values []float64
}

func (r *progressRecorder) OnCalibrateStart(*RobustCalibrator) {}
func (r *progressRecorder) OnCalibrateEnd(*RobustCalibrator)   {}
func (r *progressRecorder) OnCalibrateProgress(_ *RobustCalibrator, p float64) {
	r.values = append(r.values, p)
}

func TestRobustCalibratorProgressMonotonic(t *testing.T) {
	_, ms, _ := newOutlierFixture(t)
	c := newEngine(t, ms)
	rec := &progressRecorder{}
	require.NoError(t, c.SetListener(rec))
	require.NoError(t, c.SetProgressDelta(0.1))

	require.NoError(t, c.Calibrate())

	require.NotEmpty(t, rec.values)
	for i := 1; i < len(rec.values); i++ {
		assert.GreaterOrEqual(t, rec.values[i], rec.values[i-1])
	}
	assert.Equal(t, 1.0, rec.values[len(rec.values)-1])
}

func TestRobustCalibratorConfigValidation(t *testing.T) {
	c := NewRobustCalibrator()
	assert.Error(t, c.SetConfidence(0))
	assert.Error(t, c.SetConfidence(1))
	assert.Error(t, c.SetMaxIterations(0))
	assert.Error(t, c.SetProgressDelta(0))
	assert.Error(t, c.SetProgressDelta(1.5))
	assert.Error(t, c.SetInlierThreshold(-1))
	assert.Error(t, c.SetPreliminarySubsetSize(2))
	assert.ErrorIs(t, c.SetInitialCrossCoupling(mat.NewDense(2, 3, nil)), ErrBadMatrixShape)

	mixed := []Measurement{
		{Reading: mustTriad(t, 1, 1, 1, triad.Teslas)},
		{Reading: mustTriad(t, 1, 1, 1, triad.Microteslas)},
	}
	assert.ErrorIs(t, c.SetMeasurements(mixed), ErrBadMeasurement)
}

func TestParseMethodRoundTrip(t *testing.T) {
	for _, m := range []Method{MethodRANSAC, MethodMSAC, MethodLMedS, MethodPROSAC, MethodPROMedS} {
		got, err := ParseMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMethod(" lmeds ")
	require.NoError(t, err)
	assert.Equal(t, MethodLMedS, got)

	_, err = ParseMethod("huber")
	assert.Error(t, err)
}
