// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/fieldmodel"
	"github.com/relabs-tech/inertial_calibrator/internal/frame"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

func mustTriad(t *testing.T, x, y, z float64, u triad.Unit) triad.Triad {
	t.Helper()
	v, err := triad.New(x, y, z, u)
	require.NoError(t, err)
	return v
}

// truthModel builds the error model the synthetic fixtures are generated
// with. With commonAxis the lower off-diagonal terms are pinned to zero.
func truthModel(t *testing.T, commonAxis bool) *ParameterSet {
	t.Helper()
	bias := mustTriad(t, 0.05, -0.11, 0.2, triad.MetersPerSquaredSecond)
	m := mat.NewDense(3, 3, []float64{
		0.012, -0.004, 0.006,
		0.003, -0.009, 0.002,
		-0.005, 0.007, 0.015,
	})
	p, err := NewParameterSet(bias, m, commonAxis)
	require.NoError(t, err)
	return p
}

// testFrames yields n attitudes spread over roll, pitch and yaw at a fixed
// mid-latitude position, enough orientation diversity to determine the full
// twelve-term model.
func testFrames(n int) []frame.Frame {
	frames := make([]frame.Frame, n)
	for i := range frames {
		k := float64(i)
		frames[i] = frame.Frame{
			Latitude: 40.0 * math.Pi / 180,
			Height:   150,
			Roll:     0.9 * math.Sin(1.3*k),
			Pitch:    0.7 * math.Sin(2.1*k+1),
			Yaw:      0.5 * k,
		}
	}
	return frames
}

// synthesize generates noise-free measurements of the gravity field as seen
// through the truth model, paired with the expected true values.
func synthesize(t *testing.T, truth *ParameterSet, frames []frame.Frame) ([]Measurement, []triad.Triad) {
	t.Helper()
	model := fieldmodel.GravityModel{}
	ms := make([]Measurement, len(frames))
	exp := make([]triad.Triad, len(frames))
	for i, f := range frames {
		e, err := model.Expected(f, 0)
		require.NoError(t, err)
		reading, err := truth.Predict(e)
		require.NoError(t, err)
		dev := mustTriad(t, 1e-3, 1e-3, 1e-3, triad.MetersPerSquaredSecond)
		m, err := NewMeasurement(reading, dev, f)
		require.NoError(t, err)
		ms[i] = m
		exp[i] = e
	}
	return ms, exp
}

func assertModelEquals(t *testing.T, want, got *ParameterSet, tol float64) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Bias.Equals(got.Bias, tol), "bias %+v vs %+v", want.Bias, got.Bias)
	wm, gm := want.CrossCoupling(), got.CrossCoupling()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, wm.At(r, c), gm.At(r, c), tol, "coupling entry (%d,%d)", r, c)
		}
	}
}

func TestLinearCalibratorRecoversExactModel(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(12))

	lc := NewLinearCalibrator()
	require.Equal(t, 4, lc.MinimumRequiredMeasurements())
	require.NoError(t, lc.Calibrate(ms, exp))
	assertModelEquals(t, truth, lc.EstimatedParameterSet(), 1e-9)
}

func TestLinearCalibratorKnownBias(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(6))

	lc := NewLinearCalibrator()
	lc.SetKnownBias(truth.Bias)
	require.Equal(t, 3, lc.MinimumRequiredMeasurements())
	require.NoError(t, lc.Calibrate(ms, exp))

	got := lc.EstimatedParameterSet()
	assertModelEquals(t, truth, got, 1e-9)
	assert.Equal(t, truth.Bias, got.Bias)
}

func TestLinearCalibratorCommonAxis(t *testing.T) {
	truth := truthModel(t, true)
	ms, exp := synthesize(t, truth, testFrames(10))

	lc := NewLinearCalibrator()
	lc.SetCommonAxisUsed(true)
	require.NoError(t, lc.Calibrate(ms, exp))

	got := lc.EstimatedParameterSet()
	assertModelEquals(t, truth, got, 1e-9)
	gm := got.CrossCoupling()
	assert.Zero(t, gm.At(1, 0))
	assert.Zero(t, gm.At(2, 0))
	assert.Zero(t, gm.At(2, 1))
}

func TestLinearCalibratorRejectsShortInput(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(3))

	lc := NewLinearCalibrator()
	err := lc.Calibrate(ms, exp)
	assert.ErrorIs(t, err, ErrNotEnoughMeasurements)
	assert.Nil(t, lc.EstimatedParameterSet())
}

func TestLinearCalibratorUnitMismatch(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(6))
	bad := exp[2]
	require.NoError(t, bad.SetUnit(triad.Microteslas))
	exp[2] = bad

	lc := NewLinearCalibrator()
	assert.ErrorIs(t, lc.Calibrate(ms, exp), ErrBadMeasurement)
}

func TestLinearCalibratorDegenerateGeometry(t *testing.T) {
	// Every frame identical: the per-axis equations cannot separate bias
	// from coupling.
	truth := truthModel(t, false)
	frames := make([]frame.Frame, 8)
	for i := range frames {
		frames[i] = frame.Frame{Latitude: 40.0 * math.Pi / 180}
	}
	ms, exp := synthesize(t, truth, frames)

	lc := NewLinearCalibrator()
	assert.ErrorIs(t, lc.Calibrate(ms, exp), ErrDegenerateGeometry)
}

func TestNonLinearCalibratorRecoversFromZeroSeed(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(12))

	nl := NewNonLinearCalibrator()
	require.NoError(t, nl.Calibrate(ms, exp, nil))
	assertModelEquals(t, truth, nl.EstimatedParameterSet(), 1e-7)

	assert.Less(t, nl.Mse(), 1e-12)
	assert.Less(t, nl.ChiSq(), 1e-6)
	cov := nl.Covariance()
	require.NotNil(t, cov)
	r, c := cov.Dims()
	assert.Equal(t, 12, r)
	assert.Equal(t, 12, c)
	for i := 0; i < r; i++ {
		assert.Greater(t, cov.At(i, i), 0.0, "variance of parameter %d", i)
	}
}

func TestNonLinearCalibratorUsesSeed(t *testing.T) {
	truth := truthModel(t, true)
	ms, exp := synthesize(t, truth, testFrames(10))

	lc := NewLinearCalibrator()
	lc.SetCommonAxisUsed(true)
	require.NoError(t, lc.Calibrate(ms, exp))

	nl := NewNonLinearCalibrator()
	nl.SetCommonAxisUsed(true)
	require.NoError(t, nl.Calibrate(ms, exp, lc.EstimatedParameterSet()))
	assertModelEquals(t, truth, nl.EstimatedParameterSet(), 1e-9)

	cov := nl.Covariance()
	require.NotNil(t, cov)
	r, _ := cov.Dims()
	assert.Equal(t, 9, r)
}

func TestNonLinearCalibratorKnownBias(t *testing.T) {
	truth := truthModel(t, false)
	ms, exp := synthesize(t, truth, testFrames(6))

	nl := NewNonLinearCalibrator()
	nl.SetKnownBias(truth.Bias)
	require.Equal(t, 3, nl.MinimumRequiredMeasurements())
	require.NoError(t, nl.Calibrate(ms, exp, nil))
	assertModelEquals(t, truth, nl.EstimatedParameterSet(), 1e-7)
}

func TestNonLinearCalibratorConfigValidation(t *testing.T) {
	nl := NewNonLinearCalibrator()
	assert.Error(t, nl.SetMaxIterations(0))
	assert.Error(t, nl.SetTolerance(0))
	assert.Error(t, nl.SetTolerance(math.NaN()))
	assert.NoError(t, nl.SetMaxIterations(100))
	assert.NoError(t, nl.SetTolerance(1e-10))
}

func TestParameterSetPredictAndScaleFactors(t *testing.T) {
	bias := mustTriad(t, 1, 2, 3, triad.Microteslas)
	m := mat.NewDense(3, 3, []float64{
		0.1, 0, 0,
		0, 0.2, 0,
		0, 0, -0.1,
	})
	p, err := NewParameterSet(bias, m, false)
	require.NoError(t, err)

	sx, sy, sz := p.ScaleFactors()
	assert.InDelta(t, 1.1, sx, 1e-15)
	assert.InDelta(t, 1.2, sy, 1e-15)
	assert.InDelta(t, 0.9, sz, 1e-15)

	in := mustTriad(t, 10, 10, 10, triad.Microteslas)
	out, err := p.Predict(in)
	require.NoError(t, err)
	assert.InDelta(t, 12, out.X, 1e-12)
	assert.InDelta(t, 14, out.Y, 1e-12)
	assert.InDelta(t, 12, out.Z, 1e-12)

	wrong := mustTriad(t, 1, 1, 1, triad.Teslas)
	_, err = p.Predict(wrong)
	assert.ErrorIs(t, err, triad.ErrUnitMismatch)
}

func TestParameterSetCommonAxisForcesZeros(t *testing.T) {
	bias := mustTriad(t, 0, 0, 0, triad.Teslas)
	m := mat.NewDense(3, 3, []float64{
		0.1, 0.2, 0.3,
		0.4, 0.5, 0.6,
		0.7, 0.8, 0.9,
	})
	p, err := NewParameterSet(bias, m, true)
	require.NoError(t, err)
	got := p.CrossCoupling()
	assert.Zero(t, got.At(1, 0))
	assert.Zero(t, got.At(2, 0))
	assert.Zero(t, got.At(2, 1))
	assert.Equal(t, 0.2, got.At(0, 1))

	_, err = NewParameterSet(bias, mat.NewDense(2, 2, nil), false)
	assert.ErrorIs(t, err, ErrBadMatrixShape)
}

func TestNewMeasurementValidation(t *testing.T) {
	reading := mustTriad(t, 1, 2, 3, triad.MetersPerSquaredSecond)
	dev := mustTriad(t, 0.1, 0.1, 0.1, triad.MetersPerSquaredSecond)
	_, err := NewMeasurement(reading, dev, frame.Frame{})
	assert.NoError(t, err)

	wrongUnit := mustTriad(t, 0.1, 0.1, 0.1, triad.Teslas)
	_, err = NewMeasurement(reading, wrongUnit, frame.Frame{})
	assert.ErrorIs(t, err, ErrBadMeasurement)

	negative := mustTriad(t, -0.1, 0.1, 0.1, triad.MetersPerSquaredSecond)
	_, err = NewMeasurement(reading, negative, frame.Frame{})
	assert.ErrorIs(t, err, ErrBadMeasurement)

	_, err = NewMeasurement(triad.Triad{}, dev, frame.Frame{})
	assert.ErrorIs(t, err, ErrBadMeasurement)

	m, err := NewMeasurement(reading, dev, frame.Frame{})
	require.NoError(t, err)
	prev := frame.Frame{Roll: 0.25}
	withKin := m.WithKinematics(prev, 1.5)
	require.NotNil(t, withKin.PrevFrame)
	assert.Equal(t, prev, *withKin.PrevFrame)
	assert.Equal(t, 1.5, withKin.Interval)
	assert.Nil(t, m.PrevFrame)
}

func TestBitSet(t *testing.T) {
	b := NewBitSet(130)
	assert.Equal(t, 130, b.Len())
	assert.Zero(t, b.Count())

	b.Set(0, true)
	b.Set(64, true)
	b.Set(129, true)
	assert.Equal(t, 3, b.Count())
	assert.True(t, b.Get(64))
	assert.False(t, b.Get(63))
	assert.Equal(t, []int{0, 64, 129}, b.Indices())

	b.Set(64, false)
	assert.Equal(t, 2, b.Count())

	// Out of range accesses are inert.
	b.Set(130, true)
	b.Set(-1, true)
	assert.False(t, b.Get(130))
	assert.False(t, b.Get(-1))
	assert.Equal(t, 2, b.Count())
}

func TestCouplingIndexShapes(t *testing.T) {
	assert.Len(t, couplingIndex(false), 9)
	common := couplingIndex(true)
	assert.Len(t, common, 6)
	for _, idx := range common {
		assert.LessOrEqual(t, idx[0], idx[1], "entry (%d,%d) below the diagonal", idx[0], idx[1])
	}
}

func TestErrorsAreSentinels(t *testing.T) {
	assert.True(t, errors.Is(ErrNoSolution, ErrNoSolution))
	assert.NotErrorIs(t, ErrNotEnoughMeasurements, ErrDegenerateGeometry)
}
