// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// ErrNotEnoughMeasurements is returned when a calibrator is asked to fit
// fewer measurements than its model has degrees of freedom for.
var ErrNotEnoughMeasurements = errors.New("calibration: not enough measurements")

// ErrDegenerateGeometry is returned when the measurement frames do not span
// enough orientations to determine the model.
var ErrDegenerateGeometry = errors.New("calibration: degenerate measurement geometry")

// couplingIndex lists the free entries of the coupling matrix in estimation
// order. With the common-axis convention only the upper triangle is free.
func couplingIndex(commonAxis bool) [][2]int {
	if commonAxis {
		return [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}, {2, 2}}
	}
	return [][2]int{
		{0, 0}, {0, 1}, {0, 2},
		{1, 0}, {1, 1}, {1, 2},
		{2, 0}, {2, 1}, {2, 2},
	}
}

// LinearCalibrator solves the error model in closed form. The model
//
//	measured = bias + (I + M) * true
//
// is linear in bias and M, so a least squares solve over the stacked
// per-axis equations recovers both directly. It is the preliminary solver
// inside the robust engine and also usable on its own when the inputs are
// trusted.
type LinearCalibrator struct {
	commonAxis bool
	knownBias  *triad.Triad

	result *ParameterSet
}

// NewLinearCalibrator returns a calibrator estimating the full nine-term
// coupling matrix plus bias.
func NewLinearCalibrator() *LinearCalibrator {
	return &LinearCalibrator{}
}

// SetCommonAxisUsed pins the lower off-diagonal coupling terms to zero.
func (c *LinearCalibrator) SetCommonAxisUsed(used bool) { c.commonAxis = used }

// CommonAxisUsed reports the coupling matrix convention.
func (c *LinearCalibrator) CommonAxisUsed() bool { return c.commonAxis }

// SetKnownBias fixes the bias so only the coupling matrix is estimated.
func (c *LinearCalibrator) SetKnownBias(b triad.Triad) { c.knownBias = &b }

// ClearKnownBias reverts to estimating the bias.
func (c *LinearCalibrator) ClearKnownBias() { c.knownBias = nil }

// KnownBias returns the fixed bias and whether one is set.
func (c *LinearCalibrator) KnownBias() (triad.Triad, bool) {
	if c.knownBias == nil {
		return triad.Triad{}, false
	}
	return *c.knownBias, true
}

// MinimumRequiredMeasurements is the smallest measurement count that fully
// determines the model. Each measurement contributes three equations.
func (c *LinearCalibrator) MinimumRequiredMeasurements() int {
	if c.knownBias != nil {
		return 3
	}
	return 4
}

// Calibrate fits the model to the readings and their expected true values.
// The two slices are paired by index and must have equal length.
func (c *LinearCalibrator) Calibrate(ms []Measurement, expected []triad.Triad) error {
	c.result = nil
	if len(ms) != len(expected) {
		return fmt.Errorf("%w: %d readings vs %d expected values", ErrBadMeasurement, len(ms), len(expected))
	}
	if len(ms) < c.MinimumRequiredMeasurements() {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughMeasurements, len(ms), c.MinimumRequiredMeasurements())
	}
	for i := range ms {
		if ms[i].Reading.Unit() != expected[i].Unit() {
			return fmt.Errorf("%w: %v at index %d", ErrBadMeasurement, triad.ErrUnitMismatch, i)
		}
	}
	unit := ms[0].Reading.Unit()
	if c.knownBias != nil && c.knownBias.Unit() != unit {
		return fmt.Errorf("%w: known bias %v", ErrBadMeasurement, triad.ErrUnitMismatch)
	}

	coupling := couplingIndex(c.commonAxis)
	cols := len(coupling)
	biasOffset := 0
	if c.knownBias == nil {
		biasOffset = 3
		cols += 3
	}
	rows := 3 * len(ms)

	a := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	for i := range ms {
		read := [3]float64{ms[i].Reading.X, ms[i].Reading.Y, ms[i].Reading.Z}
		exp := [3]float64{expected[i].X, expected[i].Y, expected[i].Z}
		for axis := 0; axis < 3; axis++ {
			row := 3*i + axis
			rhs := read[axis] - exp[axis]
			if c.knownBias != nil {
				rhs -= c.knownBias.Component(axis)
			} else {
				a.Set(row, axis, 1)
			}
			for j, idx := range coupling {
				if idx[0] == axis {
					a.Set(row, biasOffset+j, exp[idx[1]])
				}
			}
			y.SetVec(row, rhs)
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, y); err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}

	bias := triad.Triad{}
	if c.knownBias != nil {
		bias = *c.knownBias
	} else {
		var err error
		bias, err = triad.New(x.AtVec(0), x.AtVec(1), x.AtVec(2), unit)
		if err != nil {
			return err
		}
	}
	m := mat.NewDense(3, 3, nil)
	for j, idx := range coupling {
		m.Set(idx[0], idx[1], x.AtVec(biasOffset+j))
	}
	p, err := NewParameterSet(bias, m, c.commonAxis)
	if err != nil {
		return err
	}
	c.result = p
	return nil
}

// EstimatedParameterSet returns the last successful fit, or nil.
func (c *LinearCalibrator) EstimatedParameterSet() *ParameterSet { return c.result }
