// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration fits sensor error models (bias, scale factor and
// cross-coupling terms) to measurements taken at known frames, robustly
// against outlier samples.
package calibration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// ErrBadMatrixShape is returned when a coupling or bias matrix has the wrong
// dimensions.
var ErrBadMatrixShape = errors.New("calibration: matrix must be 3x3")

// ParameterSet is one candidate (or final) sensor error model:
//
//	measured = bias + (I + M) * true
//
// where M holds the per-axis scale factor errors on its diagonal and the
// cross-coupling terms off it. With the common-axis convention enabled the
// three lower off-diagonal entries are identically zero, leaving six free
// coupling parameters instead of nine.
type ParameterSet struct {
	Bias triad.Triad

	m          *mat.Dense
	commonAxis bool
}

// NewParameterSet builds a parameter set from a bias triad and a 3x3
// coupling matrix. A nil matrix means zero coupling. The matrix is copied.
func NewParameterSet(bias triad.Triad, coupling *mat.Dense, commonAxis bool) (*ParameterSet, error) {
	m := mat.NewDense(3, 3, nil)
	if coupling != nil {
		r, c := coupling.Dims()
		if r != 3 || c != 3 {
			return nil, fmt.Errorf("%w, got %dx%d", ErrBadMatrixShape, r, c)
		}
		m.Copy(coupling)
	}
	p := &ParameterSet{Bias: bias, m: m, commonAxis: commonAxis}
	if commonAxis {
		p.forceCommonAxis()
	}
	return p, nil
}

func (p *ParameterSet) forceCommonAxis() {
	p.m.Set(1, 0, 0)
	p.m.Set(2, 0, 0)
	p.m.Set(2, 1, 0)
}

// CommonAxisUsed reports whether the lower off-diagonal coupling terms are
// pinned to zero.
func (p *ParameterSet) CommonAxisUsed() bool { return p.commonAxis }

// CrossCoupling returns a copy of the 3x3 coupling matrix.
func (p *ParameterSet) CrossCoupling() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(p.m)
	return out
}

// ScaleFactors returns the per-axis scale factors, one plus the diagonal
// coupling entries.
func (p *ParameterSet) ScaleFactors() (sx, sy, sz float64) {
	return 1 + p.m.At(0, 0), 1 + p.m.At(1, 1), 1 + p.m.At(2, 2)
}

// Predict applies the error model to a true value, yielding the raw reading
// the modeled sensor would report. The units must match the bias unit.
func (p *ParameterSet) Predict(trueValue triad.Triad) (triad.Triad, error) {
	if trueValue.Unit() != p.Bias.Unit() {
		return triad.Triad{}, triad.ErrUnitMismatch
	}
	x := trueValue.X + p.m.At(0, 0)*trueValue.X + p.m.At(0, 1)*trueValue.Y + p.m.At(0, 2)*trueValue.Z
	y := trueValue.Y + p.m.At(1, 0)*trueValue.X + p.m.At(1, 1)*trueValue.Y + p.m.At(1, 2)*trueValue.Z
	z := trueValue.Z + p.m.At(2, 0)*trueValue.X + p.m.At(2, 1)*trueValue.Y + p.m.At(2, 2)*trueValue.Z
	return triad.New(p.Bias.X+x, p.Bias.Y+y, p.Bias.Z+z, p.Bias.Unit())
}

// Copy returns an independent clone.
func (p *ParameterSet) Copy() *ParameterSet {
	out, _ := NewParameterSet(p.Bias, p.m, p.commonAxis)
	return out
}
