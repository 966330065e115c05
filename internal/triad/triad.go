// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package triad provides the 3-component value-with-unit passed between the
// interval detector, the field models and the calibration engine.
package triad

import (
	"encoding/json"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Unit identifies the physical unit of a triad's components.
type Unit string

const (
	MetersPerSquaredSecond Unit = "m/s^2"
	RadiansPerSecond       Unit = "rad/s"
	DegreesPerSecond       Unit = "deg/s"
	Teslas                 Unit = "T"
	Microteslas            Unit = "uT"
	Nanoteslas             Unit = "nT"
)

// ErrNoUnit is returned when a triad is constructed or re-tagged without a unit.
var ErrNoUnit = errors.New("triad: unit must not be empty")

// ErrUnitMismatch is returned by arithmetic on triads with different units.
var ErrUnitMismatch = errors.New("triad: unit mismatch")

// Triad is a 3-component physical measurement. The unit is set at
// construction and can only be replaced with another non-empty unit.
type Triad struct {
	X, Y, Z float64

	unit Unit
}

// New returns a triad with the given components and unit.
func New(x, y, z float64, unit Unit) (Triad, error) {
	if unit == "" {
		return Triad{}, ErrNoUnit
	}
	return Triad{X: x, Y: y, Z: z, unit: unit}, nil
}

// Zero returns a zero-valued triad in the given unit.
func Zero(unit Unit) (Triad, error) {
	return New(0, 0, 0, unit)
}

// Unit returns the triad's unit.
func (t Triad) Unit() Unit {
	return t.unit
}

// SetUnit replaces the triad's unit. Empty units are rejected.
func (t *Triad) SetUnit(unit Unit) error {
	if unit == "" {
		return ErrNoUnit
	}
	t.unit = unit
	return nil
}

// Set replaces all three components at once.
func (t *Triad) Set(x, y, z float64) {
	t.X, t.Y, t.Z = x, y, z
}

// Component returns the component at axis index 0, 1 or 2.
func (t Triad) Component(axis int) float64 {
	switch axis {
	case 0:
		return t.X
	case 1:
		return t.Y
	default:
		return t.Z
	}
}

// NormSquared returns x^2 + y^2 + z^2.
func (t Triad) NormSquared() float64 {
	return t.X*t.X + t.Y*t.Y + t.Z*t.Z
}

// Norm returns the Euclidean norm of the components.
func (t Triad) Norm() float64 {
	return math.Sqrt(t.NormSquared())
}

// MaxComponent returns the largest absolute component value.
func (t Triad) MaxComponent() float64 {
	m := math.Abs(t.X)
	if v := math.Abs(t.Y); v > m {
		m = v
	}
	if v := math.Abs(t.Z); v > m {
		m = v
	}
	return m
}

// Equals reports whether both triads share a unit and every component pair
// differs by at most tol.
func (t Triad) Equals(o Triad, tol float64) bool {
	if t.unit != o.unit {
		return false
	}
	return math.Abs(t.X-o.X) <= tol &&
		math.Abs(t.Y-o.Y) <= tol &&
		math.Abs(t.Z-o.Z) <= tol
}

// Add returns t + o. The units must match.
func (t Triad) Add(o Triad) (Triad, error) {
	if t.unit != o.unit {
		return Triad{}, ErrUnitMismatch
	}
	return Triad{X: t.X + o.X, Y: t.Y + o.Y, Z: t.Z + o.Z, unit: t.unit}, nil
}

// Sub returns t - o. The units must match.
func (t Triad) Sub(o Triad) (Triad, error) {
	if t.unit != o.unit {
		return Triad{}, ErrUnitMismatch
	}
	return Triad{X: t.X - o.X, Y: t.Y - o.Y, Z: t.Z - o.Z, unit: t.unit}, nil
}

// Scale returns the triad with every component multiplied by k.
func (t Triad) Scale(k float64) Triad {
	return Triad{X: k * t.X, Y: k * t.Y, Z: k * t.Z, unit: t.unit}
}

// Vector returns the components as a fresh 3x1 gonum vector.
func (t Triad) Vector() *mat.VecDense {
	return mat.NewVecDense(3, []float64{t.X, t.Y, t.Z})
}

// FromVector builds a triad from the first three entries of v.
func FromVector(v mat.Vector, unit Unit) (Triad, error) {
	return New(v.AtVec(0), v.AtVec(1), v.AtVec(2), unit)
}

// triadJSON is the wire form. The unit travels explicitly since the struct
// field is unexported.
type triadJSON struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	Unit Unit    `json:"unit"`
}

func (t Triad) MarshalJSON() ([]byte, error) {
	return json.Marshal(triadJSON{X: t.X, Y: t.Y, Z: t.Z, Unit: t.unit})
}

func (t *Triad) UnmarshalJSON(data []byte) error {
	var w triadJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Unit == "" {
		return ErrNoUnit
	}
	t.X, t.Y, t.Z, t.unit = w.X, w.Y, w.Z, w.Unit
	return nil
}
