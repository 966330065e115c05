// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/inertial_calibrator/internal/frame"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// ErrBadMeasurement is returned when a measurement is not usable as
// calibration input.
var ErrBadMeasurement = errors.New("calibration: bad measurement")

// Measurement is one calibration input: the averaged sensor reading taken
// over a static interval, its per-axis standard deviation, and the body
// frame the device held during that interval.
type Measurement struct {
	// Reading is the averaged raw sensor output over the interval.
	Reading triad.Triad `json:"reading"`
	// StdDev carries the per-axis sample deviation over the interval. It
	// is used as the weighting term during refinement. All components
	// must be non-negative and share the reading unit.
	StdDev triad.Triad `json:"std_dev"`
	// Frame is the position and attitude the device held.
	Frame frame.Frame `json:"frame"`
	// Year is the decimal year the measurement was taken at. Zero lets
	// the field model fall back to its epoch.
	Year float64 `json:"year,omitempty"`
	// Quality orders measurements for the progressive consensus
	// strategies. Higher is better. Usually derived from the inverse of
	// the interval noise level.
	Quality float64 `json:"quality,omitempty"`
	// PrevFrame and Interval describe the motion leading into this
	// measurement, for field models that need kinematics. Nil PrevFrame
	// means the device held still.
	PrevFrame *frame.Frame `json:"prev_frame,omitempty"`
	// Interval is the time in seconds between PrevFrame and Frame.
	Interval float64 `json:"interval,omitempty"`
}

// NewMeasurement validates and assembles a measurement. The deviation triad
// must share the reading unit and be component-wise non-negative.
func NewMeasurement(reading, stdDev triad.Triad, f frame.Frame) (Measurement, error) {
	if reading.Unit() == "" {
		return Measurement{}, fmt.Errorf("%w: %v", ErrBadMeasurement, triad.ErrNoUnit)
	}
	if stdDev.Unit() != reading.Unit() {
		return Measurement{}, fmt.Errorf("%w: %v", ErrBadMeasurement, triad.ErrUnitMismatch)
	}
	if stdDev.X < 0 || stdDev.Y < 0 || stdDev.Z < 0 {
		return Measurement{}, fmt.Errorf("%w: negative deviation", ErrBadMeasurement)
	}
	return Measurement{Reading: reading, StdDev: stdDev, Frame: f}, nil
}

// WithTime returns a copy stamped with the decimal year of t.
func (m Measurement) WithTime(t time.Time) Measurement {
	m.Year = frame.DecimalYear(t)
	return m
}

// WithQuality returns a copy carrying a quality score.
func (m Measurement) WithQuality(q float64) Measurement {
	m.Quality = q
	return m
}

// WithKinematics returns a copy carrying the frame the device left seconds
// before this measurement was taken.
func (m Measurement) WithKinematics(prev frame.Frame, seconds float64) Measurement {
	m.PrevFrame = &prev
	m.Interval = seconds
	return m
}
