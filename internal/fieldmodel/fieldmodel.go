// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fieldmodel produces the "true" reference vector a perfectly
// calibrated sensor would read at a given frame and time: the gravity
// specific force for accelerometers, the local geomagnetic field for
// magnetometers. The calibration engine compares its predicted raw readings
// against these.
package fieldmodel

import (
	"errors"
	"math"

	"github.com/relabs-tech/inertial_calibrator/internal/frame"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// Model yields the expected sensor reading, in body axes, for a frame and a
// decimal-year timestamp. Models that do not vary with time ignore year.
type Model interface {
	Expected(f frame.Frame, year float64) (triad.Triad, error)
}

// ErrBadLatitude is returned for latitudes outside [-pi/2, pi/2].
var ErrBadLatitude = errors.New("fieldmodel: latitude out of range")

// WGS84 ellipsoid and normal gravity constants.
const (
	equatorialRadius = 6378137.0
	somiglianaGE     = 9.7803253359
	somiglianaK      = 1.931852652458e-3
	eccentricitySq   = 6.69437999014e-3
	freeAirGradient  = 3.086e-6 // 1/s^2, linear height correction
)

// GravityModel evaluates WGS84 normal gravity (Somigliana) with a free-air
// height correction and rotates the resting specific force into body axes.
type GravityModel struct{}

// NormalGravity returns the gravity magnitude at a geodetic latitude and
// height above the ellipsoid.
func (GravityModel) NormalGravity(latitude, height float64) (float64, error) {
	if math.Abs(latitude) > math.Pi/2 || math.IsNaN(latitude) {
		return 0, ErrBadLatitude
	}
	s := math.Sin(latitude)
	s2 := s * s
	g0 := somiglianaGE * (1 + somiglianaK*s2) / math.Sqrt(1-eccentricitySq*s2)
	return g0 - freeAirGradient*height, nil
}

// Expected returns the specific force a resting accelerometer senses at the
// frame, in body axes and meters per squared second. At rest the sensed
// force opposes gravity: up in NED, so negative down.
func (m GravityModel) Expected(f frame.Frame, _ float64) (triad.Triad, error) {
	g, err := m.NormalGravity(f.Latitude, f.Height)
	if err != nil {
		return triad.Triad{}, err
	}
	x, y, z := f.ToBody(0, 0, -g)
	return triad.New(x, y, z, triad.MetersPerSquaredSecond)
}

// Tilted dipole parameters. The pole drifts and the moment decays slowly;
// both are linearized around the model epoch.
const (
	dipoleEpoch        = 2020.0
	dipoleMoment       = 3.12e-5 // T at the magnetic equator, epoch value
	dipoleMomentDrift  = -1.6e-8 // T per year
	dipolePoleLatDeg   = 80.65
	dipolePoleLonDeg   = -72.68
	dipolePoleLonDrift = 0.05 // degrees east per year
)

// MagneticModel evaluates a tilted-dipole approximation of the Earth's
// field. It is far coarser than a full spherical-harmonic model but varies
// correctly with position, orientation and (slowly) time, which is all the
// calibration engine needs from it.
type MagneticModel struct{}

// Expected returns the geomagnetic field at the frame in body axes, teslas.
func (m MagneticModel) Expected(f frame.Frame, year float64) (triad.Triad, error) {
	if math.Abs(f.Latitude) > math.Pi/2 || math.IsNaN(f.Latitude) {
		return triad.Triad{}, ErrBadLatitude
	}
	if year == 0 {
		year = dipoleEpoch
	}
	dt := year - dipoleEpoch

	poleLat := dipolePoleLatDeg * math.Pi / 180
	poleLon := (dipolePoleLonDeg + dipolePoleLonDrift*dt) * math.Pi / 180
	b0 := dipoleMoment + dipoleMomentDrift*dt

	// Geomagnetic colatitude of the site.
	cosTheta := math.Sin(f.Latitude)*math.Sin(poleLat) +
		math.Cos(f.Latitude)*math.Cos(poleLat)*math.Cos(f.Longitude-poleLon)
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	sinTheta := math.Sqrt(1 - cosTheta*cosTheta)

	r := equatorialRadius + f.Height
	scale := b0 * math.Pow(equatorialRadius/r, 3)

	// Down component and horizontal magnitude of the dipole field.
	down := 2 * scale * cosTheta
	horizontal := scale * sinTheta

	// Bearing from the site toward the geomagnetic pole gives the horizontal
	// field direction relative to true north.
	var north, east float64
	if sinTheta < 1e-12 {
		north = horizontal // directly over a pole, direction is arbitrary
	} else {
		sinAz := math.Cos(poleLat) * math.Sin(poleLon-f.Longitude) / sinTheta
		cosAz := (math.Sin(poleLat) - math.Sin(f.Latitude)*cosTheta) /
			(math.Cos(f.Latitude) * sinTheta)
		north = horizontal * cosAz
		east = horizontal * sinAz
	}

	x, y, z := f.ToBody(north, east, down)
	return triad.New(x, y, z, triad.Teslas)
}
