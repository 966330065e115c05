// Package frame provides the reference frame attached to each calibration
// measurement: where the sensor was, how fast it moved and how its body axes
// were oriented relative to the local north-east-down frame.
package frame

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Frame is an immutable position + velocity + orientation snapshot.
// Angles are in radians, position is geodetic, velocity is NED in m/s.
type Frame struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Height    float64 `json:"height_m"`

	Vn float64 `json:"vn"`
	Ve float64 `json:"ve"`
	Vd float64 `json:"vd"`

	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// RotationMatrix returns the body-to-NED direction cosine matrix built from
// the yaw-pitch-roll Euler sequence.
func (f Frame) RotationMatrix() *mat.Dense {
	sr, cr := math.Sincos(f.Roll)
	sp, cp := math.Sincos(f.Pitch)
	sy, cy := math.Sincos(f.Yaw)

	return mat.NewDense(3, 3, []float64{
		cp * cy, sr*sp*cy - cr*sy, cr*sp*cy + sr*sy,
		cp * sy, sr*sp*sy + cr*cy, cr*sp*sy - sr*cy,
		-sp, sr * cp, cr * cp,
	})
}

// InverseRotationMatrix returns the NED-to-body rotation, the transpose of
// RotationMatrix.
func (f Frame) InverseRotationMatrix() *mat.Dense {
	r := f.RotationMatrix()
	var inv mat.Dense
	inv.CloneFrom(r.T())
	return &inv
}

// ToBody rotates a NED vector into body axes.
func (f Frame) ToBody(n, e, d float64) (x, y, z float64) {
	r := f.RotationMatrix()
	// v_b = C^T v_n, written out to avoid allocating for a 3-vector.
	x = r.At(0, 0)*n + r.At(1, 0)*e + r.At(2, 0)*d
	y = r.At(0, 1)*n + r.At(1, 1)*e + r.At(2, 1)*d
	z = r.At(0, 2)*n + r.At(1, 2)*e + r.At(2, 2)*d
	return x, y, z
}

// DecimalYear converts a timestamp into fractional years, the time input of
// the geomagnetic field model.
func DecimalYear(t time.Time) float64 {
	t = t.UTC()
	yearStart := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	nextYear := time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	frac := float64(t.Sub(yearStart)) / float64(nextYear.Sub(yearStart))
	return float64(t.Year()) + frac
}
