// Package sample defines the triad sample as it travels between producers
// and consumers, over MQTT and in CSV recordings.
package sample

import (
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// Sample represents a single timestamped sensor sample suitable for JSON
// and MQTT.
type Sample struct {
	Seq         uint64  `json:"seq"`
	TimestampMs int64   `json:"ts_ms"` // milliseconds since epoch
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Unit        string  `json:"unit"` // e.g. "m/s^2", "uT"
}

// Source yields samples one at a time until an error, typically io.EOF for
// file-backed sources.
type Source interface {
	Next() (Sample, error)
}

// Triad converts the sample payload into a unit-tagged triad.
func (s Sample) Triad() (triad.Triad, error) {
	return triad.New(s.X, s.Y, s.Z, triad.Unit(s.Unit))
}

// FromTriad wraps a triad for the wire.
func FromTriad(t triad.Triad, seq uint64, tsMs int64) Sample {
	return Sample{
		Seq:         seq,
		TimestampMs: tsMs,
		X:           t.X,
		Y:           t.Y,
		Z:           t.Z,
		Unit:        string(t.Unit()),
	}
}
