// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"time"

	"github.com/relabs-tech/inertial_calibrator/internal/calibration"
)

// StatusEvent mirrors the interval detector state for MQTT consumers such
// as the monitor and the display.
type StatusEvent struct {
	Status             string  `json:"status"`
	Reason             string  `json:"reason,omitempty"`
	Samples            uint64  `json:"samples"`
	BaseNoiseLevel     float64 `json:"base_noise_level"`
	Threshold          float64 `json:"threshold"`
	InstantaneousNoise float64 `json:"instantaneous_noise"`
	AccumulatedNoise   float64 `json:"accumulated_noise"`
	Intervals          int     `json:"intervals"` // completed static intervals
}

// ResultReport is the calibration outcome as written to disk and published
// over MQTT.
type ResultReport struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Unit      string    `json:"unit"`

	Bias          [3]float64 `json:"bias"`
	CrossCoupling [9]float64 `json:"cross_coupling"` // row-major
	ScaleFactors  [3]float64 `json:"scale_factors"`

	Mse            float64   `json:"mse"`
	ChiSq          float64   `json:"chi_sq"`
	CovarianceDiag []float64 `json:"covariance_diag,omitempty"`

	Measurements int   `json:"measurements"`
	Inliers      []int `json:"inliers"`
}

// newResultReport snapshots a finished engine run.
func newResultReport(engine *calibration.RobustCalibrator) ResultReport {
	p := engine.EstimatedParameterSet()
	r := ResultReport{
		Version:      1,
		Timestamp:    time.Now(),
		Method:       engine.Method().String(),
		Unit:         string(p.Bias.Unit()),
		Bias:         [3]float64{p.Bias.X, p.Bias.Y, p.Bias.Z},
		Mse:          engine.Mse(),
		ChiSq:        engine.ChiSq(),
		Measurements: engine.Measurements(),
	}
	m := p.CrossCoupling()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r.CrossCoupling[3*row+col] = m.At(row, col)
		}
	}
	r.ScaleFactors[0], r.ScaleFactors[1], r.ScaleFactors[2] = p.ScaleFactors()
	if in := engine.Inliers(); in != nil {
		r.Inliers = in.Indices()
	}
	if cov := engine.Covariance(); cov != nil {
		n, _ := cov.Dims()
		r.CovarianceDiag = make([]float64, n)
		for i := 0; i < n; i++ {
			r.CovarianceDiag[i] = cov.At(i, i)
		}
	}
	return r
}
