// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// ErrDidNotConverge is returned when the iterative fit exhausts its
// iteration budget without the step size dropping below tolerance.
var ErrDidNotConverge = errors.New("calibration: fit did not converge")

const (
	defaultMaxFitIterations = 50
	defaultFitTolerance     = 1e-12
	initialDamping          = 1e-3
)

// NonLinearCalibrator refines an error model by damped Gauss-Newton
// iteration, weighting each axis equation by the inverse variance of its
// measurement. Besides the parameter set it reports the estimation
// covariance, the mean squared residual and the chi-square statistic.
type NonLinearCalibrator struct {
	commonAxis    bool
	knownBias     *triad.Triad
	maxIterations int
	tolerance     float64

	result     *ParameterSet
	covariance *mat.Dense
	mse        float64
	chiSq      float64
}

// NewNonLinearCalibrator returns a refiner with default iteration limits.
func NewNonLinearCalibrator() *NonLinearCalibrator {
	return &NonLinearCalibrator{
		maxIterations: defaultMaxFitIterations,
		tolerance:     defaultFitTolerance,
	}
}

// SetCommonAxisUsed pins the lower off-diagonal coupling terms to zero.
func (c *NonLinearCalibrator) SetCommonAxisUsed(used bool) { c.commonAxis = used }

// SetKnownBias fixes the bias so only the coupling matrix is refined.
func (c *NonLinearCalibrator) SetKnownBias(b triad.Triad) { c.knownBias = &b }

// ClearKnownBias reverts to estimating the bias.
func (c *NonLinearCalibrator) ClearKnownBias() { c.knownBias = nil }

// SetMaxIterations bounds the Gauss-Newton loop.
func (c *NonLinearCalibrator) SetMaxIterations(n int) error {
	if n < 1 {
		return fmt.Errorf("calibration: max iterations must be positive, got %d", n)
	}
	c.maxIterations = n
	return nil
}

// SetTolerance sets the infinity-norm step size below which the fit is
// considered converged.
func (c *NonLinearCalibrator) SetTolerance(tol float64) error {
	if tol <= 0 || math.IsInf(tol, 0) || math.IsNaN(tol) {
		return fmt.Errorf("calibration: tolerance must be positive and finite, got %v", tol)
	}
	c.tolerance = tol
	return nil
}

// MinimumRequiredMeasurements mirrors the linear solver requirement.
func (c *NonLinearCalibrator) MinimumRequiredMeasurements() int {
	if c.knownBias != nil {
		return 3
	}
	return 4
}

// Calibrate refines the model starting from seed. A nil seed starts from a
// zero model (or the known bias with zero coupling).
func (c *NonLinearCalibrator) Calibrate(ms []Measurement, expected []triad.Triad, seed *ParameterSet) error {
	c.result = nil
	c.covariance = nil
	c.mse = 0
	c.chiSq = 0
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
	biasOffset := 0
	if c.knownBias == nil {
		biasOffset = 3
	}
	params := biasOffset + len(coupling)
	rows := 3 * len(ms)

	// The model is linear in its parameters, so the Jacobian is constant
	// and equals the design matrix of the linear solver.
	jac := mat.NewDense(rows, params, nil)
	y := mat.NewVecDense(rows, nil)
	w := make([]float64, rows)
	for i := range ms {
		read := [3]float64{ms[i].Reading.X, ms[i].Reading.Y, ms[i].Reading.Z}
		exp := [3]float64{expected[i].X, expected[i].Y, expected[i].Z}
		dev := [3]float64{ms[i].StdDev.X, ms[i].StdDev.Y, ms[i].StdDev.Z}
		for axis := 0; axis < 3; axis++ {
			row := 3*i + axis
			rhs := read[axis] - exp[axis]
			if c.knownBias != nil {
				rhs -= c.knownBias.Component(axis)
			} else {
				jac.Set(row, axis, 1)
			}
			for j, idx := range coupling {
				if idx[0] == axis {
					jac.Set(row, biasOffset+j, exp[idx[1]])
				}
			}
			y.SetVec(row, rhs)
			w[row] = 1
			if dev[axis] > 0 {
				w[row] = 1 / (dev[axis] * dev[axis])
			}
		}
	}

	theta := c.pack(seed, coupling, biasOffset, params)
	normal, grad := weightedNormal(jac, y, w, theta)
	cost := weightedCost(jac, y, w, theta)

	lambda := initialDamping
	converged := false
	for iter := 0; iter < c.maxIterations; iter++ {
		damped := mat.NewDense(params, params, nil)
		damped.Copy(normal)
		for k := 0; k < params; k++ {
			d := normal.At(k, k)
			if d == 0 {
				d = 1
			}
			damped.Set(k, k, normal.At(k, k)+lambda*d)
		}
		var step mat.VecDense
		if err := step.SolveVec(damped, grad); err != nil {
			return fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
		}
		trial := mat.NewVecDense(params, nil)
		trial.AddVec(theta, &step)
		trialCost := weightedCost(jac, y, w, trial)
		if trialCost <= cost {
			theta = trial
			cost = trialCost
			lambda = math.Max(lambda/10, 1e-12)
			normal, grad = weightedNormal(jac, y, w, theta)
			if vecInfNorm(&step) < c.tolerance {
				converged = true
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				// Stalled. The step can no longer improve the fit.
				converged = true
				break
			}
		}
	}
	if !converged {
		return ErrDidNotConverge
	}

	bias := triad.Triad{}
	if c.knownBias != nil {
		bias = *c.knownBias
	} else {
		var err error
		bias, err = triad.New(theta.AtVec(0), theta.AtVec(1), theta.AtVec(2), unit)
		if err != nil {
			return err
		}
	}
	m := mat.NewDense(3, 3, nil)
	for j, idx := range coupling {
		m.Set(idx[0], idx[1], theta.AtVec(biasOffset+j))
	}
	p, err := NewParameterSet(bias, m, c.commonAxis)
	if err != nil {
		return err
	}

	// Residual statistics at the solution.
	var sumSq, chi float64
	r := residualVec(jac, y, theta)
	for row := 0; row < rows; row++ {
		v := r.AtVec(row)
		sumSq += v * v
		chi += w[row] * v * v
	}
	dof := rows - params
	if dof < 1 {
		dof = 1
	}
	c.mse = sumSq / float64(dof)
	c.chiSq = chi

	var cov mat.Dense
	if err := cov.Inverse(normal); err == nil {
		c.covariance = &cov
	}
	c.result = p
	return nil
}

func (c *NonLinearCalibrator) pack(seed *ParameterSet, coupling [][2]int, biasOffset, params int) *mat.VecDense {
	theta := mat.NewVecDense(params, nil)
	if seed == nil {
		return theta
	}
	if biasOffset == 3 {
		theta.SetVec(0, seed.Bias.X)
		theta.SetVec(1, seed.Bias.Y)
		theta.SetVec(2, seed.Bias.Z)
	}
	m := seed.CrossCoupling()
	for j, idx := range coupling {
		theta.SetVec(biasOffset+j, m.At(idx[0], idx[1]))
	}
	return theta
}

// EstimatedParameterSet returns the last successful fit, or nil.
func (c *NonLinearCalibrator) EstimatedParameterSet() *ParameterSet { return c.result }

// Covariance returns the parameter covariance, the inverse of the weighted
// normal matrix, or nil if it could not be inverted.
func (c *NonLinearCalibrator) Covariance() *mat.Dense { return c.covariance }

// Mse returns the mean squared residual per degree of freedom.
func (c *NonLinearCalibrator) Mse() float64 { return c.mse }

// ChiSq returns the sum of variance-weighted squared residuals.
func (c *NonLinearCalibrator) ChiSq() float64 { return c.chiSq }

func residualVec(jac *mat.Dense, y *mat.VecDense, theta *mat.VecDense) *mat.VecDense {
	rows, _ := jac.Dims()
	r := mat.NewVecDense(rows, nil)
	r.MulVec(jac, theta)
	r.SubVec(y, r)
	return r
}

func weightedCost(jac *mat.Dense, y *mat.VecDense, w []float64, theta *mat.VecDense) float64 {
	r := residualVec(jac, y, theta)
	var cost float64
	for i := 0; i < r.Len(); i++ {
		v := r.AtVec(i)
		cost += w[i] * v * v
	}
	return cost
}

// weightedNormal computes J'WJ and the gradient J'Wr at theta.
func weightedNormal(jac *mat.Dense, y *mat.VecDense, w []float64, theta *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	rows, params := jac.Dims()
	wj := mat.NewDense(rows, params, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < params; j++ {
			wj.Set(i, j, w[i]*jac.At(i, j))
		}
	}
	normal := mat.NewDense(params, params, nil)
	normal.Mul(jac.T(), wj)

	r := residualVec(jac, y, theta)
	wr := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		wr.SetVec(i, w[i]*r.AtVec(i))
	}
	grad := mat.NewVecDense(params, nil)
	grad.MulVec(jac.T(), wr)
	return normal, grad
}

func vecInfNorm(v *mat.VecDense) float64 {
	var m float64
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > m {
			m = a
		}
	}
	return m
}
