// Package initialconditions builds the initial per-subpop,
// per-compartment population vector the integrator starts from, gempyor's
// draw_ic step. Three modes mirror the original: explicit (read directly
// from config/CSV), proportional (a fractional split applied to each
// subpop's total population), and "first compartment" (the entire
// population placed in one default compartment, e.g. all-susceptible).
package initialconditions

import (
	"fmt"

	"github.com/flepigo/flepigo/flepierrs"
)

// Vector is the initial condition: Values[subpop][compartment].
type Vector struct {
	Values [][]float64
}

// AllIn places each subpop's full population into defaultCompartment, the
// common "start everyone susceptible" case.
func AllIn(population []float64, numCompartments, defaultCompartment int) (*Vector, error) {
	if defaultCompartment < 0 || defaultCompartment >= numCompartments {
		return nil, flepierrs.NewValidationError("initialconditions", fmt.Errorf(
			"default compartment %d out of range [0,%d)", defaultCompartment, numCompartments))
	}
	v := &Vector{Values: make([][]float64, len(population))}
	for sp, pop := range population {
		row := make([]float64, numCompartments)
		row[defaultCompartment] = pop
		v.Values[sp] = row
	}
	return v, nil
}

// Proportional splits each subpop's population across compartments per
// fractions (must sum to ~1, validated within a 1e-6 tolerance), the same
// fractions applied to every subpop.
func Proportional(population []float64, fractions []float64) (*Vector, error) {
	sum := 0.0
	for _, f := range fractions {
		sum += f
	}
	if sum < 1-1e-6 || sum > 1+1e-6 {
		return nil, flepierrs.NewValidationError("initialconditions", fmt.Errorf(
			"compartment fractions sum to %v, expected 1.0", sum))
	}
	v := &Vector{Values: make([][]float64, len(population))}
	for sp, pop := range population {
		row := make([]float64, len(fractions))
		for c, f := range fractions {
			row[c] = pop * f
		}
		v.Values[sp] = row
	}
	return v, nil
}

// Explicit validates and wraps an already-built values matrix (e.g.
// parsed from a CSV by the caller), checking it is rectangular and
// dimensioned subpops x compartments.
func Explicit(values [][]float64, numSubpops, numCompartments int) (*Vector, error) {
	if len(values) != numSubpops {
		return nil, flepierrs.NewValidationError("initialconditions", fmt.Errorf(
			"initial conditions has %d subpop rows, expected %d", len(values), numSubpops))
	}
	for i, row := range values {
		if len(row) != numCompartments {
			return nil, flepierrs.NewValidationError("initialconditions", fmt.Errorf(
				"initial conditions row %d has %d compartments, expected %d", i, len(row), numCompartments))
		}
	}
	return &Vector{Values: values}, nil
}

// Total returns the sum across compartments for subpop sp, used by the
// integrator's conservation check to establish the starting mass.
func (v *Vector) Total(sp int) float64 {
	t := 0.0
	for _, x := range v.Values[sp] {
		t += x
	}
	return t
}
