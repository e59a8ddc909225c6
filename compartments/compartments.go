// Package compartments compiles the declarative compartment and
// transition lists from configuration into the dense, index-addressed
// arrays the integrator consumes: no compartment or transition is ever
// referenced by name again once compiled, only by integer offset into
// UniqueStrings (the arena-tensor design the rest of flepigo follows).
package compartments

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/flepigo/flepigo/flepierrs"
)

// Spec is one compartment axis as declared in configuration, e.g.
// {name: infection_stage, values: [S, E, I, R]}.
type Spec struct {
	Name   string
	Values []string
}

// TransitionSpec is one declared transition: a "from" and "to"
// compartment (each expressed as a tuple of axis values, one per Spec, in
// the same order as Specs), a rate expression, and the proportional_to
// grouping that determines how the rate is normalized against the source
// population.
type TransitionSpec struct {
	From           []string
	To             []string
	Rate           string
	ProportionalTo [][]string
	// ProportionExponent is the power the combined proportional
	// population is raised to along the infection_stage axis before
	// scaling the rate (spec.md §3/§4.F/§4.H). Zero means "not
	// configured" and is resolved to the default of 1.0 in Compile.
	ProportionExponent float64
}

// Compiled is the dense compiled form: every compartment is a row in X
// (its axis-value indices, one per axis); Transitions and Q describe, per
// transition, which compartments it reads/writes and how its rate is
// normalized.
type Compiled struct {
	Specs         []Spec
	UniqueStrings []string
	// X[c] gives compartment c's index along each axis, into Specs[a].Values.
	X [][]int
	// Transitions, in declaration order.
	Transitions []CompiledTransition
	// Q parallels Transitions: Q[i] describes how transition i's
	// proportional population block is combined, spec.md §3's
	// "Proportion info" (currently just the infection_stage exponent).
	Q []ProportionInfo
}

// ProportionInfo is the per-transition combination metadata for a
// proportion block: the exponent the combined proportional population is
// raised to over the infection_stage axis (1.0 when proportion_exponent
// was not configured for that transition).
type ProportionInfo struct {
	Exponent float64
}

// CompiledTransition is one transition resolved to compartment indices.
type CompiledTransition struct {
	From           int
	To             int
	RateExpr       RateExpr
	ProportionalTo []int // compartment indices contributing to the normalizing denominator
	// ProportionExponent is the resolved (default-filled) exponent also
	// recorded in the parallel Q slice; kept here too so seir can read it
	// directly off the transition without indexing Q.
	ProportionExponent float64
}

// Compile cross-products the compartment Specs into the full set of
// compartments and resolves every TransitionSpec's from/to/
// proportional_to compartment tuples to integer indices, parsing each
// rate expression along the way. Returns a ValidationError naming the
// first unresolvable compartment reference.
func Compile(specs []Spec, transitions []TransitionSpec) (*Compiled, error) {
	axes := make([][]string, len(specs))
	for i, s := range specs {
		axes[i] = s.Values
	}
	combos := crossProduct(axes)
	x := make([][]int, len(combos))
	strs := make([]string, len(combos))
	index := make(map[string]int, len(combos))
	for i, combo := range combos {
		idxs := make([]int, len(combo))
		for a, v := range combo {
			idxs[a] = indexOf(specs[a].Values, v)
		}
		x[i] = idxs
		key := strings.Join(combo, "_")
		strs[i] = key
		index[key] = i
	}

	compiled := &Compiled{Specs: specs, UniqueStrings: strs, X: x}
	for _, t := range transitions {
		fromIdx, ok := index[strings.Join(t.From, "_")]
		if !ok {
			return nil, flepierrs.NewValidationError("compartments",
				fmt.Errorf("transition references unknown source compartment %v", t.From))
		}
		toIdx, ok := index[strings.Join(t.To, "_")]
		if !ok {
			return nil, flepierrs.NewValidationError("compartments",
				fmt.Errorf("transition references unknown destination compartment %v", t.To))
		}
		propIdx := make([]int, 0, len(t.ProportionalTo))
		for _, p := range t.ProportionalTo {
			idx, ok := index[strings.Join(p, "_")]
			if !ok {
				return nil, flepierrs.NewValidationError("compartments",
					fmt.Errorf("transition references unknown proportional_to compartment %v", p))
			}
			propIdx = append(propIdx, idx)
		}
		expr, err := ParseRate(t.Rate)
		if err != nil {
			return nil, flepierrs.NewValidationError("compartments", err)
		}
		exponent := t.ProportionExponent
		if exponent == 0 {
			exponent = 1.0
		}
		compiled.Transitions = append(compiled.Transitions, CompiledTransition{
			From: fromIdx, To: toIdx, RateExpr: expr, ProportionalTo: propIdx,
			ProportionExponent: exponent,
		})
		compiled.Q = append(compiled.Q, ProportionInfo{Exponent: exponent})
	}
	return compiled, nil
}

// NumCompartments returns the number of compiled compartments, C in the
// spec's (2,D,C,N) trajectory shape.
func (c *Compiled) NumCompartments() int { return len(c.X) }

// IndexOf returns the compartment index whose joined name_tuple (the
// UniqueStrings entry, axis values joined with "_") equals name, or -1 if
// absent.
func (c *Compiled) IndexOf(name string) int {
	for i, s := range c.UniqueStrings {
		if s == name {
			return i
		}
	}
	return -1
}

func crossProduct(axes [][]string) [][]string {
	if len(axes) == 0 {
		return nil
	}
	result := [][]string{{}}
	for _, axis := range axes {
		var next [][]string
		for _, prefix := range result {
			for _, v := range axis {
				combo := append(append([]string{}, prefix...), v)
				next = append(next, combo)
			}
		}
		result = next
	}
	sort.SliceStable(result, func(i, j int) bool {
		return strings.Join(result[i], "_") < strings.Join(result[j], "_")
	})
	return result
}

func indexOf(values []string, v string) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

// RateExpr is a parsed rate expression: a product of
// named parameter references and numeric literals, e.g. "beta * gamma"
// or "2 * sigma".
type RateExpr struct {
	Factors []Factor
}

// Factor is one multiplicative term in a RateExpr.
type Factor struct {
	ParamName string  // empty if this factor is a literal
	Literal   float64 // only meaningful if ParamName == ""
}

// ParseRate parses a small multiplicative grammar: identifiers (parameter
// names) and numeric literals joined by '*'. This is deliberately not a
// general expression language; gempyor's own rate expressions never use
// anything else.
func ParseRate(expr string) (RateExpr, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(expr))
	s.Mode = scanner.ScanIdents | scanner.ScanFloats | scanner.ScanInts
	var factors []Factor
	expectFactor := true
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		text := s.TokenText()
		switch {
		case text == "*":
			if expectFactor {
				return RateExpr{}, fmt.Errorf("unexpected '*' in rate expression %q", expr)
			}
			expectFactor = true
		case !expectFactor:
			return RateExpr{}, fmt.Errorf("expected '*' before %q in rate expression %q", text, expr)
		default:
			if f, err := strconv.ParseFloat(text, 64); err == nil {
				factors = append(factors, Factor{Literal: f})
			} else {
				factors = append(factors, Factor{ParamName: text})
			}
			expectFactor = false
		}
	}
	if expectFactor {
		return RateExpr{}, fmt.Errorf("rate expression %q ends with an operator", expr)
	}
	if len(factors) == 0 {
		return RateExpr{}, fmt.Errorf("empty rate expression")
	}
	return RateExpr{Factors: factors}, nil
}

// Eval evaluates the expression given a lookup from parameter name to its
// current value (already resolved for the day/subpop in question).
func (r RateExpr) Eval(paramValue func(name string) float64) float64 {
	v := 1.0
	for _, f := range r.Factors {
		if f.ParamName == "" {
			v *= f.Literal
		} else {
			v *= paramValue(f.ParamName)
		}
	}
	return v
}
