// Package seir implements the stochastic (or deterministic) compartmental
// integrator: given a compiled transition graph, a resolved parameter
// tensor, mobility-linked subpopulations, an initial condition and a set
// of seeding events, it advances the system day by day, sub-stepping
// within each day, and records prevalence/incidence into a flat
// trajectory tensor. The integrator itself never spawns goroutines —
// parallelism belongs to the ensemble layer (package calibrate), not
// here — and checks for cancellation once per simulated day.
package seir

import (
	"context"
	"fmt"
	"math"

	"github.com/valyala/fastrand"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/fplog"
	"github.com/flepigo/flepigo/initialconditions"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/seeding"
	"github.com/flepigo/flepigo/subpop"
)

// ConservationTolerance is the maximum per-subpop absolute drift from the
// starting total population tolerated at the end of any simulated day.
const ConservationTolerance = 1e-3

// Options configures one integration run.
type Options struct {
	// Stochastic selects binomial draws per sub-step; if false, rates
	// apply deterministically (rate * dt * population).
	Stochastic bool
	// StepsPerDay is the number of sub-daily integration steps, gempyor's
	// default of 4 quarter-day steps unless overridden.
	StepsPerDay int
	SimID       int
	Logger      *fplog.Logger
}

// Trajectory is the dense (2,D,C,N) state history: index 0 is prevalence
// (end-of-day compartment occupancy), index 1 is incidence (new arrivals
// into that compartment during the day), stored flat per the arena
// convention the rest of flepigo follows.
type Trajectory struct {
	D, C, N int
	Data    []float64
}

func newTrajectory(d, c, n int) *Trajectory {
	return &Trajectory{D: d, C: c, N: n, Data: make([]float64, 2*d*c*n)}
}

func (t *Trajectory) idx(kind, day, comp, sp int) int {
	return ((kind*t.D+day)*t.C+comp)*t.N + sp
}

// Prevalence returns the end-of-day occupancy of compartment comp in
// subpop sp on day.
func (t *Trajectory) Prevalence(day, comp, sp int) float64 { return t.Data[t.idx(0, day, comp, sp)] }

// Incidence returns the new arrivals into compartment comp in subpop sp
// during day.
func (t *Trajectory) Incidence(day, comp, sp int) float64 { return t.Data[t.idx(1, day, comp, sp)] }

func (t *Trajectory) setPrevalence(day, comp, sp int, v float64) {
	t.Data[t.idx(0, day, comp, sp)] = v
}
func (t *Trajectory) addIncidence(day, comp, sp int, v float64) {
	t.Data[t.idx(1, day, comp, sp)] += v
}

// Integrate runs the full simulation and returns its trajectory. ctx is
// checked for cancellation once per simulated day; a cancelled context
// yields a *flepierrs.Cancelled rather than a partial trajectory.
func Integrate(
	ctx context.Context,
	compiled *compartments.Compiled,
	paramTensor *parameters.Tensor,
	paramIndex map[string]int,
	subpops *subpop.Structure,
	ic *initialconditions.Vector,
	seedsByDay map[int][]seeding.Event,
	src rand.Source,
	opts Options,
) (*Trajectory, error) {
	d := paramTensor.D
	c := compiled.NumCompartments()
	n := subpops.N()
	steps := opts.StepsPerDay
	if steps <= 0 {
		steps = 4
	}

	traj := newTrajectory(d, c, n)
	state := make([][]float64, n)
	startTotal := make([]float64, n)
	for sp := 0; sp < n; sp++ {
		state[sp] = append([]float64(nil), ic.Values[sp]...)
		for _, v := range state[sp] {
			startTotal[sp] += v
		}
	}

	dt := 1.0 / float64(steps)
	binom := distuv.Binomial{Src: src}
	var coin fastrand.RNG

	for day := 0; day < d; day++ {
		if err := ctx.Err(); err != nil {
			return nil, flepierrs.NewCancelled(opts.SimID, day)
		}
		for _, ev := range seedsByDay[day] {
			applySeedEvent(state, ev, traj, day)
		}

		for step := 0; step < steps; step++ {
			flows := make([][]float64, n)
			for sp := range flows {
				flows[sp] = make([]float64, len(compiled.Transitions))
			}
			for sp := 0; sp < n; sp++ {
				pop := subpops.Population[sp]
				if pop <= 0 {
					continue
				}
				for ti, tr := range compiled.Transitions {
					rate := tr.RateExpr.Eval(func(name string) float64 {
						pi, ok := paramIndex[name]
						if !ok {
							return 0
						}
						return paramTensor.At(pi, day, sp)
					})
					if math.IsNaN(rate) || math.IsInf(rate, 0) {
						return nil, flepierrs.NewIntegrationError(opts.SimID, day,
							fmt.Errorf("transition %d has non-finite rate %v in subpop %d", ti, rate, sp))
					}
					proportion := mixProportion(subpops, state, sp, tr.ProportionalTo)
					if tr.ProportionExponent != 1.0 {
						proportion = math.Pow(proportion, tr.ProportionExponent)
					}
					effectiveRate := rate * proportion
					source := state[sp][tr.From]
					expected := effectiveRate * source * dt
					if expected < 0 {
						expected = 0
					}
					var moved float64
					if opts.Stochastic {
						p := expected / math.Max(source, 1e-12)
						if p > 1 {
							if coin.Uint32n(2) == 0 {
								p = 1
							} else {
								p = 0.999999
							}
						}
						if p < 0 {
							p = 0
						}
						binom.N = source
						binom.P = p
						moved = binom.Rand()
					} else {
						moved = math.Min(expected, source)
					}
					flows[sp][ti] = moved
				}
			}
			for sp := 0; sp < n; sp++ {
				for ti, tr := range compiled.Transitions {
					m := flows[sp][ti]
					state[sp][tr.From] -= m
					state[sp][tr.To] += m
					traj.addIncidence(day, tr.To, sp, m)
				}
			}
		}

		for sp := 0; sp < n; sp++ {
			total := 0.0
			for comp := 0; comp < c; comp++ {
				if state[sp][comp] < 0 {
					return nil, flepierrs.NewIntegrationError(opts.SimID, day,
						negativeCompartmentError{compartment: compiled.UniqueStrings[comp], subpop: sp, value: state[sp][comp]})
				}
				total += state[sp][comp]
				traj.setPrevalence(day, comp, sp, state[sp][comp])
			}
			if math.Abs(total-startTotal[sp]) > ConservationTolerance {
				return nil, flepierrs.NewIntegrationError(opts.SimID, day,
					conservationError{subpop: sp, expected: startTotal[sp], got: total})
			}
		}
		if opts.Logger != nil {
			opts.Logger.Day(day, "integrated day")
		}
	}
	return traj, nil
}

// mixProportion computes the normalized exposure fraction driving a
// transition: for a transition with no proportional_to compartments
// (e.g. a simple I->R recovery) the rate applies directly, so this
// returns 1.0. For a transition proportional to other compartments (e.g.
// S->E driven by I), it returns the mobility-weighted fraction of those
// compartments relative to population, gempyor's M*x + diag*x mixing: the
// subpop's own (staying) share plus the inflow share contributed by every
// other subpop it exchanges population with. With no mobility matrix this
// degenerates to the subpop's own local fraction.
func mixProportion(s *subpop.Structure, state [][]float64, sp int, proportionalTo []int) float64 {
	if len(proportionalTo) == 0 {
		return 1.0
	}
	pop := s.Population[sp]
	if pop <= 0 {
		return 0
	}
	ownShare := 0.0
	for _, pc := range proportionalTo {
		ownShare += state[sp][pc]
	}
	ownShare /= pop

	if s.Mobility == nil {
		return ownShare
	}
	staying := s.StayingFraction(sp)
	mixed := staying * ownShare
	for other := 0; other < s.N(); other++ {
		if other == sp {
			continue
		}
		inflow := s.Mobility.At(other, sp)
		if inflow <= 0 {
			continue
		}
		otherPop := s.Population[other]
		if otherPop <= 0 {
			continue
		}
		otherShare := 0.0
		for _, pc := range proportionalTo {
			otherShare += state[other][pc]
		}
		otherShare /= otherPop
		mixed += (inflow / pop) * otherShare
	}
	return mixed
}

func applySeedEvent(state [][]float64, ev seeding.Event, traj *Trajectory, day int) {
	amount := math.Min(ev.Amount, state[ev.Subpop][ev.SourceCompartment])
	state[ev.Subpop][ev.SourceCompartment] -= amount
	state[ev.Subpop][ev.DestCompartment] += amount
	traj.addIncidence(day, ev.DestCompartment, ev.Subpop, amount)
}

type negativeCompartmentError struct {
	compartment string
	subpop      int
	value       float64
}

func (e negativeCompartmentError) Error() string {
	return "compartment " + e.compartment + " went negative in subpop"
}

type conservationError struct {
	subpop         int
	expected, got float64
}

func (e conservationError) Error() string {
	return "population conservation violated"
}
