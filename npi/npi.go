// Package npi implements the modifier algebra: single-period and
// multi-period non-pharmaceutical-intervention modifiers, and the
// stacking of several modifiers onto the same parameter. Each modifier
// stores, per subpop and day, a sampled reduction value defaulting to 0
// (no effect) outside its window; Reduce folds that grid into a
// parameters.Tensor according to the target parameter's
// stacked_modifier_method.
package npi

import (
	"fmt"
	"strings"

	"github.com/exascience/pargo/parallel"
	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/distribution"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/parameters"
)

// Window is one [StartDay, EndDay] span, inclusive, in day-grid offsets.
type Window struct {
	StartDay, EndDay int
}

func (w Window) contains(day int) bool {
	return day >= w.StartDay && day <= w.EndDay
}

// SpatialGroups partitions a modifier's affected subpops into those drawn
// independently ("ungrouped") and those sharing one draw per declared
// group, gempyor's spatial_groups config key.
type SpatialGroups struct {
	Ungrouped []int   // subpop indices drawn independently
	Groups    [][]int // each inner slice is one group's member subpop indices, sharing a single draw
}

// Modifier is the common interface implemented by SinglePeriod,
// MultiPeriod and Stacked, satisfying parameters.Reducer so the parameter
// engine can fold any of them into a Tensor uniformly.
type Modifier interface {
	parameters.Reducer
	// ParamName is the (normalized) parameter this modifier targets.
	ParamName() string
	// Name is the modifier's own config-declared name, used to match
	// rows when restoring from a persisted snpi table.
	Name() string
}

func normalizeParamName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// grid is the shared per-(day,subpop) value storage used by both
// SinglePeriod and MultiPeriod.
type grid struct {
	numDays, numSubpops int
	values              []float64 // flat, row-major (day, subpop)
}

func newGrid(numDays, numSubpops int) grid {
	return grid{numDays: numDays, numSubpops: numSubpops, values: make([]float64, numDays*numSubpops)}
}

func (g *grid) at(day, subpop int) float64 { return g.values[day*g.numSubpops+subpop] }
func (g *grid) set(day, subpop int, v float64) {
	g.values[day*g.numSubpops+subpop] = v
}

// SinglePeriod is a modifier active over exactly one [start,end] window
// per affected subpop (possibly different windows per subpop), gempyor's
// SinglePeriodModifier.
type SinglePeriod struct {
	name      string
	paramName string
	grid      grid
}

// NewSinglePeriod draws a SinglePeriod modifier for the given affected
// subpops, windows (one per affected subpop, same length/order as
// affectedSubpops), and groups. dist is the distribution each independent
// draw samples from. numDays/numSubpops size the backing grid.
func NewSinglePeriod(
	name, paramName string,
	numDays, numSubpops int,
	affectedSubpops []int,
	windows []Window,
	groups SpatialGroups,
	dist distribution.Sampler,
	src rand.Source,
) (*SinglePeriod, error) {
	if len(affectedSubpops) != len(windows) {
		return nil, flepierrs.NewValidationError("npi", fmt.Errorf(
			"modifier %s: %d affected subpops but %d windows", name, len(affectedSubpops), len(windows)))
	}
	m := &SinglePeriod{name: name, paramName: normalizeParamName(paramName), grid: newGrid(numDays, numSubpops)}

	windowBySubpop := make(map[int]Window, len(affectedSubpops))
	for i, sp := range affectedSubpops {
		windowBySubpop[sp] = windows[i]
	}

	fill := func(members []int, v float64) {
		for _, sp := range members {
			w, ok := windowBySubpop[sp]
			if !ok {
				continue
			}
			for d := w.StartDay; d <= w.EndDay && d < numDays; d++ {
				if d >= 0 {
					m.grid.set(d, sp, v)
				}
			}
		}
	}
	draw := func(members []int) { fill(members, dist.Draw(src)) }

	if len(groups.Groups) > 32 {
		// Large group counts draw every value in order from src first,
		// then fan the independent grid writes out across workers,
		// mirroring the teacher's own parallel.Range use.
		values := make([]float64, len(groups.Groups))
		for i := range values {
			values[i] = dist.Draw(src)
		}
		parallel.Range(0, len(groups.Groups), func(low, high int) {
			for i := low; i < high; i++ {
				fill(groups.Groups[i], values[i])
			}
		})
	} else {
		for _, group := range groups.Groups {
			draw(group)
		}
	}
	for _, sp := range groups.Ungrouped {
		draw([]int{sp})
	}
	return m, nil
}

// RestoreSinglePeriod rebuilds a SinglePeriod modifier from a persisted
// snpi row's per-subpop values instead of drawing, re-reading the window
// dates from the live configuration (gempyor's __createFromDf: dates
// always come from the current scenario, values from the ensemble
// sample). Subpops present in affectedSubpops but absent from loaded is
// left at the grid's zero default rather than drawn fresh, matching the
// original's current (unresolved) behavior.
func RestoreSinglePeriod(
	name, paramName string,
	numDays, numSubpops int,
	affectedSubpops []int,
	windows []Window,
	loaded map[int]float64,
) *SinglePeriod {
	m := &SinglePeriod{name: name, paramName: normalizeParamName(paramName), grid: newGrid(numDays, numSubpops)}
	for i, sp := range affectedSubpops {
		v, ok := loaded[sp]
		if !ok {
			continue
		}
		w := windows[i]
		for d := w.StartDay; d <= w.EndDay && d < numDays; d++ {
			if d >= 0 {
				m.grid.set(d, sp, v)
			}
		}
	}
	return m
}

func (m *SinglePeriod) Name() string      { return m.name }
func (m *SinglePeriod) ParamName() string { return m.paramName }

// Reduce folds this modifier's grid into t's row for paramIndex according
// to method.
func (m *SinglePeriod) Reduce(t *parameters.Tensor, paramIndex int, method string) error {
	return reduceGrid(&m.grid, t, paramIndex, method)
}

// ValueAt returns the raw sampled/restored value at (day, subpop), 0 if
// the cell falls outside every window.
func (m *SinglePeriod) ValueAt(day, subpop int) float64 { return m.grid.at(day, subpop) }

// MultiPeriod is a modifier active over several disjoint windows sharing
// one draw, gempyor's MultiPeriodModifier.
type MultiPeriod struct {
	name      string
	paramName string
	grid      grid
}

// NewMultiPeriod draws one value per affected subpop (or shared per
// group, per groups) and applies it across every window in windows.
// windows targeting the same (subpop, param) must not overlap, per
// spec.md §4.E.
func NewMultiPeriod(
	name, paramName string,
	numDays, numSubpops int,
	affectedSubpops []int,
	windows []Window,
	groups SpatialGroups,
	dist distribution.Sampler,
	src rand.Source,
) (*MultiPeriod, error) {
	if err := checkNoOverlap(name, windows); err != nil {
		return nil, err
	}
	m := &MultiPeriod{name: name, paramName: normalizeParamName(paramName), grid: newGrid(numDays, numSubpops)}
	apply := func(sp int, v float64) {
		for _, w := range windows {
			for d := w.StartDay; d <= w.EndDay && d < numDays; d++ {
				if d >= 0 {
					m.grid.set(d, sp, v)
				}
			}
		}
	}
	for _, group := range groups.Groups {
		v := dist.Draw(src)
		for _, sp := range group {
			apply(sp, v)
		}
	}
	for _, sp := range groups.Ungrouped {
		apply(sp, dist.Draw(src))
	}
	_ = affectedSubpops // retained for symmetry with SinglePeriod's signature and future validation
	return m, nil
}

// checkNoOverlap rejects any pair of windows in windows that share a day,
// since every window in a MultiPeriodModifier applies to the same
// (subpop, param) pair (spec.md §4.E: "Window overlap on the same
// (subpop, param) is rejected").
func checkNoOverlap(name string, windows []Window) error {
	for i := 0; i < len(windows); i++ {
		for j := i + 1; j < len(windows); j++ {
			a, b := windows[i], windows[j]
			if a.StartDay <= b.EndDay && b.StartDay <= a.EndDay {
				return flepierrs.NewValidationError("npi", fmt.Errorf(
					"modifier %s: periods [%d,%d] and [%d,%d] overlap",
					name, a.StartDay, a.EndDay, b.StartDay, b.EndDay))
			}
		}
	}
	return nil
}

func (m *MultiPeriod) Name() string      { return m.name }
func (m *MultiPeriod) ParamName() string { return m.paramName }

func (m *MultiPeriod) Reduce(t *parameters.Tensor, paramIndex int, method string) error {
	return reduceGrid(&m.grid, t, paramIndex, method)
}

// ValueAt returns the raw sampled value at (day, subpop), 0 outside every
// window.
func (m *MultiPeriod) ValueAt(day, subpop int) float64 { return m.grid.at(day, subpop) }

// Stacked composes several modifiers targeting the same parameter,
// gempyor's StackedModifier. Its own Reduce simply reduces each child in
// turn; the combination semantics live entirely in the target
// parameter's stacked_modifier_method, which every child shares.
type Stacked struct {
	name     string
	children []Modifier
}

// NewStacked groups children (which must all target the same parameter)
// under one named composite.
func NewStacked(name string, children []Modifier) (*Stacked, error) {
	if len(children) == 0 {
		return nil, flepierrs.NewValidationError("npi", fmt.Errorf("stacked modifier %s has no children", name))
	}
	target := children[0].ParamName()
	for _, c := range children[1:] {
		if c.ParamName() != target {
			return nil, flepierrs.NewValidationError("npi", fmt.Errorf(
				"stacked modifier %s mixes parameters %s and %s", name, target, c.ParamName()))
		}
	}
	return &Stacked{name: name, children: children}, nil
}

func (s *Stacked) Name() string      { return s.name }
func (s *Stacked) ParamName() string { return s.children[0].ParamName() }

func (s *Stacked) Reduce(t *parameters.Tensor, paramIndex int, method string) error {
	for _, c := range s.children {
		if err := c.Reduce(t, paramIndex, method); err != nil {
			return err
		}
	}
	return nil
}

// reduceGrid applies g's per-(day,subpop) values onto t's row for
// paramIndex, per the parameter's stacked_modifier_method:
//
//   - "product" and "reduction_product": multiply by (1 - value); cells
//     outside every modifier's window carry value 0, so they leave the
//     running product untouched (the decision recorded for the
//     reduction_product open question: untouched, not an explicit extra
//     factor of 1 — mathematically identical for a single modifier, and
//     the distinguishing case only arises once several modifiers
//     targeting the same parameter are stacked with disjoint coverage).
//   - "sum": add value directly (default 0 is the additive identity).
func reduceGrid(g *grid, t *parameters.Tensor, paramIndex int, method string) error {
	switch method {
	case "product", "reduction_product", "":
		for d := 0; d < g.numDays && d < t.D; d++ {
			for sp := 0; sp < g.numSubpops && sp < t.N; sp++ {
				v := g.at(d, sp)
				if v == 0 {
					continue
				}
				t.Set(paramIndex, d, sp, t.At(paramIndex, d, sp)*(1-v))
			}
		}
	case "sum":
		for d := 0; d < g.numDays && d < t.D; d++ {
			for sp := 0; sp < g.numSubpops && sp < t.N; sp++ {
				v := g.at(d, sp)
				if v == 0 {
					continue
				}
				t.Set(paramIndex, d, sp, t.At(paramIndex, d, sp)+v)
			}
		}
	default:
		return flepierrs.NewValidationError("npi", fmt.Errorf("unrecognized stacked_modifier_method %q", method))
	}
	return nil
}
