// Package parameters implements the parameter engine: each named
// parameter is a tagged variant (fixed value, random distribution, or a
// per-subpop timeseries), resolved into a dense (P,D,N) Tensor either by
// drawing fresh values (QuickDraw) or by loading an override from a
// previous run's persisted spar table (Load). ReduceAll() then folds in
// whatever modifiers target each parameter, passing each one that
// parameter's stacked_modifier_method.
package parameters

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/distribution"
	"github.com/flepigo/flepigo/flepierrs"
)

// Kind tags which variant a ParamSpec holds.
type Kind int

const (
	KindFixed Kind = iota
	KindDistribution
	KindTimeSeries
)

// ParamSpec is one configured parameter, a tagged variant over the three
// kinds gempyor's Parameters class supports.
type ParamSpec struct {
	Name   string
	Kind   Kind
	Fixed  float64
	Dist   distribution.Sampler
	Series TimeSeries // only meaningful when Kind == KindTimeSeries

	// StackedModifierMethod governs how multiple modifiers targeting
	// this parameter combine: "product" (default), "sum", or
	// "reduction_product".
	StackedModifierMethod string
}

// TimeSeries is a per-subpop (or broadcast single-column) daily value
// table, as loaded from a CSV with a "date" column plus one column per
// subpop or exactly one value column.
type TimeSeries struct {
	Dates    []string
	Columns  []string // subpop names, or a single synthetic name if broadcast
	Values   [][]float64 // Values[day][column]
	Broadcast bool
}

// Tensor is the dense (P,D,N) parameter tensor: P parameters x D days x N
// subpops, stored flat (arena convention) rather than as [][][]float64.
type Tensor struct {
	P, D, N int
	Data    []float64
}

// NewTensor allocates a zeroed Tensor of the given shape.
func NewTensor(p, d, n int) *Tensor {
	return &Tensor{P: p, D: d, N: n, Data: make([]float64, p*d*n)}
}

func (t *Tensor) idx(p, d, n int) int {
	return (p*t.D+d)*t.N + n
}

// At returns the value for parameter p, day d, subpop n.
func (t *Tensor) At(p, d, n int) float64 { return t.Data[t.idx(p, d, n)] }

// Set writes the value for parameter p, day d, subpop n.
func (t *Tensor) Set(p, d, n int, v float64) { t.Data[t.idx(p, d, n)] = v }

// Engine resolves a set of ParamSpecs against a time grid and
// subpopulation set into a Tensor, and reduces modifiers into it.
type Engine struct {
	Specs       []ParamSpec
	SubpopNames []string
	D           int
	index       map[string]int
}

// New validates specs (case-insensitive unique names) and builds an
// Engine bound to the given day count and subpop names.
func New(specs []ParamSpec, subpopNames []string, numDays int) (*Engine, error) {
	index := make(map[string]int, len(specs))
	seen := make(map[string]string, len(specs))
	for i, s := range specs {
		lower := strings.ToLower(s.Name)
		if prev, ok := seen[lower]; ok {
			return nil, flepierrs.NewValidationError("parameters", fmt.Errorf(
				"parameters of the SEIR model have the same name (remember that case is not sufficient!): %q and %q",
				prev, s.Name))
		}
		seen[lower] = s.Name
		index[s.Name] = i
	}
	for i := range specs {
		if specs[i].StackedModifierMethod == "" {
			specs[i].StackedModifierMethod = "product"
		}
	}
	return &Engine{Specs: specs, SubpopNames: subpopNames, D: numDays, index: index}, nil
}

// IndexOf returns the tensor row (the "P" index) of the named parameter,
// or -1 if absent.
func (e *Engine) IndexOf(name string) int {
	if i, ok := e.index[name]; ok {
		return i
	}
	return -1
}

// QuickDraw fills the tensor with freshly sampled/broadcast values for
// every parameter: a Fixed parameter broadcasts its value to every
// day/subpop, a Distribution parameter draws a single scalar and
// broadcasts it across both the day and subpop axes (matching gempyor's
// quick_draw, which draws one value per parameter, not per subpop or
// per day), and a TimeSeries parameter is copied in directly (see
// loadTimeSeries).
func (e *Engine) QuickDraw(src rand.Source) (*Tensor, error) {
	n := len(e.SubpopNames)
	t := NewTensor(len(e.Specs), e.D, n)
	for p, spec := range e.Specs {
		switch spec.Kind {
		case KindFixed:
			fillConstant(t, p, spec.Fixed)
		case KindDistribution:
			fillConstant(t, p, spec.Dist.Draw(src))
		case KindTimeSeries:
			if err := e.loadTimeSeries(t, p, spec.Series); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Load builds a tensor from a set of override values (e.g. from a
// previous ensemble iteration's persisted spar table) instead of
// drawing. values maps parameter name to a single override value applied
// uniformly across days and subpops; any parameter absent from values
// falls back to QuickDraw's constant-fill / timeseries-load behavior
// (distributions are never re-drawn under Load; an absent override for a
// distributional parameter is a caller error surfaced as
// ValidationError).
func (e *Engine) Load(values map[string]float64) (*Tensor, error) {
	n := len(e.SubpopNames)
	t := NewTensor(len(e.Specs), e.D, n)
	for p, spec := range e.Specs {
		if v, ok := values[spec.Name]; ok {
			fillConstant(t, p, v)
			continue
		}
		switch spec.Kind {
		case KindFixed:
			fillConstant(t, p, spec.Fixed)
		case KindTimeSeries:
			if err := e.loadTimeSeries(t, p, spec.Series); err != nil {
				return nil, err
			}
		default:
			return nil, flepierrs.NewValidationError("parameters", fmt.Errorf(
				"no override value provided for distributional parameter %q", spec.Name))
		}
	}
	return t, nil
}

func fillConstant(t *Tensor, p int, v float64) {
	for d := 0; d < t.D; d++ {
		for n := 0; n < t.N; n++ {
			t.Set(p, d, n, v)
		}
	}
}

// loadTimeSeries copies a TimeSeries into the tensor row for parameter p,
// validating that it has either exactly one value column (broadcast to
// every subpop) or exactly N columns matching the engine's subpop names,
// and exactly D rows.
func (e *Engine) loadTimeSeries(t *Tensor, p int, ts TimeSeries) error {
	n := len(e.SubpopNames)
	name := e.Specs[p].Name
	if len(ts.Dates) != e.D {
		return flepierrs.NewValidationError("parameters", fmt.Errorf(
			"timeseries for parameter %s has %d rows, expected %d (the number of days)",
			name, len(ts.Dates), e.D))
	}
	if !ts.Broadcast && len(ts.Columns) != n {
		return flepierrs.NewValidationError("parameters", fmt.Errorf(
			"the number of non 'date' columns are %d, expected %d (the number of subpops) or one",
			len(ts.Columns), n))
	}
	for d := 0; d < e.D; d++ {
		if ts.Broadcast {
			v := ts.Values[d][0]
			for sp := 0; sp < n; sp++ {
				t.Set(p, d, sp, v)
			}
			continue
		}
		for sp, subpopName := range e.SubpopNames {
			col := indexOf(ts.Columns, subpopName)
			if col == -1 {
				return flepierrs.NewValidationError("parameters", fmt.Errorf(
					"timeseries for parameter %s has no column for subpop %s", name, subpopName))
			}
			t.Set(p, d, sp, ts.Values[d][col])
		}
	}
	return nil
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

// Reducer is implemented by the npi package's modifiers: Reduce folds a
// single modifier's effect into the named parameter's row of the tensor
// for one stacking method.
type Reducer interface {
	Reduce(t *Tensor, paramIndex int, method string) error
}

// ReduceAll applies every modifier in modifiersByParam (keyed by
// parameter name) to t, dispatching to each modifier's own Reduce per its
// configured stacked_modifier_method.
func (e *Engine) ReduceAll(t *Tensor, modifiersByParam map[string][]Reducer) error {
	for name, mods := range modifiersByParam {
		idx := e.IndexOf(name)
		if idx == -1 {
			continue
		}
		method := e.Specs[idx].StackedModifierMethod
		for _, m := range mods {
			if err := m.Reduce(t, idx, method); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadTimeSeriesCSV reads a date-indexed parameter CSV ("date" column
// plus either one value column per subpop or exactly one broadcast
// column) and validates its date range covers expectedDates exactly
// (spec's timeseries-coverage invariant), gempyor's requirement that a
// timeseries parameter's CSV span precisely [ti, tf].
func LoadTimeSeriesCSV(path string, expectedDates []string) (TimeSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return TimeSeries{}, flepierrs.NewIOError(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return TimeSeries{}, flepierrs.NewIOError(path, err)
	}
	dateCol := -1
	var columns []string
	for i, h := range header {
		if h == "date" {
			dateCol = i
			continue
		}
		columns = append(columns, h)
	}
	if dateCol == -1 {
		return TimeSeries{}, flepierrs.NewIOError(path, fmt.Errorf("missing required column %q", "date"))
	}

	var dates []string
	var values [][]float64
	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		dates = append(dates, row[dateCol])
		rowValues := make([]float64, 0, len(columns))
		for i, v := range row {
			if i == dateCol {
				continue
			}
			f, parseErr := strconv.ParseFloat(v, 64)
			if parseErr != nil {
				return TimeSeries{}, flepierrs.NewIOError(path, fmt.Errorf("invalid value %q: %w", v, parseErr))
			}
			rowValues = append(rowValues, f)
		}
		values = append(values, rowValues)
	}

	if len(dates) != len(expectedDates) || (len(dates) > 0 && (dates[0] != expectedDates[0] || dates[len(dates)-1] != expectedDates[len(expectedDates)-1])) {
		gotStart, gotEnd := "<empty>", "<empty>"
		if len(dates) > 0 {
			gotStart, gotEnd = dates[0], dates[len(dates)-1]
		}
		return TimeSeries{}, flepierrs.NewValidationError("parameters", fmt.Errorf(
			"timeseries %s spans [%s, %s], expected [%s, %s]",
			path, gotStart, gotEnd, expectedDates[0], expectedDates[len(expectedDates)-1]))
	}

	broadcast := len(columns) == 1
	return TimeSeries{Dates: dates, Columns: columns, Values: values, Broadcast: broadcast}, nil
}
