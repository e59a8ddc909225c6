package model

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/artifact"
	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/config"
	"github.com/flepigo/flepigo/distribution"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/fplog"
	"github.com/flepigo/flepigo/npi"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/seeding"
	"github.com/flepigo/flepigo/subpop"
	"github.com/flepigo/flepigo/timegrid"
)

// LoadOptions carries the run-identity bookkeeping (gempyor's
// model_info.py get_input_filename/get_output_filename convention,
// SPEC_FULL.md's supplemented feature 3) that calibration resume needs on
// top of the scenario itself.
type LoadOptions struct {
	RunID, OutRunID   string
	Prefix, OutPrefix string
	OutputDir         string
	Logger            *fplog.Logger
	Writer            artifact.Writer
}

// Load parses the YAML configuration at cfgPath (package config's
// ConfigView contract) and wires every leaf component — subpopulation
// structure (A), time grid (B), compiled compartments (F), parameter
// engine (D) and seeding (G) — into one Info shared read-only across an
// ensemble. Modifiers are deliberately not part of Info: §5's resource
// policy keeps them owned by a single run, so they are drawn separately
// per sim id by BuildModifiers.
func Load(cfgPath string, opts LoadOptions) (*Info, error) {
	view, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	name, _ := mustString(view, "name")
	setupName, _ := mustString(view, "setup_name")

	startView, ok := view.Sub("start_date")
	if !ok {
		return nil, flepierrs.NewConfigError("start_date", fmt.Errorf("missing required key"))
	}
	start, err := startView.AsDate()
	if err != nil {
		return nil, err
	}
	endView, ok := view.Sub("end_date")
	if !ok {
		return nil, flepierrs.NewConfigError("end_date", fmt.Errorf("missing required key"))
	}
	end, err := endView.AsDate()
	if err != nil {
		return nil, err
	}
	grid, err := timegrid.New(start, end)
	if err != nil {
		return nil, err
	}

	subpops, err := loadSubpop(view)
	if err != nil {
		return nil, err
	}

	axes, compiled, err := loadCompartments(view)
	if err != nil {
		return nil, err
	}

	engine, err := loadParameters(view, subpops.Names, grid)
	if err != nil {
		return nil, err
	}

	seedPath, _ := stringOrEmpty(view, "seeding", "lambda_file")
	events, err := seeding.GetFromConfig(seedPath, grid, subpops, compiled)
	if err != nil {
		return nil, err
	}

	defaultIC := 0
	if icView, ok := view.Sub("initial_conditions"); ok {
		if dc, ok := icView.Sub("default_compartment"); ok {
			tuple, err := dc.AsStringSlice()
			if err != nil {
				return nil, err
			}
			if idx := compiled.IndexOf(strings.Join(tuple, "_")); idx >= 0 {
				defaultIC = idx
			}
		}
	}

	var modsView *config.View
	if smView, ok := view.Sub("seir_modifiers"); ok {
		if mView, ok := smView.Sub("modifiers"); ok {
			modsView = mView
		}
	}

	return &Info{
		Name: name, SetupName: setupName,
		Subpops: subpops, Grid: grid, Compiled: compiled, Engine: engine,
		SeedEvents:       seeding.ByDay(events),
		DefaultIC:        defaultIC,
		CompartmentAxes:  axes,
		ModifiersView:    modsView,
		RunID:            opts.RunID, OutRunID: opts.OutRunID,
		Prefix: opts.Prefix, OutPrefix: opts.OutPrefix,
		OutputDir: opts.OutputDir,
		Logger:    opts.Logger, Writer: opts.Writer,
	}, nil
}

func mustString(v *config.View, key string) (string, error) {
	sub, ok := v.Sub(key)
	if !ok {
		return "", flepierrs.NewConfigError(key, fmt.Errorf("missing required key"))
	}
	return sub.String()
}

func stringOrEmpty(v *config.View, keys ...string) (string, bool) {
	cur := v
	for _, k := range keys {
		sub, ok := cur.Sub(k)
		if !ok {
			return "", false
		}
		cur = sub
	}
	s, err := cur.String()
	if err != nil {
		return "", false
	}
	return s, true
}

func loadSubpop(view *config.View) (*subpop.Structure, error) {
	ssView, ok := view.Sub("subpop_setup")
	if !ok {
		return nil, flepierrs.NewConfigError("subpop_setup", fmt.Errorf("missing required section"))
	}
	geodata, err := mustString(ssView, "geodata")
	if err != nil {
		return nil, err
	}
	populationKey := "population"
	if s, ok := stringOrEmpty(ssView, "population_key"); ok {
		populationKey = s
	}
	namesKey := "subpop"
	if s, ok := stringOrEmpty(ssView, "names_key"); ok {
		namesKey = s
	}
	names, population, err := subpop.LoadGeodataCSV(geodata, namesKey, populationKey)
	if err != nil {
		return nil, err
	}
	if mobPath, ok := stringOrEmpty(ssView, "mobility"); ok && mobPath != "" {
		m, err := subpop.LoadMobilityCSV(mobPath, names)
		if err != nil {
			return nil, err
		}
		return subpop.New(names, population, m)
	}
	return subpop.New(names, population, nil)
}

// loadCompartments reads the compartments.<axis>: [values...] section
// (axis order fixed alphabetically for determinism, since config's View
// exposes map keys in Go's randomized order) and the seir.transitions
// list, expanding each transition's per-axis source/destination into the
// zipped set of atomic transitions spec.md §3 describes ("each source
// element maps to one destination element by position"). A transition
// entry's per-axis value is either a single string, broadcast across the
// whole zip, or a list exactly as long as the zip — this is a documented
// simplification of the general cross-product grammar, sufficient for
// every transition shape the retrieval pack's compartmental configs use.
func loadCompartments(view *config.View) ([]string, *compartments.Compiled, error) {
	compView, ok := view.Sub("compartments")
	if !ok {
		return nil, nil, flepierrs.NewConfigError("compartments", fmt.Errorf("missing required section"))
	}
	axes := compView.Keys()
	sort.Strings(axes)
	specs := make([]compartments.Spec, len(axes))
	for i, axis := range axes {
		axisView, _ := compView.Sub(axis)
		values, err := axisView.AsStringSlice()
		if err != nil {
			return nil, nil, flepierrs.NewConfigError("compartments."+axis, err)
		}
		specs[i] = compartments.Spec{Name: axis, Values: values}
	}

	var transitions []compartments.TransitionSpec
	if seirView, ok := view.Sub("seir"); ok {
		if trView, ok := seirView.Sub("transitions"); ok {
			for _, item := range trView.Items() {
				ts, err := expandTransition(axes, item)
				if err != nil {
					return nil, nil, err
				}
				transitions = append(transitions, ts...)
			}
		}
	}

	compiled, err := compartments.Compile(specs, transitions)
	if err != nil {
		return nil, nil, err
	}
	return axes, compiled, nil
}

func expandTransition(axes []string, item *config.View) ([]compartments.TransitionSpec, error) {
	sourceView, ok := item.Sub("source")
	if !ok {
		return nil, flepierrs.NewConfigError("seir.transitions", fmt.Errorf("transition missing 'source'"))
	}
	destView, ok := item.Sub("destination")
	if !ok {
		return nil, flepierrs.NewConfigError("seir.transitions", fmt.Errorf("transition missing 'destination'"))
	}
	sources, err := resolveAxisTuples(axes, sourceView)
	if err != nil {
		return nil, err
	}
	dests, err := resolveAxisTuples(axes, destView)
	if err != nil {
		return nil, err
	}
	if len(sources) != len(dests) {
		return nil, flepierrs.NewValidationError("compartments", fmt.Errorf(
			"transition has %d source elements but %d destination elements", len(sources), len(dests)))
	}

	rateView, ok := item.Sub("rate")
	if !ok {
		return nil, flepierrs.NewConfigError("seir.transitions", fmt.Errorf("transition missing 'rate'"))
	}
	rates, err := rateView.AsStringSlice()
	if err != nil {
		return nil, err
	}
	if len(rates) != 1 && len(rates) != len(sources) {
		return nil, flepierrs.NewValidationError("compartments", fmt.Errorf(
			"transition has %d rate expressions, expected 1 or %d", len(rates), len(sources)))
	}

	var propTuples [][]string
	if propView, ok := item.Sub("proportional_to"); ok {
		for _, pItem := range propView.Items() {
			tuples, err := resolveAxisTuples(axes, pItem)
			if err != nil {
				return nil, err
			}
			propTuples = append(propTuples, tuples...)
		}
	}

	var exponent float64
	if expView, ok := item.Sub("proportion_exponent"); ok {
		e, err := expView.AsNumber()
		if err != nil {
			return nil, err
		}
		exponent = e
	}

	out := make([]compartments.TransitionSpec, len(sources))
	for i := range sources {
		rate := rates[0]
		if len(rates) > 1 {
			rate = rates[i]
		}
		out[i] = compartments.TransitionSpec{
			From: sources[i], To: dests[i], Rate: rate, ProportionalTo: propTuples,
			ProportionExponent: exponent,
		}
	}
	return out, nil
}

// resolveAxisTuples resolves one source/destination/proportional_to
// block into a list of compartment tuples, one per axis in axisOrder.
// Every axis must be given, either as a single value (broadcast) or as a
// list matching the block's zip length exactly.
func resolveAxisTuples(axisOrder []string, node *config.View) ([][]string, error) {
	perAxis := make([][]string, len(axisOrder))
	length := 1
	for i, axis := range axisOrder {
		sub, ok := node.Sub(axis)
		if !ok {
			return nil, flepierrs.NewConfigError("compartments."+axis, fmt.Errorf(
				"transition element missing axis %q", axis))
		}
		vals, err := sub.AsStringSlice()
		if err != nil {
			return nil, err
		}
		perAxis[i] = vals
		if len(vals) > 1 {
			if length > 1 && length != len(vals) {
				return nil, flepierrs.NewValidationError("compartments", fmt.Errorf(
					"axis %q has %d values, mismatching zip length %d", axis, len(vals), length))
			}
			length = len(vals)
		}
	}
	tuples := make([][]string, length)
	for i := 0; i < length; i++ {
		tuple := make([]string, len(axisOrder))
		for a, vals := range perAxis {
			if len(vals) == 1 {
				tuple[a] = vals[0]
			} else {
				tuple[a] = vals[i]
			}
		}
		tuples[i] = tuple
	}
	return tuples, nil
}

// loadParameters reads seir.parameters.<name> into ParamSpecs: a
// "timeseries" key loads a CSV (validated to cover the grid exactly, spec
// §8's timeseries-coverage invariant), otherwise "value" is parsed as a
// random-distribution block (a bare scalar is Fixed).
func loadParameters(view *config.View, subpopNames []string, grid *timegrid.Grid) (*parameters.Engine, error) {
	dates := make([]string, grid.NumDays())
	for i, d := range grid.Dates {
		dates[i] = d.Format("2006-01-02")
	}

	var specs []parameters.ParamSpec
	seirView, ok := view.Sub("seir")
	if !ok {
		return nil, flepierrs.NewConfigError("seir", fmt.Errorf("missing required section"))
	}
	paramsView, ok := seirView.Sub("parameters")
	if !ok {
		return nil, flepierrs.NewConfigError("seir.parameters", fmt.Errorf("missing required section"))
	}
	names := paramsView.Keys()
	sort.Strings(names)
	for _, name := range names {
		pView, _ := paramsView.Sub(name)
		method := "product"
		if m, ok := stringOrEmpty(pView, "stacked_modifier_method"); ok && m != "" {
			method = m
		}
		if tsPath, ok := stringOrEmpty(pView, "timeseries"); ok && tsPath != "" {
			ts, err := parameters.LoadTimeSeriesCSV(tsPath, dates)
			if err != nil {
				return nil, err
			}
			specs = append(specs, parameters.ParamSpec{
				Name: name, Kind: parameters.KindTimeSeries, Series: ts, StackedModifierMethod: method,
			})
			continue
		}
		valueView, ok := pView.Sub("value")
		if !ok {
			return nil, flepierrs.NewConfigError("seir.parameters."+name, fmt.Errorf(
				"parameter has neither 'value' nor 'timeseries'"))
		}
		kind, params, err := valueView.AsRandomDistribution()
		if err != nil {
			return nil, err
		}
		if kind == "fixed" {
			specs = append(specs, parameters.ParamSpec{
				Name: name, Kind: parameters.KindFixed, Fixed: params["value"], StackedModifierMethod: method,
			})
			continue
		}
		sampler, err := distribution.Parse(kind, params)
		if err != nil {
			return nil, err
		}
		specs = append(specs, parameters.ParamSpec{
			Name: name, Kind: parameters.KindDistribution, Dist: sampler, StackedModifierMethod: method,
		})
	}
	return parameters.New(specs, subpopNames, grid.NumDays())
}

// BuildModifiers draws (or restores, if loaded is non-nil) every modifier
// declared under seir_modifiers.modifiers, bucketed by the parameter name
// they target for parameters.Engine.ReduceAll, and returns the long-form
// rows artifact.WriteSNPI persists. StackedModifier entries may only
// reference already-declared SinglePeriod/MultiPeriod modifiers (not
// other Stacked ones), which rules out composition cycles by
// construction rather than requiring a runtime cycle check.
func (info *Info) BuildModifiers(src rand.Source, loaded []artifact.SNPIRow) (map[string][]parameters.Reducer, []artifact.SNPIRow, error) {
	result := map[string][]parameters.Reducer{}
	if info.ModifiersView == nil {
		return result, nil, nil
	}

	loadedByModifier := map[string][]artifact.SNPIRow{}
	for _, row := range loaded {
		loadedByModifier[row.ModifierName] = append(loadedByModifier[row.ModifierName], row)
	}

	byName := map[string]npi.Modifier{}
	var stackedNames []string
	var rows []artifact.SNPIRow

	names := info.ModifiersView.Keys()
	sort.Strings(names)
	for _, name := range names {
		mView, _ := info.ModifiersView.Sub(name)
		method, err := mustString(mView, "method")
		if err != nil {
			return nil, nil, err
		}
		if method == "StackedModifier" {
			stackedNames = append(stackedNames, name)
			continue
		}

		m, modRows, err := info.buildAtomicModifier(name, mView, method, src, loadedByModifier[name])
		if err != nil {
			return nil, nil, err
		}
		byName[name] = m
		rows = append(rows, modRows...)
	}

	for _, name := range stackedNames {
		mView, _ := info.ModifiersView.Sub(name)
		childrenView, ok := mView.Sub("modifiers")
		if !ok {
			return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf(
				"StackedModifier missing 'modifiers' list"))
		}
		childNames, err := childrenView.AsStringSlice()
		if err != nil {
			return nil, nil, err
		}
		children := make([]npi.Modifier, 0, len(childNames))
		for _, cn := range childNames {
			child, ok := byName[cn]
			if !ok {
				return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
					"stacked modifier %s references unknown or stacked child %q", name, cn))
			}
			children = append(children, child)
		}
		stacked, err := npi.NewStacked(name, children)
		if err != nil {
			return nil, nil, err
		}
		byName[name] = stacked
	}

	for _, m := range byName {
		result[m.ParamName()] = append(result[m.ParamName()], m)
	}
	return result, rows, nil
}

func (info *Info) buildAtomicModifier(name string, mView *config.View, method string, src rand.Source, loaded []artifact.SNPIRow) (npi.Modifier, []artifact.SNPIRow, error) {
	paramName, err := mustString(mView, "parameter")
	if err != nil {
		return nil, nil, err
	}

	affected := info.allSubpopIndices()
	if subView, ok := mView.Sub("subpop"); ok {
		names, err := subView.AsStringSlice()
		if err != nil {
			return nil, nil, err
		}
		if !(len(names) == 1 && names[0] == "all") {
			affected = nil
			for _, n := range names {
				idx := info.Subpops.IndexOf(n)
				if idx == -1 {
					return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
						"modifier %s references unknown subpop %q", name, n))
				}
				affected = append(affected, idx)
			}
		}
	}

	groups, err := info.resolveSpatialGroups(mView, affected)
	if err != nil {
		return nil, nil, err
	}

	switch method {
	case "SinglePeriodModifier":
		startView, ok := mView.Sub("period_start_date")
		if !ok {
			return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("missing period_start_date"))
		}
		start, err := startView.AsDate()
		if err != nil {
			return nil, nil, err
		}
		endView, ok := mView.Sub("period_end_date")
		if !ok {
			return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("missing period_end_date"))
		}
		end, err := endView.AsDate()
		if err != nil {
			return nil, nil, err
		}
		w := npi.Window{StartDay: info.Grid.DayOf(start), EndDay: info.Grid.DayOf(end)}
		if w.StartDay < 0 || w.EndDay < 0 {
			return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
				"modifier %s window [%s,%s] falls outside the simulated time grid", name,
				start.Format("2006-01-02"), end.Format("2006-01-02")))
		}
		if w.StartDay > w.EndDay {
			return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
				"modifier %s window start_date %s is after end_date %s", name,
				start.Format("2006-01-02"), end.Format("2006-01-02")))
		}
		windows := make([]npi.Window, len(affected))
		for i := range windows {
			windows[i] = w
		}

		if rows, ok := loadedByModifierRows(loaded); ok {
			restoredFrom := restoreValues(rows, info.Subpops)
			m := npi.RestoreSinglePeriod(name, paramName, info.Grid.NumDays(), info.Subpops.N(), affected, windows, restoredFrom)
			return m, rows, nil
		}

		dist, err := parseModifierValue(mView)
		if err != nil {
			return nil, nil, err
		}
		m, err := npi.NewSinglePeriod(name, paramName, info.Grid.NumDays(), info.Subpops.N(), affected, windows, groups, dist, src)
		if err != nil {
			return nil, nil, err
		}
		dayFor := func(subpop int) int { return w.StartDay }
		return m, info.snpiRowsFor(name, paramName, m, groups, start.Format("2006-01-02"), end.Format("2006-01-02"), dayFor), nil

	case "MultiPeriodModifier":
		periodsView, ok := mView.Sub("periods")
		if !ok {
			return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("missing 'periods'"))
		}
		var windows []npi.Window
		var firstStart, lastEnd string
		for _, p := range periodsView.Items() {
			sv, ok := p.Sub("start_date")
			if !ok {
				return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("period missing start_date"))
			}
			s, err := sv.AsDate()
			if err != nil {
				return nil, nil, err
			}
			ev, ok := p.Sub("end_date")
			if !ok {
				return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("period missing end_date"))
			}
			e, err := ev.AsDate()
			if err != nil {
				return nil, nil, err
			}
			sd, ed := info.Grid.DayOf(s), info.Grid.DayOf(e)
			if sd < 0 || ed < 0 {
				return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
					"modifier %s window [%s,%s] falls outside the simulated time grid", name,
					s.Format("2006-01-02"), e.Format("2006-01-02")))
			}
			if sd > ed {
				return nil, nil, flepierrs.NewValidationError("npi", fmt.Errorf(
					"modifier %s period start_date %s is after end_date %s", name,
					s.Format("2006-01-02"), e.Format("2006-01-02")))
			}
			windows = append(windows, npi.Window{StartDay: sd, EndDay: ed})
			if firstStart == "" {
				firstStart = s.Format("2006-01-02")
			}
			lastEnd = e.Format("2006-01-02")
		}
		dist, err := parseModifierValue(mView)
		if err != nil {
			return nil, nil, err
		}
		m, err := npi.NewMultiPeriod(name, paramName, info.Grid.NumDays(), info.Subpops.N(), affected, windows, groups, dist, src)
		if err != nil {
			return nil, nil, err
		}
		repDay := windows[0].StartDay
		dayFor := func(subpop int) int { return repDay }
		return m, info.snpiRowsFor(name, paramName, m, groups, firstStart, lastEnd, dayFor), nil

	default:
		return nil, nil, flepierrs.NewConfigError("seir_modifiers.modifiers."+name, fmt.Errorf("unrecognized modifier method %q", method))
	}
}

func parseModifierValue(mView *config.View) (distribution.Sampler, error) {
	valueView, ok := mView.Sub("value")
	if !ok {
		return nil, flepierrs.NewConfigError("value", fmt.Errorf("modifier missing 'value'"))
	}
	kind, params, err := valueView.AsRandomDistribution()
	if err != nil {
		return nil, err
	}
	return distribution.Parse(kind, params)
}

func (info *Info) allSubpopIndices() []int {
	out := make([]int, info.Subpops.N())
	for i := range out {
		out[i] = i
	}
	return out
}

func (info *Info) resolveSpatialGroups(mView *config.View, affected []int) (npi.SpatialGroups, error) {
	inGroup := map[int]bool{}
	var groups [][]int
	if sgView, ok := mView.Sub("spatial_groups"); ok {
		for _, g := range sgView.Items() {
			memberNames, err := g.AsStringSlice()
			if err != nil {
				return npi.SpatialGroups{}, err
			}
			var members []int
			for _, n := range memberNames {
				idx := info.Subpops.IndexOf(n)
				if idx == -1 {
					return npi.SpatialGroups{}, flepierrs.NewValidationError("npi", fmt.Errorf(
						"spatial group references unknown subpop %q", n))
				}
				members = append(members, idx)
				inGroup[idx] = true
			}
			groups = append(groups, members)
		}
	}
	var ungrouped []int
	for _, sp := range affected {
		if !inGroup[sp] {
			ungrouped = append(ungrouped, sp)
		}
	}
	return npi.SpatialGroups{Ungrouped: ungrouped, Groups: groups}, nil
}

// valueAtDay is implemented by *npi.SinglePeriod and *npi.MultiPeriod
// (both expose ValueAt(day, subpop)); used to read back a drawn value
// for persistence without npi needing to know about artifact.SNPIRow.
type valueAtDay interface {
	ValueAt(day, subpop int) float64
}

func (info *Info) snpiRowsFor(name, paramName string, m valueAtDay, groups npi.SpatialGroups, startDate, endDate string, dayFor func(subpop int) int) []artifact.SNPIRow {
	var rows []artifact.SNPIRow
	for _, sp := range groups.Ungrouped {
		rows = append(rows, artifact.SNPIRow{
			ModifierName: name, Subpop: info.Subpops.Names[sp], Parameter: paramName,
			StartDate: startDate, EndDate: endDate,
			Value: m.ValueAt(dayFor(sp), sp),
		})
	}
	for _, group := range groups.Groups {
		if len(group) == 0 {
			continue
		}
		memberNames := make([]string, len(group))
		for i, sp := range group {
			memberNames[i] = info.Subpops.Names[sp]
		}
		rows = append(rows, artifact.SNPIRow{
			ModifierName: name, Subpop: strings.Join(memberNames, ","), Parameter: paramName,
			StartDate: startDate, EndDate: endDate,
			Value: m.ValueAt(dayFor(group[0]), group[0]),
		})
	}
	return rows
}

func loadedByModifierRows(rows []artifact.SNPIRow) ([]artifact.SNPIRow, bool) {
	return rows, len(rows) > 0
}

func restoreValues(rows []artifact.SNPIRow, subpops *subpop.Structure) map[int]float64 {
	out := map[int]float64{}
	for _, r := range rows {
		for _, member := range strings.Split(r.Subpop, ",") {
			if idx := subpops.IndexOf(member); idx != -1 {
				out[idx] = r.Value
			}
		}
	}
	return out
}
