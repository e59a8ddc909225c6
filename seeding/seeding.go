// Package seeding holds the list of seeding events (introductions of
// infection into a compartment/subpop on a given day) applied at the
// start of each simulated day before the integrator's transitions run.
package seeding

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/subpop"
	"github.com/flepigo/flepigo/timegrid"
)

// Event is one seeding action: move Amount individuals from
// SourceCompartment into DestCompartment within Subpop on Day.
type Event struct {
	Day              int
	Subpop           int
	SourceCompartment int
	DestCompartment   int
	Amount            float64
}

// ByDay groups events by the day they fire on, the shape the integrator
// consumes (one lookup per simulated day rather than a scan of the whole
// list).
func ByDay(events []Event) map[int][]Event {
	out := make(map[int][]Event)
	for _, e := range events {
		out[e.Day] = append(out[e.Day], e)
	}
	return out
}

// LoadCSV reads a seeding table with columns
// date,subpop,source,destination,amount, resolving subpop/compartment
// names via the supplied lookup functions. The column layout mirrors
// gempyor's seeding CSV convention (one row per discrete seeding event).
func LoadCSV(path string, dayOf func(date string) int, subpopIndex func(name string) int, compartmentIndex func(name string) int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, flepierrs.NewIOError(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, flepierrs.NewIOError(path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, required := range []string{"date", "subpop", "source", "destination", "amount"} {
		if _, ok := col[required]; !ok {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("missing required column %q", required))
		}
	}

	var events []Event
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		day := dayOf(row[col["date"]])
		if day < 0 {
			continue // seeding event falls outside the simulated window
		}
		sp := subpopIndex(row[col["subpop"]])
		src := compartmentIndex(row[col["source"]])
		dst := compartmentIndex(row[col["destination"]])
		amount, err := strconv.ParseFloat(row[col["amount"]], 64)
		if err != nil {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("invalid amount %q: %w", row[col["amount"]], err))
		}
		if sp < 0 || src < 0 || dst < 0 {
			return nil, flepierrs.NewValidationError("seeding", fmt.Errorf(
				"unresolved reference in seeding row: subpop=%q source=%q destination=%q",
				row[col["subpop"]], row[col["source"]], row[col["destination"]]))
		}
		events = append(events, Event{
			Day: day, Subpop: sp, SourceCompartment: src, DestCompartment: dst, Amount: amount,
		})
	}
	return events, nil
}

// GetFromConfig loads a scenario's seeding events (if a seeding CSV is
// configured) resolved against its time grid, subpopulation set and
// compiled compartments, gempyor's Seeding.get_from_config. An empty path
// means the scenario has no seeding section and yields no events.
func GetFromConfig(path string, grid *timegrid.Grid, subpops *subpop.Structure, compiled *compartments.Compiled) ([]Event, error) {
	if path == "" {
		return nil, nil
	}
	dayOf := func(date string) int {
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			return -1
		}
		return grid.DayOf(t)
	}
	return LoadCSV(path, dayOf, subpops.IndexOf,
		func(name string) int { return compiled.IndexOf(name) })
}
