// Package timegrid holds the simulation's time axis: a start date, an end
// date, and the derived daily date sequence every other package indexes
// into by day offset rather than by date.
package timegrid

import (
	"time"

	"github.com/flepigo/flepigo/flepierrs"
)

// Grid is the simulation's fixed time axis, the Go analog of gempyor's
// TimeSetup: a closed interval [Ti, Tf] and its day-by-day expansion.
type Grid struct {
	Ti    time.Time
	Tf    time.Time
	Dates []time.Time
}

// New builds a Grid spanning [ti, tf] inclusive. Returns a ValidationError
// if tf is before ti.
func New(ti, tf time.Time) (*Grid, error) {
	ti = ti.Truncate(24 * time.Hour)
	tf = tf.Truncate(24 * time.Hour)
	if tf.Before(ti) {
		return nil, flepierrs.NewValidationError("timegrid", errEndBeforeStart(ti, tf))
	}
	n := int(tf.Sub(ti).Hours()/24) + 1
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = ti.AddDate(0, 0, i)
	}
	return &Grid{Ti: ti, Tf: tf, Dates: dates}, nil
}

// NumDays returns the number of days spanned by the grid, D in the spec's
// (P,D,N) tensor shape.
func (g *Grid) NumDays() int {
	return len(g.Dates)
}

// DayOf returns the zero-based day offset of t within the grid, or -1 if t
// falls outside [Ti, Tf].
func (g *Grid) DayOf(t time.Time) int {
	t = t.Truncate(24 * time.Hour)
	if t.Before(g.Ti) || t.After(g.Tf) {
		return -1
	}
	return int(t.Sub(g.Ti).Hours() / 24)
}

func errEndBeforeStart(ti, tf time.Time) error {
	return &endBeforeStartError{ti: ti, tf: tf}
}

type endBeforeStartError struct {
	ti, tf time.Time
}

func (e *endBeforeStartError) Error() string {
	return "end date " + e.tf.Format("2006-01-02") + " is before start date " + e.ti.Format("2006-01-02")
}
