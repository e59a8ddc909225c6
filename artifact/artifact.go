// Package artifact persists the three output tables spec section 6
// names: seir (the trajectory), spar (resolved parameter draws) and snpi
// (resolved modifier draws). Only a CSV backend is implemented; parquet
// and HDF5 are out of scope, named here only as the interface a caller
// could satisfy with an alternative Writer.
package artifact

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/seir"
	"github.com/flepigo/flepigo/subpop"
	"github.com/flepigo/flepigo/timegrid"
)

// Writer persists the three artifact kinds for one completed simulation.
// CSVWriter is the only implementation flepigo ships.
type Writer interface {
	WriteSEIR(path string, grid *timegrid.Grid, compiled *compartments.Compiled, subpops *subpop.Structure, traj *seir.Trajectory) error
	WriteSPAR(path string, engine *parameters.Engine, grid *timegrid.Grid, subpops *subpop.Structure, tensor *parameters.Tensor) error
	WriteSNPI(path string, rows []SNPIRow) error
}

// SNPIRow is one resolved modifier value ready to persist, gempyor's
// getReductionToWrite() row shape.
type SNPIRow struct {
	ModifierName string
	Subpop       string // comma-joined group members for a grouped draw
	Parameter    string
	StartDate    string
	EndDate      string
	Value        float64
}

// CSVWriter is the only Writer flepigo implements: plain CSV, written
// atomically (temp file + rename) matching spec section 5's guarantee
// that a partially-written artifact is never observable.
type CSVWriter struct{}

func atomicWrite(path string, write func(w *csv.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return flepierrs.NewIOError(path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return flepierrs.NewIOError(path, err)
	}
	w := csv.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return flepierrs.NewIOError(path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return flepierrs.NewIOError(path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return flepierrs.NewIOError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return flepierrs.NewIOError(path, err)
	}
	return nil
}

// WriteSEIR writes one row per (date, subpop, compartment): date, subpop,
// compartment, incidence, prevalence.
func (CSVWriter) WriteSEIR(path string, grid *timegrid.Grid, compiled *compartments.Compiled, subpops *subpop.Structure, traj *seir.Trajectory) error {
	return atomicWrite(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"date", "subpop", "compartment", "incidence", "prevalence"}); err != nil {
			return err
		}
		for day, date := range grid.Dates {
			for sp, name := range subpops.Names {
				for comp, compName := range compiled.UniqueStrings {
					row := []string{
						date.Format("2006-01-02"),
						name,
						compName,
						strconv.FormatFloat(traj.Incidence(day, comp, sp), 'g', -1, 64),
						strconv.FormatFloat(traj.Prevalence(day, comp, sp), 'g', -1, 64),
					}
					if err := w.Write(row); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// WriteSPAR writes one row per (parameter, subpop): parameter, subpop,
// value, using the tensor's day-0 value (spar records the drawn value,
// not a full timeseries). Timeseries-kind parameters are skipped and do
// not appear in spar, following gempyor's own convention.
func (CSVWriter) WriteSPAR(path string, engine *parameters.Engine, grid *timegrid.Grid, subpops *subpop.Structure, tensor *parameters.Tensor) error {
	return atomicWrite(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"parameter", "subpop", "value"}); err != nil {
			return err
		}
		for p, spec := range engine.Specs {
			if spec.Kind == parameters.KindTimeSeries {
				continue
			}
			for sp, name := range subpops.Names {
				row := []string{
					spec.Name,
					name,
					strconv.FormatFloat(tensor.At(p, 0, sp), 'g', -1, 64),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ReadSNPI reads back a previously persisted snpi table, the inverse of
// WriteSNPI, used by a resumed calibration run to restore modifier draws
// instead of drawing fresh ones.
func ReadSNPI(path string) ([]SNPIRow, error) {
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
	for _, required := range []string{"modifier_name", "subpop", "parameter", "start_date", "end_date", "value"} {
		if _, ok := col[required]; !ok {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("missing required column %q", required))
		}
	}

	var rows []SNPIRow
	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		v, parseErr := strconv.ParseFloat(row[col["value"]], 64)
		if parseErr != nil {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("invalid value %q: %w", row[col["value"]], parseErr))
		}
		rows = append(rows, SNPIRow{
			ModifierName: row[col["modifier_name"]],
			Subpop:       row[col["subpop"]],
			Parameter:    row[col["parameter"]],
			StartDate:    row[col["start_date"]],
			EndDate:      row[col["end_date"]],
			Value:        v,
		})
	}
	return rows, nil
}

// WriteSNPI writes one row per resolved modifier value: modifier_name,
// subpop, parameter, start_date, end_date, value.
func (CSVWriter) WriteSNPI(path string, rows []SNPIRow) error {
	return atomicWrite(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"modifier_name", "subpop", "parameter", "start_date", "end_date", "value"}); err != nil {
			return err
		}
		for _, r := range rows {
			row := []string{
				r.ModifierName, r.Subpop, r.Parameter, r.StartDate, r.EndDate,
				strconv.FormatFloat(r.Value, 'g', -1, 64),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// filename mirrors gempyor's get_filename convention:
// {prefix}{runID}_{simID}.{setupName}.{segment}.csv
func filename(prefix, runID string, simID int, setupName, segment string) string {
	return fmt.Sprintf("%s%s_%09d.%s.%s.csv", prefix, runID, simID, setupName, segment)
}

// SEIRPath, SPARPath and SNPIPath build the conventional output path for
// a given run/sim, under dir.
func SEIRPath(dir, prefix, runID string, simID int, setupName string) string {
	return filepath.Join(dir, "seir", filename(prefix, runID, simID, setupName, "seir"))
}
func SPARPath(dir, prefix, runID string, simID int, setupName string) string {
	return filepath.Join(dir, "spar", filename(prefix, runID, simID, setupName, "spar"))
}
func SNPIPath(dir, prefix, runID string, simID int, setupName string) string {
	return filepath.Join(dir, "snpi", filename(prefix, runID, simID, setupName, "snpi"))
}
