// Package subpop holds the subpopulation set and the mobility matrix
// linking them, gempyor's SubpopulationStructure. Mobility is stored
// densely (gonum/mat) since subpopulation counts in practice are small
// enough (tens to low thousands) that a dense N x N matrix is cheaper to
// reason about and integrate against than a sparse graph representation.
package subpop

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/flepigo/flepigo/flepierrs"
)

// Structure is the immutable set of subpopulations and their mobility
// linkage, shared read-only across every simulation in an ensemble.
type Structure struct {
	Names      []string
	Population []float64
	// Mobility[i][j] is the number of individuals from subpop i present
	// in subpop j on an average day (gempyor's mobility matrix).
	Mobility *mat.Dense
}

// New validates and builds a Structure. Names and population must be the
// same length and every population strictly positive; mobility, if non-nil, must be
// square with that dimension and every row sum bounded by that
// subpopulation's population (you cannot export more people than you
// have).
func New(names []string, population []float64, mobility *mat.Dense) (*Structure, error) {
	n := len(names)
	if len(population) != n {
		return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
			"names has %d entries but population has %d", n, len(population)))
	}
	seen := make(map[string]bool, n)
	for _, name := range names {
		if seen[name] {
			return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
				"subpop name %q is repeated", name))
		}
		seen[name] = true
	}
	for i, p := range population {
		if p <= 0 {
			return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
				"population for %q must be positive, got %v", names[i], p))
		}
	}
	if mobility != nil {
		r, c := mobility.Dims()
		if r != n || c != n {
			return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
				"mobility matrix is %dx%d, expected %dx%d", r, c, n, n))
		}
		for i := 0; i < n; i++ {
			if mobility.At(i, i) != 0 {
				return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
					"mobility diagonal for %q must be zero, got %v", names[i], mobility.At(i, i)))
			}
			rowSum := 0.0
			for j := 0; j < n; j++ {
				v := mobility.At(i, j)
				if v < 0 {
					return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
						"mobility[%d][%d] is negative: %v", i, j, v))
				}
				if i != j {
					rowSum += v
				}
			}
			if rowSum > population[i] {
				return nil, flepierrs.NewValidationError("subpop", fmt.Errorf(
					"mobility out of %q sums to %v, exceeds its population %v",
					names[i], rowSum, population[i]))
			}
		}
	}
	return &Structure{Names: names, Population: population, Mobility: mobility}, nil
}

// N returns the number of subpopulations.
func (s *Structure) N() int { return len(s.Names) }

// IndexOf returns the index of the named subpopulation, or -1 if absent.
func (s *Structure) IndexOf(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// StayingFraction returns the fraction of subpop i's residents who stay
// home on an average day: 1 - (mobility out)/population.
func (s *Structure) StayingFraction(i int) float64 {
	if s.Mobility == nil {
		return 1.0
	}
	out := 0.0
	for j := 0; j < s.N(); j++ {
		if j != i {
			out += s.Mobility.At(i, j)
		}
	}
	if s.Population[i] == 0 {
		return 1.0
	}
	return 1.0 - out/s.Population[i]
}

// LoadGeodataCSV reads a geodata table (one row per subpop, a names
// column and a population column, gempyor's subpop_setup.geodata) and
// returns the subpop names in file order and their populations.
func LoadGeodataCSV(path, namesKey, populationKey string) (names []string, population []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, flepierrs.NewIOError(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, flepierrs.NewIOError(path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	nameCol, ok := col[namesKey]
	if !ok {
		return nil, nil, flepierrs.NewIOError(path, fmt.Errorf("missing names column %q", namesKey))
	}
	popCol, ok := col[populationKey]
	if !ok {
		return nil, nil, flepierrs.NewIOError(path, fmt.Errorf("missing population column %q", populationKey))
	}
	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		p, parseErr := strconv.ParseFloat(row[popCol], 64)
		if parseErr != nil {
			return nil, nil, flepierrs.NewIOError(path, fmt.Errorf("invalid population %q: %w", row[popCol], parseErr))
		}
		names = append(names, row[nameCol])
		population = append(population, p)
	}
	return names, population, nil
}

// LoadMobilityCSV reads a long-form mobility table (columns
// ori,dest,amount) into an N x N dense matrix ordered by names, gempyor's
// subpop_setup.mobility. Pairs naming an unknown subpop are rejected.
func LoadMobilityCSV(path string, names []string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, flepierrs.NewIOError(path, err)
	}
	defer f.Close()

	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, flepierrs.NewIOError(path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, required := range []string{"ori", "dest", "amount"} {
		if _, ok := col[required]; !ok {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("missing required column %q", required))
		}
	}

	n := len(names)
	m := mat.NewDense(n, n, nil)
	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		oriIdx, ok := index[row[col["ori"]]]
		if !ok {
			return nil, flepierrs.NewValidationError("subpop", fmt.Errorf("mobility references unknown subpop %q", row[col["ori"]]))
		}
		destIdx, ok := index[row[col["dest"]]]
		if !ok {
			return nil, flepierrs.NewValidationError("subpop", fmt.Errorf("mobility references unknown subpop %q", row[col["dest"]]))
		}
		amount, parseErr := strconv.ParseFloat(row[col["amount"]], 64)
		if parseErr != nil {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("invalid mobility amount %q: %w", row[col["amount"]], parseErr))
		}
		m.Set(oriIdx, destIdx, amount)
	}
	return m, nil
}
