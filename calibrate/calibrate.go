// Package calibrate drives ensemble calibration of free parameters
// against a log-likelihood callback using the affine-invariant
// stretch-move algorithm (Goodman & Weare), the one ensemble sampler
// spec.md assumes is available. Ensemble members ("walkers") are
// evaluated in parallel via pargo/parallel, the teacher's own
// parallelism library; each walker's log-likelihood call gets its own
// RNG source, seeded as baseSeed XOR walker index for the initial
// evaluation and baseSeed XOR (iteration*nWalkers + walker index) for
// each stretch-move step, so concurrent evaluations never share mutable
// RNG state.
package calibrate

import (
	"fmt"
	"math"

	"github.com/exascience/pargo/parallel"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/fplog"
)

// LogLikelihoodFunc evaluates one walker's parameter vector, returning
// its log-likelihood (or math.Inf(-1) on a failed evaluation, per spec's
// error-handling policy: an integration failure never aborts the
// ensemble, it just scores that walker as impossible).
type LogLikelihoodFunc func(simID int, params []float64, src rand.Source) float64

// InferParam names one free parameter and its bounds, gempyor's
// InferenceParameter.
type InferParam struct {
	Name     string
	Low, High float64
}

// Driver runs an ensemble calibration.
type Driver struct {
	Params      []InferParam
	NWalkers    int
	NIterations int
	NThin       int
	NSamples    int
	Jobs        int
	BaseSeed    int64
	LogLik      LogLikelihoodFunc
	Logger      *fplog.Logger
}

// Result is the outcome of a calibration run.
type Result struct {
	Chain               *mat.Dense // NIterations*NWalkers rows (thinned), len(Params) cols
	LogProb             []float64  // final-iteration log-probabilities, one per walker
	AcceptanceFraction   float64
	BestSamples          [][]float64 // top NSamples walkers from the final iteration, by log-prob
}

func (d *Driver) dim() int { return len(d.Params) }

// DrawInitial draws nwalkers initial positions uniformly within bounds,
// gempyor's inferpar.draw_initial.
func (d *Driver) DrawInitial(src rand.Source) [][]float64 {
	u := rand.New(src)
	out := make([][]float64, d.NWalkers)
	for i := range out {
		row := make([]float64, d.dim())
		for j, p := range d.Params {
			row[j] = p.Low + u.Float64()*(p.High-p.Low)
		}
		out[i] = row
	}
	return out
}

// CheckInBound reports whether proposal lies within every parameter's
// bounds.
func (d *Driver) CheckInBound(proposal []float64) bool {
	for i, p := range d.Params {
		if proposal[i] < p.Low || proposal[i] > p.High {
			return false
		}
	}
	return true
}

// TestRun performs one smoke-test log-likelihood evaluation at the given
// position before spinning up the full worker pool, surfacing
// configuration errors immediately (gempyor's perform_test_run).
func (d *Driver) TestRun(position []float64, src rand.Source) error {
	ll := d.LogLik(0, position, src)
	if math.IsNaN(ll) {
		return flepierrs.NewValidationError("calibrate", fmt.Errorf("test run produced NaN log-likelihood"))
	}
	return nil
}

// Run executes the ensemble for NIterations stretch-move steps starting
// from p0 (len(p0) == NWalkers), evaluating all walkers for a given
// iteration in parallel via pargo/parallel.Range.
func (d *Driver) Run(p0 [][]float64) (*Result, error) {
	if len(p0) != d.NWalkers {
		return nil, flepierrs.NewValidationError("calibrate", fmt.Errorf(
			"initial position has %d walkers, expected %d", len(p0), d.NWalkers))
	}
	nWalkers := d.NWalkers
	dim := d.dim()
	half := nWalkers / 2

	positions := make([][]float64, nWalkers)
	copy(positions, p0)
	logProb := make([]float64, nWalkers)
	parallel.Range(0, nWalkers, func(low, high int) {
		for w := low; w < high; w++ {
			src := rand.NewSource(uint64(d.BaseSeed ^ int64(w)))
			logProb[w] = d.LogLik(w, positions[w], src)
		}
	})

	var accepted, proposed int
	thinned := make([][]float64, 0, d.NIterations*nWalkers/max(d.NThin, 1))

	for iter := 0; iter < d.NIterations; iter++ {
		for _, half2 := range [2][2]int{{0, half}, {half, nWalkers}} {
			lo, hi := half2[0], half2[1]
			otherLo, otherHi := hi, lo+nWalkers
			if lo == 0 {
				otherLo, otherHi = half, nWalkers
			} else {
				otherLo, otherHi = 0, half
			}
			newPos := make([][]float64, hi-lo)
			newProb := make([][]float64, hi-lo)
			accept := make([]bool, hi-lo)
			parallel.Range(lo, hi, func(rangeLo, rangeHi int) {
				for w := rangeLo; w < rangeHi; w++ {
					src := rand.NewSource(uint64(d.BaseSeed ^ int64(iter*nWalkers+w)))
					u := rand.New(src)
					complementSize := otherHi - otherLo
					partner := positions[otherLo+u.Intn(complementSize)]
					z := stretchZ(u, 2.0)
					proposal := make([]float64, dim)
					for k := 0; k < dim; k++ {
						proposal[k] = partner[k] + z*(positions[w][k]-partner[k])
					}
					idx := w - lo
					if !d.CheckInBound(proposal) {
						accept[idx] = false
						continue
					}
					ll := d.LogLik(w, proposal, src)
					logRatio := float64(dim-1)*math.Log(z) + ll - logProb[w]
					if math.Log(u.Float64()) < logRatio {
						accept[idx] = true
						newPos[idx] = proposal
						newProb[idx] = []float64{ll}
					} else {
						accept[idx] = false
					}
				}
			})
			for idx := 0; idx < hi-lo; idx++ {
				proposed++
				if accept[idx] {
					accepted++
					positions[lo+idx] = newPos[idx]
					logProb[lo+idx] = newProb[idx][0]
				}
			}
		}
		if d.NThin <= 0 || iter%d.NThin == 0 {
			for _, p := range positions {
				thinned = append(thinned, append([]float64(nil), p...))
			}
		}
		if d.Logger != nil {
			d.Logger.Debugf("calibration iteration %d/%d", iter+1, d.NIterations)
		}
	}

	chain := mat.NewDense(len(thinned), dim, nil)
	for i, row := range thinned {
		chain.SetRow(i, row)
	}

	nsamples := d.NSamples
	if nsamples <= 0 || nsamples > nWalkers {
		nsamples = nWalkers
	}
	order := argsortDesc(logProb)
	best := make([][]float64, 0, nsamples)
	for i := 0; i < nsamples; i++ {
		best = append(best, positions[order[i]])
	}

	acceptanceFraction := 0.0
	if proposed > 0 {
		acceptanceFraction = float64(accepted) / float64(proposed)
	}

	return &Result{
		Chain: chain, LogProb: logProb,
		AcceptanceFraction: acceptanceFraction, BestSamples: best,
	}, nil
}

func stretchZ(u *rand.Rand, a float64) float64 {
	// Goodman & Weare's g(z) ∝ 1/sqrt(z) on [1/a, a].
	r := u.Float64()
	sqrtA := math.Sqrt(a)
	return ((sqrtA - 1/sqrtA) * r + 1/sqrtA) * ((sqrtA - 1/sqrtA) * r + 1/sqrtA)
}

func argsortDesc(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && v[idx[j]] > v[idx[j-1]]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	return idx
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PlotChains renders each parameter's walker traces to a PNG diagnostic
// plot, mirroring gempyor.postprocess_inference.plot_chains. chain has
// NIterations*NWalkers rows; walkers is the number of walkers per
// iteration needed to slice rows back into per-walker traces.
func PlotChains(chain *mat.Dense, paramNames []string, walkers int, path string) error {
	rows, cols := chain.Dims()
	if walkers <= 0 || rows%walkers != 0 {
		return flepierrs.NewValidationError("calibrate", fmt.Errorf(
			"chain has %d rows, not a multiple of %d walkers", rows, walkers))
	}
	iterations := rows / walkers
	p := plot.New()
	p.Title.Text = "calibration chains"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "value"

	for col := 0; col < cols && col < len(paramNames); col++ {
		for w := 0; w < walkers; w++ {
			pts := make(plotter.XYs, iterations)
			for it := 0; it < iterations; it++ {
				pts[it].X = float64(it)
				pts[it].Y = chain.At(it*walkers+w, col)
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return flepierrs.NewIOError(path, err)
			}
			p.Add(line)
		}
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return flepierrs.NewIOError(path, err)
	}
	return nil
}
