// Package distribution implements the parameter engine's random
// distribution samplers: fixed, uniform, truncated normal, lognormal,
// poisson and binomial, the set named in the config's "distribution" key
// (gempyor's as_random_distribution()). Every sampler draws from an
// explicit RNG source passed to Draw rather than a package-global one,
// so concurrent ensemble workers that each pass their own source never
// share mutable RNG state.
package distribution

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/flepigo/flepigo/flepierrs"
)

// Sampler draws a single value from a configured distribution using src
// for randomness.
type Sampler interface {
	// Draw returns one realization.
	Draw(src rand.Source) float64
	// Name identifies the distribution kind, for diagnostics and
	// persisted-artifact round-tripping.
	Name() string
}

// Fixed always returns the same value. Gonum's distuv package has no
// degenerate distribution, so this is implemented directly.
type Fixed struct {
	Value float64
}

func (f Fixed) Draw(rand.Source) float64 { return f.Value }
func (Fixed) Name() string               { return "fixed" }

// Uniform draws from U(Low, High).
type Uniform struct {
	Low, High float64
}

func (u Uniform) Draw(src rand.Source) float64 {
	d := distuv.Uniform{Min: u.Low, Max: u.High, Src: src}
	return d.Rand()
}
func (Uniform) Name() string { return "uniform" }

// TruncNormal draws from N(Mean, SD) rejected to [Low, High]. gonum's
// distuv has no truncated-normal, so this resamples until the draw falls
// in range, matching scipy.stats.truncnorm's support semantics without
// its closed-form machinery (acceptable for the narrow windows these
// parameters use in practice).
type TruncNormal struct {
	Mean, SD, Low, High float64
}

func (t TruncNormal) Draw(src rand.Source) float64 {
	d := distuv.Normal{Mu: t.Mean, Sigma: t.SD, Src: src}
	for i := 0; i < 10000; i++ {
		v := d.Rand()
		if v >= t.Low && v <= t.High {
			return v
		}
	}
	// Fall back to a hard clamp rather than spin forever on a
	// degenerate (near zero-width or far off-mean) window.
	return math.Min(math.Max(d.Rand(), t.Low), t.High)
}
func (TruncNormal) Name() string { return "truncnorm" }

// LogNormal draws from a lognormal distribution with the given
// underlying-normal mean and sd.
type LogNormal struct {
	Mean, SD float64
}

func (l LogNormal) Draw(src rand.Source) float64 {
	d := distuv.LogNormal{Mu: l.Mean, Sigma: l.SD, Src: src}
	return d.Rand()
}
func (LogNormal) Name() string { return "lognorm" }

// Poisson draws from Poisson(Lambda).
type Poisson struct {
	Lambda float64
}

func (p Poisson) Draw(src rand.Source) float64 {
	d := distuv.Poisson{Lambda: p.Lambda, Src: src}
	return d.Rand()
}
func (Poisson) Name() string { return "poisson" }

// Binomial draws from Binomial(N, P), used both as a parameter
// distribution and (directly, not through this interface) as the
// integrator's stochastic transition draw.
type Binomial struct {
	N int
	P float64
}

func (b Binomial) Draw(src rand.Source) float64 {
	d := distuv.Binomial{N: float64(b.N), P: b.P, Src: src}
	return d.Rand()
}
func (Binomial) Name() string { return "binomial" }

// Parse builds a Sampler from a distribution kind name and its named
// parameters, mirroring gempyor's distribution config schema
// ({distribution: uniform, low: ..., high: ...}). Returns a ConfigError
// for an unrecognized kind.
func Parse(kind string, params map[string]float64) (Sampler, error) {
	switch kind {
	case "fixed":
		return Fixed{Value: params["value"]}, nil
	case "uniform":
		return Uniform{Low: params["low"], High: params["high"]}, nil
	case "truncnorm":
		return TruncNormal{Mean: params["mean"], SD: params["sd"], Low: params["a"], High: params["b"]}, nil
	case "lognorm":
		return LogNormal{Mean: params["meanlog"], SD: params["sdlog"]}, nil
	case "poisson":
		return Poisson{Lambda: params["lam"]}, nil
	case "binomial":
		return Binomial{N: int(params["n"]), P: params["p"]}, nil
	default:
		return nil, flepierrs.NewConfigError("distribution", errUnknownKind(kind))
	}
}

type unknownKindError string

func (e unknownKindError) Error() string { return "unrecognized distribution kind: " + string(e) }

func errUnknownKind(kind string) error { return unknownKindError(kind) }
