// Package model is the driver (component I): it wires together a
// subpopulation structure, time grid, compiled compartments, parameter
// engine and modifiers into one immutable Info shared read-only across
// every simulation in an ensemble, and Run advances exactly one
// simulation through the mandatory sequence: quick-draw or load
// parameters, reduce modifiers, seed, draw initial conditions, integrate,
// persist.
package model

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/artifact"
	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/config"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/fplog"
	"github.com/flepigo/flepigo/initialconditions"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/seeding"
	"github.com/flepigo/flepigo/seir"
	"github.com/flepigo/flepigo/subpop"
	"github.com/flepigo/flepigo/timegrid"
)

// Info is the shared, immutable state of one scenario: everything that
// is the same across every simulation in an ensemble (subpopulation
// structure, time grid, compiled compartments, parameter specs). It is
// safe to share a single *Info by pointer across concurrent ensemble
// workers; no field is ever mutated after Load returns.
type Info struct {
	Name       string
	SetupName  string
	Subpops    *subpop.Structure
	Grid       *timegrid.Grid
	Compiled   *compartments.Compiled
	Engine     *parameters.Engine
	SeedEvents map[int][]seeding.Event
	DefaultIC  int // default-compartment index for AllIn initial conditions

	// CompartmentAxes is the alphabetically-ordered axis name list
	// resolved from configuration, kept alongside Compiled so
	// modifier/transition config blocks can be re-resolved without
	// reloading the YAML.
	CompartmentAxes []string
	// ModifiersView is the seir_modifiers.modifiers config subtree, kept
	// for BuildModifiers to draw fresh or restored modifiers per
	// simulation; nil if the scenario declares no modifiers.
	ModifiersView *config.View

	RunID     string
	OutRunID  string
	Prefix    string
	OutPrefix string
	OutputDir string

	Logger *fplog.Logger
	Writer artifact.Writer
}

// RunResult is the outcome of one simulation.
type RunResult struct {
	SimID      int
	Trajectory *seir.Trajectory
	ParamTensor *parameters.Tensor
}

// Run executes simulation simID: draws (or loads) parameters, reduces
// modifiers into the resulting tensor, builds initial conditions,
// integrates, and persists seir/spar/snpi artifacts. Integration failures
// are returned as *flepierrs.IntegrationError (or *flepierrs.Cancelled)
// rather than panicking, so a calibration loop can score this simID -Inf
// and continue with the rest of the ensemble.
func Run(
	ctx context.Context,
	info *Info,
	simID int,
	src rand.Source,
	overrides map[string]float64,
	modifiersByParam map[string][]parameters.Reducer,
	snpiRows []artifact.SNPIRow,
	stochastic bool,
	save bool,
) (*RunResult, error) {
	log := info.Logger
	if log == nil {
		log = fplog.Nop()
	}
	log = log.ForSim(simID)

	var tensor *parameters.Tensor
	var err error
	if overrides != nil {
		tensor, err = info.Engine.Load(overrides)
	} else {
		tensor, err = info.Engine.QuickDraw(src)
	}
	if err != nil {
		return nil, err
	}

	if err := info.Engine.ReduceAll(tensor, modifiersByParam); err != nil {
		return nil, err
	}

	ic, err := initialconditions.AllIn(info.Subpops.Population, info.Compiled.NumCompartments(), info.DefaultIC)
	if err != nil {
		return nil, err
	}

	paramIndex := make(map[string]int, len(info.Engine.Specs))
	for _, spec := range info.Engine.Specs {
		paramIndex[spec.Name] = info.Engine.IndexOf(spec.Name)
	}

	traj, err := seir.Integrate(ctx, info.Compiled, tensor, paramIndex, info.Subpops, ic, info.SeedEvents, src,
		seir.Options{Stochastic: stochastic, SimID: simID, Logger: log})
	if err != nil {
		return nil, err
	}

	if save {
		if info.Writer == nil {
			return nil, flepierrs.NewIOError(info.OutputDir, fmt.Errorf("save requested but no artifact.Writer configured"))
		}
		seirPath := artifact.SEIRPath(info.OutputDir, info.OutPrefix, info.OutRunID, simID, info.SetupName)
		if err := info.Writer.WriteSEIR(seirPath, info.Grid, info.Compiled, info.Subpops, traj); err != nil {
			return nil, err
		}
		sparPath := artifact.SPARPath(info.OutputDir, info.OutPrefix, info.OutRunID, simID, info.SetupName)
		if err := info.Writer.WriteSPAR(sparPath, info.Engine, info.Grid, info.Subpops, tensor); err != nil {
			return nil, err
		}
		if len(snpiRows) > 0 {
			snpiPath := artifact.SNPIPath(info.OutputDir, info.OutPrefix, info.OutRunID, simID, info.SetupName)
			if err := info.Writer.WriteSNPI(snpiPath, snpiRows); err != nil {
				return nil, err
			}
		}
	}

	return &RunResult{SimID: simID, Trajectory: traj, ParamTensor: tensor}, nil
}
