package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/flepigo/flepigo/artifact"
	"github.com/flepigo/flepigo/calibrate"
	"github.com/flepigo/flepigo/config"
	"github.com/flepigo/flepigo/flepierrs"
	"github.com/flepigo/flepigo/fplog"
	"github.com/flepigo/flepigo/model"
)

const programName = "flepigo"

const usage = "\n" + programName + " usage:\n" +
	"  flepigo simulate --config FILE [--project_path DIR] [--id RUN_ID] [--prefix PREFIX] [--nslots N] [--stochastic]\n" +
	"  flepigo calibrate --config FILE [--project_path DIR] [--nwalkers N] [--niterations N] [--nsamples N] [--nthin N] [--jobs N] [--id RUN_ID] [--prefix PREFIX] [--resume] [--resume_location PATH]\n"

func parseFlags(flags *flag.FlagSet, args []string, help string) {
	flags.SetOutput(ioutil.Discard)
	if err := flags.Parse(args); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "simulate":
		err = runSimulate(os.Args[2:])
	case "calibrate":
		err = runCalibrate(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unrecognized subcommand %q\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultRunID() string {
	return time.Now().UTC().Format("20060102_150405")
}

// runSimulate draws nslots independent ensemble members from one scenario
// and persists seir/spar/snpi for each, the `simulate` subcommand's
// contract per spec.md §6.
func runSimulate(args []string) error {
	flags := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "path to the scenario YAML configuration")
	projectPath := flags.String("project_path", ".", "directory output artifacts are written under")
	runID := flags.String("id", "", "run id; defaults to a UTC timestamp")
	prefix := flags.String("prefix", "", "output filename prefix")
	nslots := flags.Int("nslots", 1, "number of ensemble members to simulate")
	stochastic := flags.Bool("stochastic", false, "use the stochastic (binomial) integrator instead of the deterministic one")
	verbose := flags.Bool("verbose", false, "enable debug-level logging")
	parseFlags(flags, args, usage)

	if *cfgPath == "" {
		return flepierrs.NewConfigError("config", fmt.Errorf("--config is required"))
	}
	if *runID == "" {
		*runID = defaultRunID()
	}

	logger := fplog.New(os.Stderr, *verbose)
	info, err := model.Load(*cfgPath, model.LoadOptions{
		RunID: *runID, OutRunID: *runID,
		Prefix: *prefix, OutPrefix: *prefix,
		OutputDir: filepath.Join(*projectPath, "model_output"),
		Logger:    logger,
		Writer:    artifact.CSVWriter{},
	})
	if err != nil {
		return err
	}

	src := rand.NewSource(uint64(time.Now().UnixNano()))
	for sim := 1; sim <= *nslots; sim++ {
		modifiers, snpiRows, err := info.BuildModifiers(src, nil)
		if err != nil {
			return err
		}
		if _, err := model.Run(context.Background(), info, sim, src, nil, modifiers, snpiRows, *stochastic, true); err != nil {
			return err
		}
		logger.Infof("simulated slot %d/%d", sim, *nslots)
	}
	return nil
}

// inferenceSpec is the calibrate subcommand's observed-data and free-
// parameter configuration (seir_modifiers.modifiers remain part of the
// scenario; inference.parameters is the subset of seir.parameters calibrate
// is allowed to move).
type inferenceSpec struct {
	GroundTruthPath string
	Statistic       string // "incidence" or "prevalence"
	Compartment     string // joined compartment name_tuple; empty means summed across all compartments
	Params          []calibrate.InferParam
}

func loadInference(view *config.View) (*inferenceSpec, error) {
	infView, ok := view.Sub("inference")
	if !ok {
		return nil, flepierrs.NewConfigError("inference", fmt.Errorf("missing required section for calibration"))
	}
	gtView, ok := infView.Sub("gt_data_path")
	if !ok {
		return nil, flepierrs.NewConfigError("inference.gt_data_path", fmt.Errorf("missing required key"))
	}
	gtPath, err := gtView.String()
	if err != nil {
		return nil, err
	}
	statistic := "incidence"
	if sv, ok := infView.Sub("statistic"); ok {
		statistic, err = sv.String()
		if err != nil {
			return nil, err
		}
	}
	compartment := ""
	if cv, ok := infView.Sub("compartment"); ok {
		tuple, err := cv.AsStringSlice()
		if err != nil {
			return nil, err
		}
		compartment = joinUnderscore(tuple)
	}

	paramsView, ok := infView.Sub("parameters")
	if !ok {
		return nil, flepierrs.NewConfigError("inference.parameters", fmt.Errorf("missing required section"))
	}
	var params []calibrate.InferParam
	names := paramsView.Keys()
	sort.Strings(names)
	for _, name := range names {
		pView, _ := paramsView.Sub(name)
		lowView, ok := pView.Sub("low")
		if !ok {
			return nil, flepierrs.NewConfigError("inference.parameters."+name, fmt.Errorf("missing 'low'"))
		}
		low, err := lowView.AsNumber()
		if err != nil {
			return nil, err
		}
		highView, ok := pView.Sub("high")
		if !ok {
			return nil, flepierrs.NewConfigError("inference.parameters."+name, fmt.Errorf("missing 'high'"))
		}
		high, err := highView.AsNumber()
		if err != nil {
			return nil, err
		}
		params = append(params, calibrate.InferParam{Name: name, Low: low, High: high})
	}
	return &inferenceSpec{
		GroundTruthPath: gtPath, Statistic: statistic, Compartment: compartment, Params: params,
	}, nil
}

func joinUnderscore(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "_"
		}
		out += p
	}
	return out
}

// groundTruth is one observed row: date index (grid day offset), subpop
// index, observed count.
type groundTruth struct {
	Day, Subpop int
	Value       float64
}

func loadGroundTruth(path string, info *model.Info) ([]groundTruth, error) {
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
	for _, required := range []string{"date", "subpop", "value"} {
		if _, ok := col[required]; !ok {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("missing required column %q", required))
		}
	}

	var out []groundTruth
	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		t, err := time.Parse("2006-01-02", row[col["date"]])
		if err != nil {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("invalid date %q: %w", row[col["date"]], err))
		}
		day := info.Grid.DayOf(t)
		if day < 0 {
			continue
		}
		sp := info.Subpops.IndexOf(row[col["subpop"]])
		if sp < 0 {
			return nil, flepierrs.NewValidationError("inference", fmt.Errorf(
				"ground truth references unknown subpop %q", row[col["subpop"]]))
		}
		var v float64
		if _, err := fmt.Sscanf(row[col["value"]], "%g", &v); err != nil {
			return nil, flepierrs.NewIOError(path, fmt.Errorf("invalid value %q: %w", row[col["value"]], err))
		}
		out = append(out, groundTruth{Day: day, Subpop: sp, Value: v})
	}
	return out, nil
}

var negInf = math.Inf(-1)

// logLikelihood builds calibrate.Driver's callback: simulate with the
// proposed parameter overrides, sum each observed row's Poisson
// log-probability against the simulated statistic, gempyor's
// statistics.py "poisson" likelihood.
func logLikelihood(info *model.Info, spec *inferenceSpec, gt []groundTruth, resumeRows []artifact.SNPIRow) calibrate.LogLikelihoodFunc {
	compIdx := -1
	if spec.Compartment != "" {
		compIdx = info.Compiled.IndexOf(spec.Compartment)
	}
	return func(simID int, params []float64, src rand.Source) float64 {
		overrides := make(map[string]float64, len(params))
		for i, p := range spec.Params {
			overrides[p.Name] = params[i]
		}
		modifiers, _, err := info.BuildModifiers(src, resumeRows)
		if err != nil {
			return negInf
		}
		result, err := model.Run(context.Background(), info, simID, src, overrides, modifiers, nil, false, false)
		if err != nil {
			return negInf
		}
		ll := 0.0
		for _, row := range gt {
			sim := sumStatistic(result.Trajectory, row.Day, row.Subpop, spec.Statistic, compIdx, info.Compiled.NumCompartments())
			if sim < 0 {
				return negInf
			}
			d := distuv.Poisson{Lambda: sim + 1e-9}
			ll += d.LogProb(row.Value)
		}
		return ll
	}
}

func sumStatistic(traj interface {
	Incidence(day, comp, sp int) float64
	Prevalence(day, comp, sp int) float64
}, day, sp int, statistic string, compIdx, numCompartments int) float64 {
	read := traj.Incidence
	if statistic == "prevalence" {
		read = traj.Prevalence
	}
	if compIdx >= 0 {
		return read(day, compIdx, sp)
	}
	total := 0.0
	for c := 0; c < numCompartments; c++ {
		total += read(day, c, sp)
	}
	return total
}

// runCalibrate drives an ensemble stretch-move calibration of the free
// parameters named under inference.parameters against the configured
// ground-truth series, the `calibrate` subcommand's contract per spec.md §6.
func runCalibrate(args []string) error {
	flags := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "path to the scenario YAML configuration")
	projectPath := flags.String("project_path", ".", "directory output artifacts are written under")
	nwalkers := flags.Int("nwalkers", 16, "number of ensemble walkers")
	niterations := flags.Int("niterations", 100, "number of stretch-move iterations")
	nsamples := flags.Int("nsamples", 1, "number of best final-iteration walkers to persist")
	nthin := flags.Int("nthin", 1, "thinning interval for the persisted chain")
	jobs := flags.Int("jobs", 1, "reserved for future worker-pool sizing; evaluation concurrency is governed by pargo/parallel")
	runID := flags.String("id", "", "run id; defaults to a UTC timestamp")
	prefix := flags.String("prefix", "", "output filename prefix")
	resume := flags.Bool("resume", false, "resume a previous calibration's snpi draws instead of drawing fresh")
	resumeLocation := flags.String("resume_location", "", "path to a previously persisted snpi CSV to restore modifier draws from")
	verbose := flags.Bool("verbose", false, "enable debug-level logging")
	parseFlags(flags, args, usage)

	if *cfgPath == "" {
		return flepierrs.NewConfigError("config", fmt.Errorf("--config is required"))
	}
	if *runID == "" {
		*runID = defaultRunID()
	}
	if *resume && *resumeLocation == "" {
		return flepierrs.NewConfigError("resume_location", fmt.Errorf("--resume requires --resume_location"))
	}

	logger := fplog.New(os.Stderr, *verbose)
	info, err := model.Load(*cfgPath, model.LoadOptions{
		RunID: *runID, OutRunID: *runID,
		Prefix: *prefix, OutPrefix: *prefix,
		OutputDir: filepath.Join(*projectPath, "model_output"),
		Logger:    logger,
		Writer:    artifact.CSVWriter{},
	})
	if err != nil {
		return err
	}

	view, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	spec, err := loadInference(view)
	if err != nil {
		return err
	}
	gt, err := loadGroundTruth(spec.GroundTruthPath, info)
	if err != nil {
		return err
	}

	var resumeRows []artifact.SNPIRow
	if *resume {
		resumeRows, err = artifact.ReadSNPI(*resumeLocation)
		if err != nil {
			return err
		}
	}

	driver := &calibrate.Driver{
		Params: spec.Params, NWalkers: *nwalkers, NIterations: *niterations,
		NThin: *nthin, NSamples: *nsamples, Jobs: *jobs,
		BaseSeed: time.Now().UnixNano(),
		LogLik:   logLikelihood(info, spec, gt, resumeRows),
		Logger:   logger,
	}

	p0 := driver.DrawInitial(rand.NewSource(uint64(driver.BaseSeed)))
	if err := driver.TestRun(p0[0], rand.NewSource(uint64(driver.BaseSeed))); err != nil {
		return err
	}
	result, err := driver.Run(p0)
	if err != nil {
		return err
	}
	logger.Infof("calibration complete: acceptance fraction %.3f", result.AcceptanceFraction)

	for i, sample := range result.BestSamples {
		overrides := make(map[string]float64, len(sample))
		for j, p := range spec.Params {
			overrides[p.Name] = sample[j]
		}
		sampleSrc := rand.NewSource(uint64(driver.BaseSeed ^ int64(i)))
		modifiers, snpiRows, err := info.BuildModifiers(sampleSrc, resumeRows)
		if err != nil {
			return err
		}
		if _, err := model.Run(context.Background(), info, i+1, sampleSrc, overrides, modifiers, snpiRows, false, true); err != nil {
			return err
		}
	}

	paramNames := make([]string, len(spec.Params))
	for i, p := range spec.Params {
		paramNames[i] = p.Name
	}
	plotPath := filepath.Join(*projectPath, "model_output", "calibration_chains.png")
	if err := calibrate.PlotChains(result.Chain, paramNames, *nwalkers, plotPath); err != nil {
		logger.Warnf("failed to render calibration diagnostic plot: %v", err)
	}
	return nil
}
