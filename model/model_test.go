package model

import (
	"context"
	"testing"
	"time"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/subpop"
	"github.com/flepigo/flepigo/timegrid"
	"github.com/stretchr/testify/require"
)

func buildInfo(t *testing.T) *Info {
	t.Helper()
	grid, err := timegrid.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	compiled, err := compartments.Compile(
		[]compartments.Spec{{Name: "stage", Values: []string{"S", "I", "R"}}},
		[]compartments.TransitionSpec{
			{From: []string{"S"}, To: []string{"I"}, Rate: "beta", ProportionalTo: [][]string{{"I"}}},
			{From: []string{"I"}, To: []string{"R"}, Rate: "gamma"},
		},
	)
	require.NoError(t, err)
	subpops, err := subpop.New([]string{"a"}, []float64{1000}, nil)
	require.NoError(t, err)
	specs := []parameters.ParamSpec{
		{Name: "beta", Kind: parameters.KindFixed, Fixed: 0.3},
		{Name: "gamma", Kind: parameters.KindFixed, Fixed: 0.1},
	}
	engine, err := parameters.New(specs, subpops.Names, grid.NumDays())
	require.NoError(t, err)

	return &Info{
		Name: "test", SetupName: "test_setup",
		Subpops: subpops, Grid: grid, Compiled: compiled, Engine: engine,
		DefaultIC: 0, RunID: "run1", OutRunID: "run1",
	}
}

func TestRunProducesConservedTrajectory(t *testing.T) {
	info := buildInfo(t)
	result, err := Run(context.Background(), info, 1, rand.NewSource(1), nil, nil, nil, false, false)
	require.NoError(t, err)
	require.NotNil(t, result.Trajectory)

	for day := 0; day < info.Grid.NumDays(); day++ {
		total := 0.0
		for c := 0; c < info.Compiled.NumCompartments(); c++ {
			total += result.Trajectory.Prevalence(day, c, 0)
		}
		require.InDelta(t, 1000.0, total, 1e-3)
	}
}

func TestRunWithOverridesUsesProvidedValues(t *testing.T) {
	info := buildInfo(t)
	result, err := Run(context.Background(), info, 1, rand.NewSource(1),
		map[string]float64{"beta": 0.5, "gamma": 0.2}, nil, nil, false, false)
	require.NoError(t, err)
	require.Equal(t, 0.5, result.ParamTensor.At(info.Engine.IndexOf("beta"), 0, 0))
}

func TestRunSaveWithoutWriterIsError(t *testing.T) {
	info := buildInfo(t)
	_, err := Run(context.Background(), info, 1, rand.NewSource(1), nil, nil, nil, false, true)
	require.Error(t, err)
}
