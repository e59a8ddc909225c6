package seir

import (
	"context"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/compartments"
	"github.com/flepigo/flepigo/initialconditions"
	"github.com/flepigo/flepigo/parameters"
	"github.com/flepigo/flepigo/subpop"
	"github.com/stretchr/testify/require"
)

func buildSIR(t *testing.T) (*compartments.Compiled, []string) {
	t.Helper()
	specs := []compartments.Spec{{Name: "stage", Values: []string{"S", "I", "R"}}}
	transitions := []compartments.TransitionSpec{
		{From: []string{"S"}, To: []string{"I"}, Rate: "beta", ProportionalTo: [][]string{{"I"}}},
		{From: []string{"I"}, To: []string{"R"}, Rate: "gamma"},
	}
	compiled, err := compartments.Compile(specs, transitions)
	require.NoError(t, err)
	return compiled, []string{"beta", "gamma"}
}

func TestIntegrateConservesPopulationDeterministic(t *testing.T) {
	compiled, _ := buildSIR(t)
	subpops, err := subpop.New([]string{"a"}, []float64{1000}, nil)
	require.NoError(t, err)

	specs := []parameters.ParamSpec{
		{Name: "beta", Kind: parameters.KindFixed, Fixed: 0.3},
		{Name: "gamma", Kind: parameters.KindFixed, Fixed: 0.1},
	}
	engine, err := parameters.New(specs, subpops.Names, 30)
	require.NoError(t, err)
	tensor, err := engine.QuickDraw(rand.NewSource(1))
	require.NoError(t, err)

	ic, err := initialconditions.AllIn(subpops.Population, compiled.NumCompartments(), indexOf(compiled, "S"))
	require.NoError(t, err)
	ic.Values[0][indexOf(compiled, "S")] -= 10
	ic.Values[0][indexOf(compiled, "I")] += 10

	paramIndex := map[string]int{"beta": engine.IndexOf("beta"), "gamma": engine.IndexOf("gamma")}
	traj, err := Integrate(context.Background(), compiled, tensor, paramIndex, subpops, ic, nil,
		rand.NewSource(1), Options{Stochastic: false, StepsPerDay: 4})
	require.NoError(t, err)

	for day := 0; day < 30; day++ {
		total := 0.0
		for c := 0; c < compiled.NumCompartments(); c++ {
			total += traj.Prevalence(day, c, 0)
		}
		require.InDelta(t, 1000.0, total, ConservationTolerance, "day %d", day)
	}
}

func TestIntegrateConservesPopulationStochastic(t *testing.T) {
	compiled, _ := buildSIR(t)
	subpops, err := subpop.New([]string{"a"}, []float64{500}, nil)
	require.NoError(t, err)

	specs := []parameters.ParamSpec{
		{Name: "beta", Kind: parameters.KindFixed, Fixed: 0.4},
		{Name: "gamma", Kind: parameters.KindFixed, Fixed: 0.2},
	}
	engine, err := parameters.New(specs, subpops.Names, 20)
	require.NoError(t, err)
	tensor, err := engine.QuickDraw(rand.NewSource(2))
	require.NoError(t, err)

	ic, err := initialconditions.AllIn(subpops.Population, compiled.NumCompartments(), indexOf(compiled, "S"))
	require.NoError(t, err)
	ic.Values[0][indexOf(compiled, "S")] -= 20
	ic.Values[0][indexOf(compiled, "I")] += 20

	paramIndex := map[string]int{"beta": engine.IndexOf("beta"), "gamma": engine.IndexOf("gamma")}
	traj, err := Integrate(context.Background(), compiled, tensor, paramIndex, subpops, ic, nil,
		rand.NewSource(99), Options{Stochastic: true, StepsPerDay: 4})
	require.NoError(t, err)

	for day := 0; day < 20; day++ {
		total := 0.0
		for c := 0; c < compiled.NumCompartments(); c++ {
			v := traj.Prevalence(day, c, 0)
			require.GreaterOrEqual(t, v, 0.0)
			total += v
		}
		require.InDelta(t, 500.0, total, ConservationTolerance, "day %d", day)
	}
}

func TestIntegrateRespectsCancellation(t *testing.T) {
	compiled, _ := buildSIR(t)
	subpops, err := subpop.New([]string{"a"}, []float64{100}, nil)
	require.NoError(t, err)
	specs := []parameters.ParamSpec{
		{Name: "beta", Kind: parameters.KindFixed, Fixed: 0.1},
		{Name: "gamma", Kind: parameters.KindFixed, Fixed: 0.1},
	}
	engine, err := parameters.New(specs, subpops.Names, 5)
	require.NoError(t, err)
	tensor, err := engine.QuickDraw(rand.NewSource(1))
	require.NoError(t, err)
	ic, err := initialconditions.AllIn(subpops.Population, compiled.NumCompartments(), indexOf(compiled, "S"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	paramIndex := map[string]int{"beta": engine.IndexOf("beta"), "gamma": engine.IndexOf("gamma")}
	_, err = Integrate(ctx, compiled, tensor, paramIndex, subpops, ic, nil, rand.NewSource(1), Options{SimID: 3})
	require.Error(t, err)
}

func indexOf(c *compartments.Compiled, name string) int {
	for i, s := range c.UniqueStrings {
		if s == name {
			return i
		}
	}
	return -1
}
