package model

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/artifact"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func writeMinimalScenario(t *testing.T, dir string) string {
	t.Helper()
	geodata := writeFile(t, dir, "geodata.csv", "subpop,population\na,1000\nb,2000\n")

	cfg := `
name: test_scenario
setup_name: unit_test
start_date: 2024-01-01
end_date: 2024-01-10
subpop_setup:
  geodata: ` + geodata + `
compartments:
  infection_stage: [S, I, R]
seir:
  parameters:
    beta:
      value: 0.3
    gamma:
      value: 0.1
  transitions:
    - source:
        infection_stage: S
      destination:
        infection_stage: I
      rate: beta
      proportional_to:
        - infection_stage: I
    - source:
        infection_stage: I
      destination:
        infection_stage: R
      rate: gamma
initial_conditions:
  default_compartment: S
`
	return writeFile(t, dir, "config.yml", cfg)
}

func TestLoadWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeMinimalScenario(t, dir)

	info, err := Load(cfgPath, LoadOptions{RunID: "run1", OutRunID: "run1"})
	require.NoError(t, err)

	require.Equal(t, "test_scenario", info.Name)
	require.Equal(t, "unit_test", info.SetupName)
	require.Equal(t, 10, info.Grid.NumDays())
	require.Equal(t, []string{"a", "b"}, info.Subpops.Names)
	require.Equal(t, 3, info.Compiled.NumCompartments())
	require.Equal(t, []string{"infection_stage"}, info.CompartmentAxes)
	require.Equal(t, -1, info.Engine.IndexOf("does_not_exist"))
	require.NotEqual(t, -1, info.Engine.IndexOf("beta"))
	require.Nil(t, info.ModifiersView)

	tensor, err := info.Engine.QuickDraw(rand.NewSource(1))
	require.NoError(t, err)
	require.Equal(t, 0.3, tensor.At(info.Engine.IndexOf("beta"), 0, 0))
}

func TestLoadParsesProportionExponent(t *testing.T) {
	dir := t.TempDir()
	geodata := writeFile(t, dir, "geodata.csv", "subpop,population\na,1000\n")
	cfg := `
name: test_scenario
setup_name: unit_test
start_date: 2024-01-01
end_date: 2024-01-10
subpop_setup:
  geodata: ` + geodata + `
compartments:
  infection_stage: [S, I, R]
seir:
  parameters:
    beta:
      value: 0.3
    gamma:
      value: 0.1
  transitions:
    - source:
        infection_stage: S
      destination:
        infection_stage: I
      rate: beta
      proportional_to:
        - infection_stage: I
      proportion_exponent: 0.9
    - source:
        infection_stage: I
      destination:
        infection_stage: R
      rate: gamma
initial_conditions:
  default_compartment: S
`
	cfgPath := writeFile(t, dir, "config.yml", cfg)
	info, err := Load(cfgPath, LoadOptions{RunID: "run1", OutRunID: "run1"})
	require.NoError(t, err)
	require.Equal(t, 0.9, info.Compiled.Transitions[0].ProportionExponent)
	require.Equal(t, 1.0, info.Compiled.Transitions[1].ProportionExponent)
}

func TestLoadRejectsMissingRequiredSections(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yml", "name: test\nstart_date: 2024-01-01\nend_date: 2024-01-10\n")
	_, err := Load(p, LoadOptions{})
	require.Error(t, err)
}

func writeScenarioWithModifiers(t *testing.T, dir string) string {
	t.Helper()
	geodata := writeFile(t, dir, "geodata.csv", "subpop,population\na,1000\nb,2000\n")

	cfg := `
name: test_scenario
setup_name: unit_test
start_date: 2024-01-01
end_date: 2024-01-20
subpop_setup:
  geodata: ` + geodata + `
compartments:
  infection_stage: [S, I, R]
seir:
  parameters:
    beta:
      value: 0.3
    gamma:
      value: 0.1
  transitions:
    - source:
        infection_stage: S
      destination:
        infection_stage: I
      rate: beta
      proportional_to:
        - infection_stage: I
    - source:
        infection_stage: I
      destination:
        infection_stage: R
      rate: gamma
initial_conditions:
  default_compartment: S
seir_modifiers:
  modifiers:
    lockdown:
      method: SinglePeriodModifier
      parameter: beta
      period_start_date: 2024-01-05
      period_end_date: 2024-01-15
      value:
        distribution: fixed
        value: 0.5
`
	return writeFile(t, dir, "config.yml", cfg)
}

func TestBuildModifiersDrawsSinglePeriodModifier(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeScenarioWithModifiers(t, dir)
	info, err := Load(cfgPath, LoadOptions{RunID: "run1", OutRunID: "run1"})
	require.NoError(t, err)
	require.NotNil(t, info.ModifiersView)

	modifiers, rows, err := info.BuildModifiers(rand.NewSource(1), nil)
	require.NoError(t, err)
	require.Contains(t, modifiers, "beta")
	require.Len(t, rows, 2) // one row per subpop, ungrouped

	for _, row := range rows {
		require.Equal(t, "lockdown", row.ModifierName)
		require.Equal(t, "beta", row.Parameter)
		require.Equal(t, 0.5, row.Value)
		require.Equal(t, "2024-01-05", row.StartDate)
		require.Equal(t, "2024-01-15", row.EndDate)
	}
}

func TestBuildModifiersRejectsStartAfterEnd(t *testing.T) {
	dir := t.TempDir()
	geodata := writeFile(t, dir, "geodata.csv", "subpop,population\na,1000\nb,2000\n")
	cfg := `
name: test_scenario
setup_name: unit_test
start_date: 2024-01-01
end_date: 2024-01-20
subpop_setup:
  geodata: ` + geodata + `
compartments:
  infection_stage: [S, I, R]
seir:
  parameters:
    beta:
      value: 0.3
    gamma:
      value: 0.1
  transitions:
    - source:
        infection_stage: S
      destination:
        infection_stage: I
      rate: beta
      proportional_to:
        - infection_stage: I
    - source:
        infection_stage: I
      destination:
        infection_stage: R
      rate: gamma
initial_conditions:
  default_compartment: S
seir_modifiers:
  modifiers:
    backwards:
      method: SinglePeriodModifier
      parameter: beta
      period_start_date: 2024-01-15
      period_end_date: 2024-01-05
      value:
        distribution: fixed
        value: 0.5
`
	cfgPath := writeFile(t, dir, "config.yml", cfg)
	info, err := Load(cfgPath, LoadOptions{RunID: "run1", OutRunID: "run1"})
	require.NoError(t, err)

	_, _, err = info.BuildModifiers(rand.NewSource(1), nil)
	require.Error(t, err)
}

func TestBuildModifiersRestoresFromLoadedRows(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeScenarioWithModifiers(t, dir)
	info, err := Load(cfgPath, LoadOptions{RunID: "run1", OutRunID: "run1"})
	require.NoError(t, err)

	loaded := []artifact.SNPIRow{
		{ModifierName: "lockdown", Subpop: "a", Parameter: "beta", StartDate: "2024-01-05", EndDate: "2024-01-15", Value: 0.9},
		{ModifierName: "lockdown", Subpop: "b", Parameter: "beta", StartDate: "2024-01-05", EndDate: "2024-01-15", Value: 0.9},
	}

	modifiers, rows, err := info.BuildModifiers(rand.NewSource(1), loaded)
	require.NoError(t, err)
	require.Contains(t, modifiers, "beta")
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, 0.9, row.Value)
	}
}
