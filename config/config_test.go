package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoadRejectsLegacyInterventionsSection(t *testing.T) {
	p := writeTemp(t, "name: test\ninterventions:\n  foo: bar\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestSubDescendsNestedMaps(t *testing.T) {
	p := writeTemp(t, "seir:\n  parameters:\n    gamma:\n      value: 0.2\n")
	v, err := Load(p)
	require.NoError(t, err)

	gamma, ok := v.Sub("seir")
	require.True(t, ok)
	gamma, ok = gamma.Sub("parameters")
	require.True(t, ok)
	gamma, ok = gamma.Sub("gamma")
	require.True(t, ok)
	value, ok := gamma.Sub("value")
	require.True(t, ok)

	f, err := value.AsNumber()
	require.NoError(t, err)
	require.Equal(t, 0.2, f)
}

func TestAsRandomDistributionBareScalarIsFixed(t *testing.T) {
	p := writeTemp(t, "gamma: 0.1234\n")
	v, err := Load(p)
	require.NoError(t, err)
	gamma, ok := v.Sub("gamma")
	require.True(t, ok)

	kind, params, err := gamma.AsRandomDistribution()
	require.NoError(t, err)
	require.Equal(t, "fixed", kind)
	require.Equal(t, 0.1234, params["value"])
}

func TestAsRandomDistributionBlock(t *testing.T) {
	p := writeTemp(t, "Ro:\n  distribution: uniform\n  low: 1.0\n  high: 2.0\n")
	v, err := Load(p)
	require.NoError(t, err)
	ro, ok := v.Sub("Ro")
	require.True(t, ok)

	kind, params, err := ro.AsRandomDistribution()
	require.NoError(t, err)
	require.Equal(t, "uniform", kind)
	require.Equal(t, 1.0, params["low"])
	require.Equal(t, 2.0, params["high"])
}

func TestAsStringSlicePromotesScalar(t *testing.T) {
	p := writeTemp(t, "affected_subpops: all\n")
	v, err := Load(p)
	require.NoError(t, err)
	asp, ok := v.Sub("affected_subpops")
	require.True(t, ok)

	ss, err := asp.AsStringSlice()
	require.NoError(t, err)
	require.Equal(t, []string{"all"}, ss)
}

func TestAsDateParsesISO(t *testing.T) {
	p := writeTemp(t, "start_date: 2024-01-01\n")
	v, err := Load(p)
	require.NoError(t, err)
	sd, ok := v.Sub("start_date")
	require.True(t, ok)

	d, err := sd.AsDate()
	require.NoError(t, err)
	require.Equal(t, 2024, d.Year())
	require.Equal(t, 1, int(d.Month()))
	require.Equal(t, 1, d.Day())
}

func TestMissingSubReturnsFalse(t *testing.T) {
	p := writeTemp(t, "name: test\n")
	v, err := Load(p)
	require.NoError(t, err)
	_, ok := v.Sub("does_not_exist")
	require.False(t, ok)
}
