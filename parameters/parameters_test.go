package parameters

import (
	"testing"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/distribution"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsCaseInsensitiveDuplicateNames(t *testing.T) {
	specs := []ParamSpec{
		{Name: "Gamma", Kind: KindFixed, Fixed: 0.1},
		{Name: "gamma", Kind: KindFixed, Fixed: 0.2},
	}
	_, err := New(specs, []string{"1", "2"}, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "same name")
}

func TestQuickDrawBroadcastsFixedAcrossDaysAndSubpops(t *testing.T) {
	specs := []ParamSpec{{Name: "gamma", Kind: KindFixed, Fixed: 0.1234}}
	e, err := New(specs, []string{"1", "2", "3"}, 5)
	require.NoError(t, err)

	tensor, err := e.QuickDraw(rand.NewSource(1))
	require.NoError(t, err)
	for d := 0; d < 5; d++ {
		for n := 0; n < 3; n++ {
			require.Equal(t, 0.1234, tensor.At(0, d, n))
		}
	}
}

func TestQuickDrawDistributionDrawsOnceBroadcastOverDaysAndSubpops(t *testing.T) {
	specs := []ParamSpec{{Name: "Ro", Kind: KindDistribution, Dist: distribution.Uniform{Low: 1, High: 2}}}
	e, err := New(specs, []string{"1", "2"}, 4)
	require.NoError(t, err)

	tensor, err := e.QuickDraw(rand.NewSource(42))
	require.NoError(t, err)
	first := tensor.At(0, 0, 0)
	require.GreaterOrEqual(t, first, 1.0)
	require.Less(t, first, 2.0)
	for d := 0; d < 4; d++ {
		for n := 0; n < 2; n++ {
			require.Equal(t, first, tensor.At(0, d, n))
		}
	}
}

func TestTimeSeriesRejectsWrongColumnCount(t *testing.T) {
	ts := TimeSeries{
		Dates:   []string{"2024-01-01", "2024-01-02"},
		Columns: []string{"1", "2"},
		Values:  [][]float64{{1, 2}, {3, 4}},
	}
	specs := []ParamSpec{{Name: "sigma", Kind: KindTimeSeries, Series: ts}}
	e, err := New(specs, []string{"1", "2", "3"}, 2)
	require.NoError(t, err)

	_, err = e.QuickDraw(rand.NewSource(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "the number of non 'date'")
	require.Contains(t, err.Error(), "expected 3")
}

func TestTimeSeriesBroadcastSingleColumn(t *testing.T) {
	ts := TimeSeries{
		Dates:     []string{"2024-01-01", "2024-01-02"},
		Columns:   []string{"value"},
		Values:    [][]float64{{0.5}, {0.6}},
		Broadcast: true,
	}
	specs := []ParamSpec{{Name: "sigma", Kind: KindTimeSeries, Series: ts}}
	e, err := New(specs, []string{"1", "2", "3"}, 2)
	require.NoError(t, err)

	tensor, err := e.QuickDraw(rand.NewSource(1))
	require.NoError(t, err)
	require.Equal(t, 0.5, tensor.At(0, 0, 0))
	require.Equal(t, 0.5, tensor.At(0, 0, 2))
	require.Equal(t, 0.6, tensor.At(0, 1, 1))
}

func TestLoadOverridesFixedAndDistribution(t *testing.T) {
	specs := []ParamSpec{
		{Name: "gamma", Kind: KindFixed, Fixed: 0.1},
		{Name: "Ro", Kind: KindDistribution, Dist: distribution.Uniform{Low: 1, High: 2}},
	}
	e, err := New(specs, []string{"1"}, 3)
	require.NoError(t, err)

	tensor, err := e.Load(map[string]float64{"gamma": 0.9, "Ro": 1.5})
	require.NoError(t, err)
	require.Equal(t, 0.9, tensor.At(0, 0, 0))
	require.Equal(t, 1.5, tensor.At(1, 0, 0))
}

func TestLoadWithoutOverrideForDistributionIsError(t *testing.T) {
	specs := []ParamSpec{{Name: "Ro", Kind: KindDistribution, Dist: distribution.Uniform{Low: 1, High: 2}}}
	e, err := New(specs, []string{"1"}, 3)
	require.NoError(t, err)

	_, err = e.Load(map[string]float64{})
	require.Error(t, err)
}

func TestStackedModifierMethodDefaultsToProduct(t *testing.T) {
	specs := []ParamSpec{{Name: "gamma", Kind: KindFixed, Fixed: 0.1}}
	e, err := New(specs, []string{"1"}, 1)
	require.NoError(t, err)
	require.Equal(t, "product", e.Specs[0].StackedModifierMethod)
}
