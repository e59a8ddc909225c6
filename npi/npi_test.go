package npi

import (
	"testing"

	"golang.org/x/exp/rand"

	"github.com/flepigo/flepigo/distribution"
	"github.com/flepigo/flepigo/parameters"
	"github.com/stretchr/testify/require"
)

func TestSinglePeriodAppliesOnlyWithinWindow(t *testing.T) {
	m, err := NewSinglePeriod(
		"lockdown", "beta", 10, 2,
		[]int{0},
		[]Window{{StartDay: 2, EndDay: 4}},
		SpatialGroups{Ungrouped: []int{0}},
		distribution.Fixed{Value: 0.5},
		rand.NewSource(1),
	)
	require.NoError(t, err)

	tensor := parameters.NewTensor(1, 10, 2)
	for d := 0; d < 10; d++ {
		tensor.Set(0, d, 0, 1.0)
	}
	require.NoError(t, m.Reduce(tensor, 0, "product"))

	for d := 0; d < 10; d++ {
		if d >= 2 && d <= 4 {
			require.InDelta(t, 0.5, tensor.At(0, d, 0), 1e-9, "day %d", d)
		} else {
			require.InDelta(t, 1.0, tensor.At(0, d, 0), 1e-9, "day %d", d)
		}
	}
}

func TestSinglePeriodSumMethodAdds(t *testing.T) {
	m, err := NewSinglePeriod(
		"boost", "gamma", 5, 1,
		[]int{0},
		[]Window{{StartDay: 0, EndDay: 4}},
		SpatialGroups{Ungrouped: []int{0}},
		distribution.Fixed{Value: 0.1},
		rand.NewSource(1),
	)
	require.NoError(t, err)

	tensor := parameters.NewTensor(1, 5, 1)
	require.NoError(t, m.Reduce(tensor, 0, "sum"))
	for d := 0; d < 5; d++ {
		require.InDelta(t, 0.1, tensor.At(0, d, 0), 1e-9)
	}
}

func TestSpatialGroupSharesOneDraw(t *testing.T) {
	m, err := NewSinglePeriod(
		"shared", "beta", 3, 3,
		[]int{0, 1, 2},
		[]Window{{StartDay: 0, EndDay: 2}, {StartDay: 0, EndDay: 2}, {StartDay: 0, EndDay: 2}},
		SpatialGroups{Groups: [][]int{{0, 1}}, Ungrouped: []int{2}},
		distribution.Uniform{Low: 0.1, High: 0.9},
		rand.NewSource(7),
	)
	require.NoError(t, err)
	require.Equal(t, m.ValueAt(0, 0), m.ValueAt(0, 1))
}

func TestStackedRequiresSameParameter(t *testing.T) {
	a, _ := NewSinglePeriod("a", "beta", 5, 1, []int{0}, []Window{{0, 4}}, SpatialGroups{Ungrouped: []int{0}}, distribution.Fixed{Value: 0.1}, rand.NewSource(1))
	b, _ := NewSinglePeriod("b", "gamma", 5, 1, []int{0}, []Window{{0, 4}}, SpatialGroups{Ungrouped: []int{0}}, distribution.Fixed{Value: 0.2}, rand.NewSource(1))

	_, err := NewStacked("combo", []Modifier{a, b})
	require.Error(t, err)
}

func TestStackedComposesProduct(t *testing.T) {
	a, _ := NewSinglePeriod("a", "beta", 5, 1, []int{0}, []Window{{0, 4}}, SpatialGroups{Ungrouped: []int{0}}, distribution.Fixed{Value: 0.5}, rand.NewSource(1))
	b, _ := NewSinglePeriod("b", "beta", 5, 1, []int{0}, []Window{{0, 4}}, SpatialGroups{Ungrouped: []int{0}}, distribution.Fixed{Value: 0.5}, rand.NewSource(1))

	stacked, err := NewStacked("combo", []Modifier{a, b})
	require.NoError(t, err)

	tensor := parameters.NewTensor(1, 5, 1)
	tensor.Set(0, 0, 0, 1.0)
	require.NoError(t, stacked.Reduce(tensor, 0, "product"))
	require.InDelta(t, 0.25, tensor.At(0, 0, 0), 1e-9)
}

func TestRestoreSinglePeriodLeavesAbsentSubpopsAtDefault(t *testing.T) {
	m := RestoreSinglePeriod(
		"restored", "beta", 5, 2,
		[]int{0, 1},
		[]Window{{StartDay: 0, EndDay: 4}, {StartDay: 0, EndDay: 4}},
		map[int]float64{0: 0.3}, // subpop 1 absent from the loaded frame
	)
	require.InDelta(t, 0.3, m.ValueAt(0, 0), 1e-9)
	require.Equal(t, 0.0, m.ValueAt(0, 1))
}

func TestMultiPeriodAppliesAcrossAllWindows(t *testing.T) {
	m, err := NewMultiPeriod(
		"multi", "beta", 20, 1,
		[]int{0},
		[]Window{{StartDay: 0, EndDay: 2}, {StartDay: 10, EndDay: 12}},
		SpatialGroups{Ungrouped: []int{0}},
		distribution.Fixed{Value: 0.4},
		rand.NewSource(1),
	)
	require.NoError(t, err)
	require.InDelta(t, 0.4, m.ValueAt(1, 0), 1e-9)
	require.InDelta(t, 0.4, m.ValueAt(11, 0), 1e-9)
	require.Equal(t, 0.0, m.ValueAt(5, 0))
}

func TestMultiPeriodRejectsOverlappingWindows(t *testing.T) {
	_, err := NewMultiPeriod(
		"multi", "beta", 20, 1,
		[]int{0},
		[]Window{{StartDay: 0, EndDay: 5}, {StartDay: 3, EndDay: 8}},
		SpatialGroups{Ungrouped: []int{0}},
		distribution.Fixed{Value: 0.4},
		rand.NewSource(1),
	)
	require.Error(t, err)
}
