package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinomialCdfZeroEventsIsOne(t *testing.T) {
	require.Equal(t, 1.0, BinomialCdf(0.5, 10, 0))
}

func TestBinomialCdfMonotonicInK(t *testing.T) {
	prev := BinomialCdf(0.5, 20, 1)
	for k := 2; k < 19; k++ {
		cur := BinomialCdf(0.5, 20, k)
		require.LessOrEqual(t, cur, prev)
		prev = cur
	}
}
