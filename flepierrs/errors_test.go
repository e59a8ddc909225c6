package flepierrs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigErrorUnwraps(t *testing.T) {
	cause := errors.New("missing key")
	err := NewConfigError("seir.parameters.gamma", cause)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, cause, errors.Unwrap(err))
	require.Contains(t, err.Error(), "seir.parameters.gamma")
}

func TestIntegrationErrorCarriesSimAndDay(t *testing.T) {
	err := NewIntegrationError(7, 42, errors.New("negative compartment"))

	require.Equal(t, 7, err.SimID)
	require.Equal(t, 42, err.Day)
	require.Contains(t, err.Error(), "sim 7")
	require.Contains(t, err.Error(), "day 42")
}

func TestCancelledIsDistinguishable(t *testing.T) {
	var err error = NewCancelled(3, 10)

	var c *Cancelled
	require.True(t, errors.As(err, &c))
	require.Equal(t, 3, c.SimID)
}
