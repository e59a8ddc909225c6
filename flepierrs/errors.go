// Package flepierrs defines the error taxonomy shared by every flepigo
// package: construction-time errors that should abort immediately
// (ConfigError, ValidationError), run-time errors that should abort only
// the simulation that raised them (IntegrationError, IOError), and
// cooperative-cancellation signalling (Cancelled).
package flepierrs

import "fmt"

// ConfigError reports a malformed or internally inconsistent configuration
// file: a missing required key, an unparsable value, or a schema the
// loader does not recognize (e.g. a pre-1.1 config carrying a top-level
// interventions section).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error at %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError rooted at the given config path
// (dot-separated, e.g. "seir.parameters.gamma").
func NewConfigError(path string, err error) *ConfigError {
	return &ConfigError{Path: path, Err: err}
}

// ValidationError reports a value that parsed fine but fails a domain
// invariant: a duplicate parameter name, a timeseries with the wrong
// column count, a mobility row that exceeds subpopulation population.
type ValidationError struct {
	Subject string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("validation error: %v", e.Err)
	}
	return fmt.Sprintf("validation error for %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a ValidationError about the named subject.
func NewValidationError(subject string, err error) *ValidationError {
	return &ValidationError{Subject: subject, Err: err}
}

// IntegrationError reports a failure during the SEIR integration loop
// itself: a conservation-invariant violation, a negative compartment
// value, a non-finite rate. It carries the simulation id and the day on
// which the failure occurred so callers can attribute and log it, and so
// a calibration loop can score the offending walker -Inf and move on
// instead of aborting the whole ensemble.
type IntegrationError struct {
	SimID int
	Day   int
	Err   error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration error in sim %d at day %d: %v", e.SimID, e.Day, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// NewIntegrationError wraps err as an IntegrationError for the given
// simulation id and day.
func NewIntegrationError(simID, day int, err error) *IntegrationError {
	return &IntegrationError{SimID: simID, Day: day, Err: err}
}

// IOError reports a failure reading or writing a persisted artifact
// (timeseries parameter CSV, seir/spar/snpi output, seeding CSV).
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error for %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err as an IOError for the given path.
func NewIOError(path string, err error) *IOError {
	return &IOError{Path: path, Err: err}
}

// Cancelled reports that a simulation or calibration run stopped because
// its context was cancelled, observed at day granularity.
type Cancelled struct {
	SimID int
	Day   int
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("sim %d cancelled at day %d", e.SimID, e.Day)
}

// NewCancelled builds a Cancelled error for the given simulation id and day.
func NewCancelled(simID, day int) *Cancelled {
	return &Cancelled{SimID: simID, Day: day}
}
