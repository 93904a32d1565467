// Package simerr defines the structured error values the engine returns to
// its callers. Every recoverable failure is one of three kinds, identified
// by a stable code string.
package simerr

import (
	"errors"
	"fmt"
)

const (
	// Invalid or physically inconsistent parameters, detected before any
	// computation starts. Never retried.
	CodeConfiguration = "E_CONFIG"

	// A computation produced non-physical or non-convergent results after
	// local retries were exhausted.
	CodeNumericalInstability = "E_NUMERIC"

	// Grid allocation exceeds the configured memory budget.
	CodeResourceExhaustion = "E_RESOURCE"
)

// Error carries enough context to reproduce the failure deterministically:
// the stage that failed, the redshift step being computed, and (for
// per-cell failures) the offending cell region.
type Error struct {
	Code     string
	Stage    string
	Redshift float64
	Region   string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	s := e.Code
	if e.Stage != "" {
		s += " " + e.Stage
	}
	if e.Redshift > 0 {
		s += fmt.Sprintf(" z=%.4f", e.Redshift)
	}
	if e.Region != "" {
		s += " region=" + e.Region
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Config reports a configuration error. Configuration errors carry no
// redshift: they are raised before the redshift loop starts.
func Config(format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// Numeric reports a numerical-instability error at a given stage and
// redshift step.
func Numeric(stage string, z float64, format string, args ...any) *Error {
	return &Error{Code: CodeNumericalInstability, Stage: stage, Redshift: z, Msg: fmt.Sprintf(format, args...)}
}

// Resource reports a resource-exhaustion error.
func Resource(stage string, format string, args ...any) *Error {
	return &Error{Code: CodeResourceExhaustion, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// WithRegion attaches a cell-region label, e.g. "slab z=[32,48)".
func (e *Error) WithRegion(region string) *Error {
	e.Region = region
	return e
}

// SlabRegion formats the z-slab [z0,z1) a per-cell failure occurred in.
func SlabRegion(z0, z1 int) string {
	return fmt.Sprintf("slab z=[%d,%d)", z0, z1)
}

// IsCode reports whether err is (or wraps) an engine Error with the code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func IsConfiguration(err error) bool { return IsCode(err, CodeConfiguration) }
func IsNumerical(err error) bool     { return IsCode(err, CodeNumericalInstability) }
func IsResource(err error) bool      { return IsCode(err, CodeResourceExhaustion) }
