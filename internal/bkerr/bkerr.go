// Public domain.

// Package bkerr defines the error kinds shared by the background pipeline.
//
// Errors produced by the pipeline wrap one of the sentinel kinds so callers
// can classify them with errors.Is regardless of how much context has been
// added along the way.
package bkerr

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrConfig marks systemic misconfiguration.  It aborts a job before
	// any output is produced.
	ErrConfig = errors.New("configuration error")
	// ErrConsistency marks incompatible data within a job, such as a cached
	// raw map binned with a different geometry.
	ErrConsistency = errors.New("consistency error")
	// ErrUnavailable marks data that cannot be resolved: unknown runs,
	// unreadable events, or a cache miss when computation is disabled.
	ErrUnavailable = errors.New("data unavailable")
)

// RunError reports a failure local to one run.
type RunError struct {
	Op   string // operation, e.g. "cache", "resolve", "estimate"
	Run  int    // run id involved
	Kind error  // one of the package error kinds, may be nil
	Err  error  // underlying cause, may be nil
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: run %05d", e.Op, e.Run)
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Run constructs a RunError.
func Run(op string, run int, kind, err error) error {
	return &RunError{Op: op, Run: run, Kind: kind, Err: err}
}

// Config wraps a configuration problem as ErrConfig.
func Config(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, a...))
}

// RunID returns the run id carried by err, if any.
func RunID(err error) (int, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Run, true
	}
	return 0, false
}

// KindName returns a short name for the kind of err: "config",
// "consistency", "unavailable", "canceled" or "other".
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
