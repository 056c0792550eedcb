// Package cronexpr computes concrete occurrence times from standard 5-field
// cron expressions. It is pure: results depend only on the expression and the
// reference time passed in.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression means the cron string cannot be parsed.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrNoFutureOccurrence means the expression is well-formed but can never
	// fire again after the given reference time. Callers must not conflate
	// this with a parse failure.
	ErrNoFutureOccurrence = errors.New("cron expression has no future occurrence")
)

// parser enforces the exact grammar the live timer registry runs: five
// fields, no @-descriptors. Validating against anything looser would admit
// schedules that can never get a timer.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a standard 5-field cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return nil
}

// Next returns the first occurrence strictly after the given time.
func Next(expr string, after time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		// The expression parsed, so an exhausted search means the schedule
		// is inert from here on (e.g. "0 0 30 2 *").
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoFutureOccurrence, expr, after.Format(time.RFC3339))
	}
	return next, nil
}

// Last returns the most recent occurrence at or before the given time.
// The zero time is returned when no occurrence exists before it.
func Last(expr string, beforeOrAt time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	prev, err := gronx.PrevTickBefore(expr, beforeOrAt, true)
	if err != nil {
		// No tick found looking backwards; not an error for callers.
		return time.Time{}, nil
	}
	return prev, nil
}
