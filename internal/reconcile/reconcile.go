// Package reconcile matches a user's "I took it" acknowledgement to the
// single occurrence it most plausibly refers to, and records it idempotently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medremind/internal/cronexpr"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetScheduleForUser(ctx context.Context, scheduleID int64, userID string) (storage.Schedule, error)
	UpsertConfirmation(ctx context.Context, scheduleID int64, notificationAt time.Time, confirmed bool) (storage.Confirmation, error)
}

// Registry answers "when did this task actually fire last". The recorded
// fire is used rather than a theoretical calculation because "fired" and
// "theoretically due" can diverge slightly.
type Registry interface {
	Peek(scheduleID int64) (next, last time.Time, ok bool)
}

type Engine struct {
	store Store
	reg   Registry
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, reg Registry, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, reg: reg, log: log, now: time.Now}
}

// Confirm records (or corrects) the user's answer for one occurrence of the
// schedule. The acknowledgement carries no occurrence id of its own and may
// arrive before or after the nominal fire time; the occurrence is resolved
// here. No state is mutated on any error path.
func (e *Engine) Confirm(ctx context.Context, scheduleID int64, userID string, confirmed bool) (storage.Confirmation, error) {
	sc, err := e.store.GetScheduleForUser(ctx, scheduleID, userID)
	if err != nil {
		return storage.Confirmation{}, err
	}
	if sc.Medication == nil || sc.Medication.Disabled {
		return storage.Confirmation{}, fmt.Errorf("medication disabled: %w", storage.ErrNotFound)
	}
	// A schedule must be live in the registry to be confirmable.
	_, last, ok := e.reg.Peek(sc.ID)
	if !ok {
		return storage.Confirmation{}, fmt.Errorf("no active task for schedule %d: %w", sc.ID, storage.ErrNotFound)
	}

	occurrence, err := e.resolveOccurrence(sc.CronExpression, last)
	if err != nil {
		if errors.Is(err, cronexpr.ErrNoFutureOccurrence) {
			// Inert and never fired: there is no occurrence to attach the
			// answer to.
			return storage.Confirmation{}, fmt.Errorf("schedule %d has no confirmable occurrence: %w", sc.ID, storage.ErrNotFound)
		}
		return storage.Confirmation{}, err
	}

	c, err := e.store.UpsertConfirmation(ctx, sc.ID, occurrence, confirmed)
	if err != nil {
		return storage.Confirmation{}, err
	}
	e.log.Debug("confirmation reconciled",
		logx.Int64("schedule_id", sc.ID),
		logx.Time("notification_at", occurrence),
		logx.Bool("confirmed", confirmed))
	return c, nil
}

// resolveOccurrence picks the occurrence the acknowledgement refers to:
// the next computed occurrence when the task has never fired, otherwise
// whichever of last-fired / next-due is closer in absolute time to now.
func (e *Engine) resolveOccurrence(expr string, last time.Time) (time.Time, error) {
	now := e.now()
	next, nextErr := cronexpr.Next(expr, now)

	if last.IsZero() {
		if nextErr != nil {
			return time.Time{}, nextErr
		}
		return next, nil
	}
	if nextErr != nil {
		// Inert from here on; the recorded fire is all there is.
		return last, nil
	}

	lastDiff := now.Sub(last).Abs()
	nextDiff := next.Sub(now).Abs()
	if lastDiff < nextDiff {
		return last, nil
	}
	return next, nil
}
