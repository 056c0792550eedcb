// Package scheduler owns the in-memory set of live reminder timers, keyed by
// schedule id. Membership is written only by the lifecycle synchronizer; the
// registry itself carries no business logic.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medremind/internal/cronexpr"
	logx "medremind/pkg/logx"
)

// FireFunc is invoked on every timer fire. It must not block; dispatch work
// is handed off to a queue by the caller.
type FireFunc func(scheduleID int64, at time.Time)

// TaskInfo is one registry entry as seen by introspection callers.
type TaskInfo struct {
	ScheduleID int64
	Next       time.Time
}

type entry struct {
	scheduleID int64
	expr       string
	entryID    cron.EntryID
	lastFired  time.Time
}

// Registry maps schedule ids to live cron entries. All mutations serialize on
// one mutex, which upholds the at-most-one-live-timer-per-id invariant even
// under concurrent register/unregister calls for the same id.
type Registry struct {
	log logx.Logger

	mu      sync.Mutex
	parser  cron.Parser
	c       *cron.Cron
	entries map[int64]*entry

	now func() time.Time
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Registry{
		log:     log,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser)),
		entries: map[int64]*entry{},
		now:     time.Now,
	}
}

func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.c.Start()
	n := len(r.entries)
	r.mu.Unlock()
	r.log.Info("registry started", logx.Int("tasks", n))
}

func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("registry stopped")
}

// Register installs a timer for the schedule. An existing entry for the same
// id is stopped first (stop-then-start replace), so there is never more than
// one live timer per schedule id.
func (r *Registry) Register(scheduleID int64, expr string, fire FireFunc) error {
	sched, err := r.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", cronexpr.ErrInvalidExpression, expr, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[scheduleID]; ok {
		r.c.Remove(old.entryID)
		delete(r.entries, scheduleID)
	}

	e := &entry{scheduleID: scheduleID, expr: expr}
	e.entryID = r.c.Schedule(sched, cron.FuncJob(func() {
		at := r.now()
		r.mu.Lock()
		// A replaced entry may still get one in-flight fire; don't let it
		// stamp the current entry's state.
		if cur, ok := r.entries[scheduleID]; ok && cur == e {
			cur.lastFired = at
		}
		r.mu.Unlock()
		fire(scheduleID, at)
	}))
	r.entries[scheduleID] = e

	r.log.Debug("task registered",
		logx.Int64("schedule_id", scheduleID), logx.String("spec", expr))
	return nil
}

// Unregister stops and removes the timer for the schedule. A missing id is a
// no-op: delete races (double delete, delete after replace) are expected and
// silently absorbed.
func (r *Registry) Unregister(scheduleID int64) bool {
	r.mu.Lock()
	e, ok := r.entries[scheduleID]
	if ok {
		r.c.Remove(e.entryID)
		delete(r.entries, scheduleID)
	}
	r.mu.Unlock()
	if ok {
		r.log.Debug("task unregistered", logx.Int64("schedule_id", scheduleID))
	}
	return ok
}

func (r *Registry) Has(scheduleID int64) bool {
	r.mu.Lock()
	_, ok := r.entries[scheduleID]
	r.mu.Unlock()
	return ok
}

// List returns every registered task with its next fire time, ordered by id.
func (r *Registry) List() []TaskInfo {
	r.mu.Lock()
	out := make([]TaskInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, TaskInfo{
			ScheduleID: e.scheduleID,
			Next:       r.c.Entry(e.entryID).Next,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// Peek reports the next fire time and the most recent actual fire (zero if
// the task has not fired since registration) for one schedule.
func (r *Registry) Peek(scheduleID int64) (next, last time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scheduleID]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return r.c.Entry(e.entryID).Next, e.lastFired, true
}

// Expression returns the registered cron expression for the schedule.
func (r *Registry) Expression(scheduleID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scheduleID]
	if !ok {
		return "", false
	}
	return e.expr, true
}
