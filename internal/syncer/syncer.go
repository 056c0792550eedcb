// Package syncer keeps the live timer set in step with the persisted
// schedule table. It is the only writer of registry membership: persistence
// hooks drive register/unregister, and a full resynchronization at startup
// rebuilds the set from scratch.
package syncer

import (
	"context"
	"time"

	"medremind/internal/notifier"
	"medremind/internal/scheduler"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// Registry is the timer-set surface the synchronizer writes to.
type Registry interface {
	Register(scheduleID int64, expr string, fire scheduler.FireFunc) error
	Unregister(scheduleID int64) bool
}

// Dispatcher receives fired occurrences. Enqueue must not block.
type Dispatcher interface {
	Enqueue(j notifier.Job)
}

// ScheduleLister is the store surface used for startup resynchronization.
type ScheduleLister interface {
	ListSchedules(ctx context.Context) ([]storage.Schedule, error)
}

type Synchronizer struct {
	reg   Registry
	disp  Dispatcher
	store ScheduleLister
	log   logx.Logger
}

func New(reg Registry, disp Dispatcher, store ScheduleLister, log logx.Logger) *Synchronizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Synchronizer{reg: reg, disp: disp, store: store, log: log}
}

// Resync rebuilds the registry from every persisted schedule row. This is the
// sole restart-recovery mechanism; the registry holds no durable state.
func (s *Synchronizer) Resync(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, sc := range schedules {
		if err := s.register(sc); err == nil {
			registered++
		}
	}
	s.log.Info("resynchronized schedules",
		logx.Int("rows", len(schedules)), logx.Int("registered", registered))
	return nil
}

// AfterCreate implements storage.ScheduleHooks.
func (s *Synchronizer) AfterCreate(sc storage.Schedule) {
	_ = s.register(sc)
}

// BeforeUpdate stops the stale timer before the row's cron expression can
// change underneath it.
func (s *Synchronizer) BeforeUpdate(sc storage.Schedule) {
	s.reg.Unregister(sc.ID)
}

// AfterUpdate starts a fresh timer from the (possibly changed) expression.
func (s *Synchronizer) AfterUpdate(sc storage.Schedule) {
	_ = s.register(sc)
}

// BeforeDelete implements storage.ScheduleHooks. Also invoked per schedule
// for cascading medication and user deletes.
func (s *Synchronizer) BeforeDelete(sc storage.Schedule) {
	s.reg.Unregister(sc.ID)
}

func (s *Synchronizer) register(sc storage.Schedule) error {
	err := s.reg.Register(sc.ID, sc.CronExpression, func(id int64, at time.Time) {
		s.disp.Enqueue(notifier.Job{ScheduleID: id, At: at})
	})
	if err != nil {
		// Validation happens before admission, so this is unexpected; the
		// row exists either way, log and move on.
		s.log.Error("task registration failed",
			logx.Int64("schedule_id", sc.ID),
			logx.String("spec", sc.CronExpression),
			logx.Err(err))
	}
	return err
}
