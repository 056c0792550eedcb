// Package notifier delivers reminder pushes. Timer fires hand a job to the
// queue and return immediately; workers do the store reload and the push
// call with their own failure handling, so a slow or failing transport never
// feeds back into scheduling state.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// Config controls the async dispatch pipeline.
type Config struct {
	Workers   int
	QueueSize int
	RetryMax  int
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Job is one occurrence to deliver: which schedule fired and when.
type Job struct {
	ScheduleID int64
	At         time.Time
}

// ScheduleReader is the store surface the dispatcher needs. State is
// re-read on every fire; nothing from registration time is trusted.
type ScheduleReader interface {
	GetScheduleWithOwner(ctx context.Context, scheduleID int64) (storage.Schedule, error)
}

// Sender is the push transport.
type Sender interface {
	Send(ctx context.Context, token, title, body string) error
}

type Service struct {
	log    logx.Logger
	store  ScheduleReader
	sender Sender
	cfg    Config

	mu     sync.Mutex
	queue  chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, store ScheduleReader, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan Job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("notifier stopped")
}

// Enqueue hands one fired occurrence to the workers. It never blocks; if the
// queue is saturated the job is dropped with a warning (a dropped push never
// halts the scheduler).
func (s *Service) Enqueue(j Job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("notifier not running; dropping job", logx.Int64("schedule_id", j.ScheduleID))
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("notifier queue full; dropping job",
			logx.Int64("schedule_id", j.ScheduleID), logx.Time("at", j.At))
	}
}

func (s *Service) worker(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	q := s.queue
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-q:
			s.deliver(ctx, j)
		}
	}
}

// deliver reloads current schedule/medication/user state and conditionally
// sends the push. Every skip and failure path is terminal for this one
// occurrence only; the task stays registered and the next fire is unaffected.
func (s *Service) deliver(ctx context.Context, j Job) {
	sc, err := s.store.GetScheduleWithOwner(ctx, j.ScheduleID)
	if err != nil {
		s.log.Warn("reminder reload failed",
			logx.Int64("schedule_id", j.ScheduleID), logx.Err(err))
		return
	}
	if sc.Medication == nil || sc.User == nil {
		s.log.Warn("reminder reload returned incomplete row", logx.Int64("schedule_id", j.ScheduleID))
		return
	}
	if sc.Medication.Disabled {
		s.log.Debug("medication disabled; skipping push", logx.Int64("schedule_id", j.ScheduleID))
		return
	}
	if sc.User.DeviceToken == "" {
		s.log.Debug("no device token; skipping push", logx.Int64("schedule_id", j.ScheduleID))
		return
	}
	if sc.EndDate != nil && j.At.After(*sc.EndDate) {
		s.log.Debug("schedule past end date; skipping push",
			logx.Int64("schedule_id", j.ScheduleID), logx.Time("end_date", *sc.EndDate))
		return
	}

	title := "Medication Reminder"
	body := fmt.Sprintf("It's time to take %s at %s!", sc.Medication.Name, j.At.Format("15:04"))

	err = s.sender.Send(ctx, sc.User.DeviceToken, title, body)
	for attempt := 1; err != nil && attempt <= s.cfg.RetryMax; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryBase * time.Duration(attempt)):
		}
		err = s.sender.Send(ctx, sc.User.DeviceToken, title, body)
	}
	if err != nil {
		// Swallowed: delivery failures never propagate to scheduling.
		s.log.Warn("push delivery failed",
			logx.Int64("schedule_id", j.ScheduleID),
			logx.String("medication", sc.Medication.Name),
			logx.Err(err))
		return
	}
	s.log.Debug("push delivered",
		logx.Int64("schedule_id", j.ScheduleID),
		logx.String("medication", sc.Medication.Name),
		logx.Time("at", j.At))
}
