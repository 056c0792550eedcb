package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

type confirmKey struct {
	scheduleID int64
	at         time.Time
}

type fakeStore struct {
	schedules map[int64]storage.Schedule
	rows      map[confirmKey]storage.Confirmation
	nextID    int64
}

func newFakeStore(scs ...storage.Schedule) *fakeStore {
	f := &fakeStore{
		schedules: map[int64]storage.Schedule{},
		rows:      map[confirmKey]storage.Confirmation{},
	}
	for _, sc := range scs {
		f.schedules[sc.ID] = sc
	}
	return f
}

func (f *fakeStore) GetScheduleForUser(_ context.Context, id int64, userID string) (storage.Schedule, error) {
	sc, ok := f.schedules[id]
	if !ok || sc.Medication == nil || sc.Medication.UserID != userID {
		return storage.Schedule{}, fmt.Errorf("schedule %d: %w", id, storage.ErrNotFound)
	}
	return sc, nil
}

func (f *fakeStore) UpsertConfirmation(_ context.Context, id int64, at time.Time, confirmed bool) (storage.Confirmation, error) {
	key := confirmKey{scheduleID: id, at: at.UTC()}
	if c, ok := f.rows[key]; ok {
		c.Confirmed = confirmed
		f.rows[key] = c
		return c, nil
	}
	f.nextID++
	c := storage.Confirmation{ID: f.nextID, ScheduleID: id, NotificationAt: at.UTC(), Confirmed: confirmed}
	f.rows[key] = c
	return c, nil
}

type fakeRegistry struct {
	next map[int64]time.Time
	last map[int64]time.Time
}

func (f *fakeRegistry) Peek(id int64) (time.Time, time.Time, bool) {
	n, ok := f.next[id]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return n, f.last[id], true
}

func dailyAtEight(id int64, disabled bool) storage.Schedule {
	return storage.Schedule{
		ID:             id,
		MedicationID:   10,
		CronExpression: "0 8 * * *",
		Medication:     &storage.Medication{ID: 10, UserID: "u1", Name: "Aspirin", Disabled: disabled},
		User:           &storage.User{ID: "u1"},
	}
}

func newEngine(st *fakeStore, reg *fakeRegistry, now time.Time) *Engine {
	e := New(st, reg, logx.Nop())
	e.now = func() time.Time { return now }
	return e
}

func TestConfirmAttachesToRecentFire(t *testing.T) {
	t.Parallel()
	fired := time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC)
	now := fired.Add(5 * time.Second)

	st := newFakeStore(dailyAtEight(1, false))
	reg := &fakeRegistry{
		next: map[int64]time.Time{1: fired.Add(24 * time.Hour)},
		last: map[int64]time.Time{1: fired},
	}
	e := newEngine(st, reg, now)

	c, err := e.Confirm(context.Background(), 1, "u1", true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !c.NotificationAt.Equal(fired) {
		t.Fatalf("NotificationAt = %s, want the fire at %s (not tomorrow's occurrence)", c.NotificationAt, fired)
	}
	if !c.Confirmed {
		t.Fatal("Confirmed = false, want true")
	}
}

func TestConfirmBeforeFirstFireUsesNextOccurrence(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 22, 7, 59, 0, 0, time.UTC)
	wantNext := time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC)

	st := newFakeStore(dailyAtEight(1, false))
	reg := &fakeRegistry{next: map[int64]time.Time{1: wantNext}, last: map[int64]time.Time{}}
	e := newEngine(st, reg, now)

	c, err := e.Confirm(context.Background(), 1, "u1", true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !c.NotificationAt.Equal(wantNext) {
		t.Fatalf("NotificationAt = %s, want next occurrence %s", c.NotificationAt, wantNext)
	}
}

func TestConfirmPicksNearerOfLastAndNext(t *testing.T) {
	t.Parallel()
	fired := time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC)
	next := time.Date(2025, 5, 23, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "shortly after fire", now: fired.Add(2 * time.Hour), want: fired},
		{name: "close to next fire", now: next.Add(-30 * time.Minute), want: next},
		{name: "exact midpoint goes to next", now: fired.Add(12 * time.Hour), want: next},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore(dailyAtEight(1, false))
			reg := &fakeRegistry{
				next: map[int64]time.Time{1: next},
				last: map[int64]time.Time{1: fired},
			}
			e := newEngine(st, reg, tt.now)
			c, err := e.Confirm(context.Background(), 1, "u1", true)
			if err != nil {
				t.Fatalf("Confirm: %v", err)
			}
			if !c.NotificationAt.Equal(tt.want) {
				t.Fatalf("NotificationAt = %s, want %s", c.NotificationAt, tt.want)
			}
		})
	}
}

func TestConfirmTwiceUpdatesSameRow(t *testing.T) {
	t.Parallel()
	fired := time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC)
	now := fired.Add(time.Minute)

	st := newFakeStore(dailyAtEight(1, false))
	reg := &fakeRegistry{
		next: map[int64]time.Time{1: fired.Add(24 * time.Hour)},
		last: map[int64]time.Time{1: fired},
	}
	e := newEngine(st, reg, now)

	first, err := e.Confirm(context.Background(), 1, "u1", true)
	if err != nil {
		t.Fatalf("first Confirm: %v", err)
	}
	second, err := e.Confirm(context.Background(), 1, "u1", false)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}

	if len(st.rows) != 1 {
		t.Fatalf("confirmation rows = %d, want 1", len(st.rows))
	}
	if second.ID != first.ID {
		t.Fatalf("second upsert created a new row: id %d vs %d", second.ID, first.ID)
	}
	if second.Confirmed {
		t.Fatal("second call's confirmed=false must win")
	}
}

func TestConfirmInertNeverFiredIsNotFound(t *testing.T) {
	t.Parallel()
	// Parseable but can never fire (February 30th): registered, inert, and
	// without a recorded fire there is no occurrence to confirm.
	sc := dailyAtEight(1, false)
	sc.CronExpression = "0 0 30 2 *"
	st := newFakeStore(sc)
	reg := &fakeRegistry{next: map[int64]time.Time{1: {}}, last: map[int64]time.Time{}}
	e := newEngine(st, reg, time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC))

	_, err := e.Confirm(context.Background(), 1, "u1", true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Confirm error = %v, want ErrNotFound", err)
	}
	if len(st.rows) != 0 {
		t.Fatal("inert schedule must not create confirmation rows")
	}
}

func TestConfirmNotFoundPaths(t *testing.T) {
	t.Parallel()
	fired := time.Date(2025, 5, 22, 8, 0, 0, 0, time.UTC)
	reg := &fakeRegistry{
		next: map[int64]time.Time{1: fired.Add(24 * time.Hour)},
		last: map[int64]time.Time{1: fired},
	}

	tests := []struct {
		name   string
		store  *fakeStore
		id     int64
		userID string
	}{
		{name: "missing schedule", store: newFakeStore(), id: 1, userID: "u1"},
		{name: "wrong owner", store: newFakeStore(dailyAtEight(1, false)), id: 1, userID: "intruder"},
		{name: "disabled medication", store: newFakeStore(dailyAtEight(1, true)), id: 1, userID: "u1"},
		{name: "no live task", store: newFakeStore(dailyAtEight(2, false)), id: 2, userID: "u1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(tt.store, reg, fired.Add(time.Minute))
			_, err := e.Confirm(context.Background(), tt.id, tt.userID, true)
			if !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("Confirm error = %v, want ErrNotFound", err)
			}
			if len(tt.store.rows) != 0 {
				t.Fatal("failed Confirm must not create confirmation rows")
			}
		})
	}
}
