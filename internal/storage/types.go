package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row is absent or not visible to the
// requesting user.
var ErrNotFound = errors.New("not found")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type User struct {
	ID          string
	Email       string
	DeviceToken string
	CreatedAt   time.Time
}

type Medication struct {
	ID       int64
	UserID   string
	Name     string
	Disabled bool
}

// Schedule is one recurring reminder definition. Medication and User are
// populated only by joined reads (GetScheduleForUser); plain reads leave
// them nil.
type Schedule struct {
	ID             int64
	MedicationID   int64
	CronExpression string
	Time           string // nominal display time, "HH:MM"
	Frequency      string // daily|weekly|monthly, informational
	StartDate      time.Time
	EndDate        *time.Time

	Medication *Medication
	User       *User
}

// Confirmation answers for exactly one occurrence of one schedule.
// (schedule_id, notification_at) is the idempotency key.
type Confirmation struct {
	ID             int64
	ScheduleID     int64
	NotificationAt time.Time
	Confirmed      bool
}

type ConfirmationHistoryItem struct {
	NotificationAt time.Time
	Name           string
	Time           string
	Confirmed      bool
}

// ScheduleHooks is invoked by the store around schedule row lifecycle, and
// for every schedule removed by a cascading medication or user delete.
// Hooks run synchronously with the persistence call; implementations must
// not call back into the store's schedule mutation methods.
type ScheduleHooks interface {
	AfterCreate(s Schedule)
	BeforeUpdate(s Schedule)
	AfterUpdate(s Schedule)
	BeforeDelete(s Schedule)
}
