package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "medremind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// Store is the sqlite-backed persistence layer. A single Store instance is
// safe for concurrent use; sqlite writes are serialized through one
// connection.
type Store struct {
	db  *sql.DB
	log logx.Logger

	hooks ScheduleHooks
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && !strings.HasPrefix(cfg.Path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// SetScheduleHooks installs the lifecycle hook receiver. Must be called
// before any schedule mutation; not safe to swap while requests are in
// flight.
func (s *Store) SetScheduleHooks(h ScheduleHooks) { s.hooks = h }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.ID) == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, device_token, created_at) VALUES(?,?,?,?)`,
		u.ID, u.Email, nullStr(u.DeviceToken), u.CreatedAt.Format(timeFormat),
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var (
		u       User
		token   sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, device_token, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &token, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	u.DeviceToken = token.String
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *Store) SetDeviceToken(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET device_token = ? WHERE id = ?`, nullStr(token), userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	scheds, err := s.listSchedulesWhere(ctx,
		`m.user_id = ?`, id)
	if err != nil {
		return err
	}
	for _, sc := range scheds {
		s.fireBeforeDelete(sc)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		s.restoreTimers(scheds...)
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- medications ----

func (s *Store) CreateMedication(ctx context.Context, m *Medication) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO medications(user_id, name, disabled) VALUES(?,?,?)`,
		m.UserID, m.Name, boolInt(m.Disabled),
	)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetMedication(ctx context.Context, id int64, userID string) (Medication, error) {
	var (
		m        Medication
		disabled int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, disabled FROM medications WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&m.ID, &m.UserID, &m.Name, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Medication{}, fmt.Errorf("medication %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Medication{}, err
	}
	m.Disabled = disabled != 0
	return m, nil
}

func (s *Store) ListMedications(ctx context.Context, userID string) ([]Medication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, disabled FROM medications WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Medication
	for rows.Next() {
		var (
			m        Medication
			disabled int
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &disabled); err != nil {
			return nil, err
		}
		m.Disabled = disabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMedication(ctx context.Context, m Medication) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE medications SET name = ?, disabled = ? WHERE id = ? AND user_id = ?`,
		m.Name, boolInt(m.Disabled), m.ID, m.UserID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("medication %d: %w", m.ID, ErrNotFound)
	}
	return nil
}

// DeleteMedication removes the medication row. Its schedules go with it via
// FK cascade, so the schedule hooks fire for each one first.
func (s *Store) DeleteMedication(ctx context.Context, id int64, userID string) error {
	if _, err := s.GetMedication(ctx, id, userID); err != nil {
		return err
	}
	scheds, err := s.listSchedulesWhere(ctx, `sch.medication_id = ?`, id)
	if err != nil {
		return err
	}
	for _, sc := range scheds {
		s.fireBeforeDelete(sc)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		s.restoreTimers(scheds...)
		return err
	}
	return nil
}

// ---- schedules ----

const scheduleCols = `sch.id, sch.medication_id, sch.cron_expression, sch.time, sch.frequency, sch.start_date, sch.end_date`

func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(medication_id, cron_expression, time, frequency, start_date, end_date)
		 VALUES(?,?,?,?,?,?)`,
		sc.MedicationID, sc.CronExpression, sc.Time, sc.Frequency,
		sc.StartDate.UTC().Format(timeFormat), nullTime(sc.EndDate),
	)
	if err != nil {
		return err
	}
	if sc.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if s.hooks != nil {
		s.hooks.AfterCreate(*sc)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules sch WHERE sch.id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return sc, err
}

// GetScheduleForUser loads a schedule together with its medication and owning
// user, scoped to that user. Dispatch and confirmation both read through
// this so they always see the current disabled flag and device token.
func (s *Store) GetScheduleForUser(ctx context.Context, scheduleID int64, userID string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+`,
		        m.id, m.user_id, m.name, m.disabled,
		        u.id, u.email, u.device_token
		 FROM schedules sch
		 JOIN medications m ON m.id = sch.medication_id
		 JOIN users u ON u.id = m.user_id
		 WHERE sch.id = ? AND m.user_id = ?`,
		scheduleID, userID)
	sc, err := scanScheduleJoined(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %d: %w", scheduleID, ErrNotFound)
	}
	return sc, err
}

// GetScheduleWithOwner is GetScheduleForUser without the ownership filter;
// used by the dispatcher, which acts on behalf of the system.
func (s *Store) GetScheduleWithOwner(ctx context.Context, scheduleID int64) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+`,
		        m.id, m.user_id, m.name, m.disabled,
		        u.id, u.email, u.device_token
		 FROM schedules sch
		 JOIN medications m ON m.id = sch.medication_id
		 JOIN users u ON u.id = m.user_id
		 WHERE sch.id = ?`,
		scheduleID)
	sc, err := scanScheduleJoined(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %d: %w", scheduleID, ErrNotFound)
	}
	return sc, err
}

// ListSchedules returns every persisted schedule row. This is the startup
// resynchronization source.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules sch ORDER BY sch.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ListSchedulesByMedication(ctx context.Context, medicationID int64, userID string) ([]Schedule, error) {
	if _, err := s.GetMedication(ctx, medicationID, userID); err != nil {
		return nil, err
	}
	return s.listSchedulesWhere(ctx, `sch.medication_id = ? ORDER BY sch.time`, medicationID)
}

// ListActiveSchedulesForUser returns the user's schedules whose medications
// are enabled, ordered by nominal time.
func (s *Store) ListActiveSchedulesForUser(ctx context.Context, userID string) ([]Schedule, error) {
	return s.listSchedulesWhere(ctx,
		`m.user_id = ? AND m.disabled = 0 ORDER BY sch.time`, userID)
}

func (s *Store) listSchedulesWhere(ctx context.Context, where string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+`
		 FROM schedules sch
		 JOIN medications m ON m.id = sch.medication_id
		 WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule rewrites the mutable columns. The hook ordering is the
// contract the synchronizer relies on: the stale timer is stopped before the
// row can change, and a fresh one starts only after the write landed.
func (s *Store) UpdateSchedule(ctx context.Context, sc Schedule) error {
	cur, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		return err
	}
	if s.hooks != nil {
		s.hooks.BeforeUpdate(cur)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE schedules SET cron_expression = ?, time = ?, frequency = ?, start_date = ?, end_date = ?
		 WHERE id = ?`,
		sc.CronExpression, sc.Time, sc.Frequency,
		sc.StartDate.UTC().Format(timeFormat), nullTime(sc.EndDate), sc.ID,
	)
	if err != nil {
		// The old timer was already stopped; re-register it so a failed
		// write doesn't leave the schedule dark.
		s.restoreTimers(cur)
		return err
	}
	if s.hooks != nil {
		s.hooks.AfterUpdate(sc)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	cur, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.fireBeforeDelete(cur)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		s.restoreTimers(cur)
		return err
	}
	return nil
}

func (s *Store) fireBeforeDelete(sc Schedule) {
	if s.hooks != nil {
		s.hooks.BeforeDelete(sc)
	}
}

// restoreTimers re-registers schedules whose timers were stopped ahead of a
// write that then failed, so the surviving rows don't go dark.
func (s *Store) restoreTimers(scheds ...Schedule) {
	if s.hooks == nil {
		return
	}
	for _, sc := range scheds {
		s.hooks.AfterUpdate(sc)
	}
}

// ---- confirmations ----

// UpsertConfirmation creates or overwrites the confirmation for one
// (schedule, occurrence) pair. The UNIQUE constraint makes this race-safe
// under concurrent confirms for the same occurrence; the last write wins.
func (s *Store) UpsertConfirmation(ctx context.Context, scheduleID int64, notificationAt time.Time, confirmed bool) (Confirmation, error) {
	at := notificationAt.UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO confirmations(schedule_id, notification_at, confirmed) VALUES(?,?,?)
		 ON CONFLICT(schedule_id, notification_at) DO UPDATE SET confirmed = excluded.confirmed
		 RETURNING id`,
		scheduleID, at.Format(timeFormat), boolInt(confirmed),
	).Scan(&id)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{ID: id, ScheduleID: scheduleID, NotificationAt: at, Confirmed: confirmed}, nil
}

func (s *Store) GetConfirmation(ctx context.Context, scheduleID int64, notificationAt time.Time) (Confirmation, error) {
	var (
		c         Confirmation
		at        string
		confirmed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, schedule_id, notification_at, confirmed FROM confirmations
		 WHERE schedule_id = ? AND notification_at = ?`,
		scheduleID, notificationAt.UTC().Format(timeFormat),
	).Scan(&c.ID, &c.ScheduleID, &at, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return Confirmation{}, fmt.Errorf("confirmation: %w", ErrNotFound)
	}
	if err != nil {
		return Confirmation{}, err
	}
	c.NotificationAt = parseTime(at)
	c.Confirmed = confirmed != 0
	return c, nil
}

func (s *Store) ConfirmationHistory(ctx context.Context, userID string) ([]ConfirmationHistoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.notification_at, m.name, sch.time, c.confirmed
		 FROM confirmations c
		 JOIN schedules sch ON sch.id = c.schedule_id
		 JOIN medications m ON m.id = sch.medication_id
		 WHERE m.user_id = ?
		 ORDER BY c.notification_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfirmationHistoryItem
	for rows.Next() {
		var (
			item      ConfirmationHistoryItem
			at        string
			confirmed int
		)
		if err := rows.Scan(&at, &item.Name, &item.Time, &confirmed); err != nil {
			return nil, err
		}
		item.NotificationAt = parseTime(at)
		item.Confirmed = confirmed != 0
		out = append(out, item)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		sc    Schedule
		start string
		end   sql.NullString
	)
	if err := row.Scan(&sc.ID, &sc.MedicationID, &sc.CronExpression, &sc.Time, &sc.Frequency, &start, &end); err != nil {
		return Schedule{}, err
	}
	sc.StartDate = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		sc.EndDate = &t
	}
	return sc, nil
}

func scanScheduleJoined(row rowScanner) (Schedule, error) {
	var (
		sc       Schedule
		m        Medication
		u        User
		start    string
		end      sql.NullString
		disabled int
		token    sql.NullString
	)
	if err := row.Scan(
		&sc.ID, &sc.MedicationID, &sc.CronExpression, &sc.Time, &sc.Frequency, &start, &end,
		&m.ID, &m.UserID, &m.Name, &disabled,
		&u.ID, &u.Email, &token,
	); err != nil {
		return Schedule{}, err
	}
	sc.StartDate = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		sc.EndDate = &t
	}
	m.Disabled = disabled != 0
	u.DeviceToken = token.String
	sc.Medication = &m
	sc.User = &u
	return sc, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
