package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"medremind/internal/notifier"
	"medremind/internal/reconcile"
	"medremind/internal/scheduler"
	"medremind/internal/storage"
	"medremind/internal/syncer"
	logx "medremind/pkg/logx"
)

type dropDispatcher struct{}

func (dropDispatcher) Enqueue(notifier.Job) {}

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
	tasks *scheduler.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "api_test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tasks := scheduler.New(logx.Nop())
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Stop(context.Background()) })

	sync := syncer.New(tasks, dropDispatcher{}, store, logx.Nop())
	store.SetScheduleHooks(sync)

	engine := reconcile.New(store, tasks, logx.Nop())
	h := NewHandler(store, tasks, engine, logx.Nop())
	srv := httptest.NewServer(NewRouter(h, logx.Nop(), nil))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, tasks: tasks}
}

// do issues a JSON request as the given user and decodes the response into
// out (when out is non-nil and the body is JSON).
func (env *testEnv) do(t *testing.T, method, path, uid string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (env *testEnv) createUser(t *testing.T, email string) string {
	t.Helper()
	var u userResponse
	if code := env.do(t, http.MethodPost, "/api/users", "", createUserRequest{Email: email}, &u); code != http.StatusCreated {
		t.Fatalf("create user: status %d", code)
	}
	return u.ID
}

func (env *testEnv) createMedication(t *testing.T, uid, name string) int64 {
	t.Helper()
	var m medicationResponse
	if code := env.do(t, http.MethodPost, "/api/medications", uid, createMedicationRequest{Name: name}, &m); code != http.StatusCreated {
		t.Fatalf("create medication: status %d", code)
	}
	return m.ID
}

func (env *testEnv) createSchedule(t *testing.T, uid string, medID int64, expr string) int64 {
	t.Helper()
	var sc scheduleResponse
	code := env.do(t, http.MethodPost, "/api/schedules", uid, createScheduleRequest{
		MedicationID:   medID,
		CronExpression: expr,
		Time:           "09:00",
		Frequency:      "daily",
		StartDate:      "2026-01-01T00:00:00Z",
	}, &sc)
	if code != http.StatusCreated {
		t.Fatalf("create schedule: status %d", code)
	}
	return sc.ID
}

func TestRequireUserHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if code := env.do(t, http.MethodGet, "/api/medications", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "lifecycle@example.com")
	medID := env.createMedication(t, uid, "Lisinopril")

	// Nothing the registry cannot parse may be admitted: plain garbage,
	// macros, and 6-field expressions all fail before the row exists.
	for _, expr := range []string{"not a cron", "@daily", "0 0 8 * * *"} {
		var bad errorResponse
		code := env.do(t, http.MethodPost, "/api/schedules", uid, createScheduleRequest{
			MedicationID:   medID,
			CronExpression: expr,
			Time:           "09:00",
			Frequency:      "daily",
			StartDate:      "2026-01-01T00:00:00Z",
		}, &bad)
		if code != http.StatusBadRequest {
			t.Fatalf("expression %q: status = %d, want 400", expr, code)
		}
	}
	if got := len(env.tasks.List()); got != 0 {
		t.Fatalf("rejected expressions left %d registered tasks", got)
	}

	scID := env.createSchedule(t, uid, medID, "0 9 * * *")
	if !env.tasks.Has(scID) {
		t.Fatalf("schedule %d not registered after create", scID)
	}

	// Update swaps the timer to the new expression.
	newExpr := "30 21 * * *"
	var updated scheduleResponse
	code := env.do(t, http.MethodPatch, fmt.Sprintf("/api/schedules/%d", scID), uid,
		updateScheduleRequest{CronExpression: &newExpr}, &updated)
	if code != http.StatusOK {
		t.Fatalf("update schedule: status %d", code)
	}
	if expr, ok := env.tasks.Expression(scID); !ok || expr != newExpr {
		t.Fatalf("registered expression = %q, %v; want %q", expr, ok, newExpr)
	}

	var tasks []taskResponse
	if code := env.do(t, http.MethodGet, "/api/tasks", uid, nil, &tasks); code != http.StatusOK {
		t.Fatalf("list tasks: status %d", code)
	}
	if len(tasks) != 1 || tasks[0].ID != scID {
		t.Fatalf("tasks = %+v, want single entry for %d", tasks, scID)
	}
	if tasks[0].Next == "" {
		t.Fatalf("task %d has no next fire time", scID)
	}

	if code := env.do(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", scID), uid, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete schedule: status %d", code)
	}
	if env.tasks.Has(scID) {
		t.Fatalf("schedule %d still registered after delete", scID)
	}
}

func TestMedicationDeleteUnregistersSchedules(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "cascade@example.com")
	medID := env.createMedication(t, uid, "Metformin")
	a := env.createSchedule(t, uid, medID, "0 8 * * *")
	b := env.createSchedule(t, uid, medID, "0 20 * * *")

	if code := env.do(t, http.MethodDelete, fmt.Sprintf("/api/medications/%d", medID), uid, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete medication: status %d", code)
	}
	if env.tasks.Has(a) || env.tasks.Has(b) {
		t.Fatalf("cascaded schedules still registered: a=%v b=%v", env.tasks.Has(a), env.tasks.Has(b))
	}
}

func TestConfirmIdempotentUpsert(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "confirm@example.com")
	medID := env.createMedication(t, uid, "Atorvastatin")
	scID := env.createSchedule(t, uid, medID, "0 9 * * *")

	var first confirmationResponse
	code := env.do(t, http.MethodPost, "/api/confirmations", uid,
		confirmRequest{ScheduleID: scID, Confirmed: true}, &first)
	if code != http.StatusOK {
		t.Fatalf("confirm: status %d", code)
	}
	if first.NotificationAt == "" || !first.Confirmed {
		t.Fatalf("first confirmation = %+v", first)
	}

	// Re-confirming the same occurrence updates the row in place.
	var second confirmationResponse
	code = env.do(t, http.MethodPost, "/api/confirmations", uid,
		confirmRequest{ScheduleID: scID, Confirmed: false}, &second)
	if code != http.StatusOK {
		t.Fatalf("re-confirm: status %d", code)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a new row: first id %d, second id %d", first.ID, second.ID)
	}
	if second.NotificationAt != first.NotificationAt {
		t.Fatalf("occurrence changed: %s vs %s", first.NotificationAt, second.NotificationAt)
	}
	if second.Confirmed {
		t.Fatalf("second confirmation kept confirmed=true")
	}

	var hist []confirmationHistoryResponse
	if code := env.do(t, http.MethodGet, "/api/confirmations", uid, nil, &hist); code != http.StatusOK {
		t.Fatalf("history: status %d", code)
	}
	if len(hist) != 1 || hist[0].Confirmed {
		t.Fatalf("history = %+v, want one unconfirmed entry", hist)
	}
}

func TestConfirmUnknownSchedule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "missing@example.com")
	var e errorResponse
	code := env.do(t, http.MethodPost, "/api/confirmations", uid,
		confirmRequest{ScheduleID: 9999, Confirmed: true}, &e)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestConfirmDisabledMedication(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "disabled@example.com")
	medID := env.createMedication(t, uid, "Warfarin")
	scID := env.createSchedule(t, uid, medID, "0 9 * * *")

	disabled := true
	if code := env.do(t, http.MethodPatch, fmt.Sprintf("/api/medications/%d", medID), uid,
		updateMedicationRequest{Disabled: &disabled}, nil); code != http.StatusOK {
		t.Fatalf("disable medication: status %d", code)
	}

	code := env.do(t, http.MethodPost, "/api/confirmations", uid,
		confirmRequest{ScheduleID: scID, Confirmed: true}, nil)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for disabled medication", code)
	}
}

func TestOwnershipScoping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	owner := env.createUser(t, "owner@example.com")
	other := env.createUser(t, "other@example.com")
	medID := env.createMedication(t, owner, "Ibuprofen")
	scID := env.createSchedule(t, owner, medID, "0 9 * * *")

	if code := env.do(t, http.MethodGet, fmt.Sprintf("/api/medications/%d", medID), other, nil, nil); code != http.StatusNotFound {
		t.Fatalf("foreign medication: status = %d, want 404", code)
	}
	if code := env.do(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", scID), other, nil, nil); code != http.StatusNotFound {
		t.Fatalf("foreign schedule delete: status = %d, want 404", code)
	}
	if !env.tasks.Has(scID) {
		t.Fatalf("foreign delete attempt unregistered the task")
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	uid := env.createUser(t, "tasks@example.com")
	medID := env.createMedication(t, uid, "Amoxicillin")
	scID := env.createSchedule(t, uid, medID, "15 12 * * *")

	var resp taskResponse
	code := env.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", scID), uid, nil, &resp)
	if code != http.StatusOK {
		t.Fatalf("delete task: status %d", code)
	}
	if resp.ID != scID {
		t.Fatalf("deleted task id = %d, want %d", resp.ID, scID)
	}
	if env.tasks.Has(scID) {
		t.Fatalf("task %d still registered", scID)
	}

	// The schedule row survives; only the live timer is gone.
	if _, err := env.store.GetScheduleForUser(context.Background(), scID, uid); err != nil {
		t.Fatalf("schedule row gone after task delete: %v", err)
	}

	code = env.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", scID), uid, nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", code)
	}
}
