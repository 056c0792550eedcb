// Package api is the thin HTTP layer over the core: it shapes requests and
// responses and delegates everything else. Identity arrives as an X-User-ID
// header set by the authenticating proxy in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"medremind/internal/cronexpr"
	"medremind/internal/reconcile"
	"medremind/internal/scheduler"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

const userHeader = "X-User-ID"

type ctxKey int

const userIDKey ctxKey = 0

// Handler holds the dependencies shared by all routes.
type Handler struct {
	store   *storage.Store
	tasks   *scheduler.Registry
	confirm *reconcile.Engine
	log     logx.Logger
}

func NewHandler(store *storage.Store, tasks *scheduler.Registry, confirm *reconcile.Engine, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{store: store, tasks: tasks, confirm: confirm, log: log}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(userHeader))
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// ---- users ----

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	u := storage.User{Email: strings.TrimSpace(req.Email)}
	if err := h.store.CreateUser(r.Context(), &u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) SetDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetDeviceToken(r.Context(), userID(r), req.DeviceToken); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUser(r.Context(), userID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- medications ----

func (h *Handler) ListMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.store.ListMedications(r.Context(), userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	out := make([]medicationResponse, 0, len(meds))
	for _, m := range meds {
		out = append(out, toMedicationResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateMedication(w http.ResponseWriter, r *http.Request) {
	var req createMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	m := storage.Medication{UserID: userID(r), Name: strings.TrimSpace(req.Name)}
	if err := h.store.CreateMedication(r.Context(), &m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create medication")
		return
	}
	writeJSON(w, http.StatusCreated, toMedicationResponse(m))
}

func (h *Handler) GetMedication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid medication id")
		return
	}
	m, err := h.store.GetMedication(r.Context(), id, userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(m))
}

func (h *Handler) UpdateMedication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid medication id")
		return
	}
	m, err := h.store.GetMedication(r.Context(), id, userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	var req updateMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		m.Name = strings.TrimSpace(*req.Name)
	}
	if req.Disabled != nil {
		m.Disabled = *req.Disabled
	}
	if err := h.store.UpdateMedication(r.Context(), m); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(m))
}

func (h *Handler) DeleteMedication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid medication id")
		return
	}
	if err := h.store.DeleteMedication(r.Context(), id, userID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- schedules ----

func (h *Handler) ListSchedulesByMedication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid medication id")
		return
	}
	scheds, err := h.store.ListSchedulesByMedication(r.Context(), id, userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	out := make([]scheduleResponse, 0, len(scheds))
	for _, sc := range scheds {
		out = append(out, toScheduleResponse(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListTodaySchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := h.store.ListActiveSchedulesForUser(r.Context(), userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	out := make([]scheduleResponse, 0, len(scheds))
	for _, sc := range scheds {
		out = append(out, toScheduleResponse(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// A bad expression is never admitted to the registry.
	if err := cronexpr.Validate(req.CronExpression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetMedication(r.Context(), req.MedicationID, userID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}

	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be RFC 3339")
		return
	}
	var endDate *time.Time
	if strings.TrimSpace(req.EndDate) != "" {
		t, err := time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be RFC 3339")
			return
		}
		endDate = &t
	}
	h.warnIfInert(req.CronExpression, startDate)

	sc := storage.Schedule{
		MedicationID:   req.MedicationID,
		CronExpression: req.CronExpression,
		Time:           req.Time,
		Frequency:      req.Frequency,
		StartDate:      startDate,
		EndDate:        endDate,
	}
	if err := h.store.CreateSchedule(r.Context(), &sc); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleResponse(sc))
}

func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sc, err := h.store.GetScheduleForUser(r.Context(), id, userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CronExpression != nil {
		if err := cronexpr.Validate(*req.CronExpression); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sc.CronExpression = *req.CronExpression
	}
	if req.Time != nil {
		sc.Time = *req.Time
	}
	if req.Frequency != nil {
		sc.Frequency = *req.Frequency
	}
	if req.StartDate != nil {
		t, err := time.Parse(time.RFC3339, *req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be RFC 3339")
			return
		}
		sc.StartDate = t
	}
	if req.EndDate != nil {
		if strings.TrimSpace(*req.EndDate) == "" {
			sc.EndDate = nil
		} else {
			t, err := time.Parse(time.RFC3339, *req.EndDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "end_date must be RFC 3339")
				return
			}
			sc.EndDate = &t
		}
	}
	h.warnIfInert(sc.CronExpression, sc.StartDate)

	if err := h.store.UpdateSchedule(r.Context(), sc); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(sc))
}

func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if _, err := h.store.GetScheduleForUser(r.Context(), id, userID(r)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.DeleteSchedule(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// warnIfInert reports (but does not reject) expressions that can never fire
// again: the schedule is admitted and registered, it just stays inert.
func (h *Handler) warnIfInert(expr string, startDate time.Time) {
	ref := time.Now()
	if startDate.After(ref) {
		ref = startDate
	}
	if _, err := cronexpr.Next(expr, ref); errors.Is(err, cronexpr.ErrNoFutureOccurrence) {
		h.log.Warn("schedule admitted with no future occurrence",
			logx.String("spec", expr), logx.Time("start_date", startDate))
	}
}

// ---- confirmations ----

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID == 0 {
		writeError(w, http.StatusBadRequest, "schedule_id is required")
		return
	}
	c, err := h.confirm.Confirm(r.Context(), req.ScheduleID, userID(r), req.Confirmed)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmationResponse(c))
}

func (h *Handler) ConfirmationHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ConfirmationHistory(r.Context(), userID(r))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	out := make([]confirmationHistoryResponse, 0, len(items))
	for _, it := range items {
		out = append(out, confirmationHistoryResponse{
			NotificationAt: it.NotificationAt.Format(time.RFC3339),
			Name:           it.Name,
			Time:           it.Time,
			Confirmed:      it.Confirmed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- tasks (administrative) ----

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks.List()
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	next, _, ok := h.tasks.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task "+strconv.FormatInt(id, 10)+" does not exist")
		return
	}
	h.tasks.Unregister(id)
	writeJSON(w, http.StatusOK, toTaskResponse(scheduler.TaskInfo{ScheduleID: id, Next: next}))
}

func toTaskResponse(t scheduler.TaskInfo) taskResponse {
	resp := taskResponse{ID: t.ScheduleID}
	if !t.Next.IsZero() {
		resp.Next = t.Next.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cronexpr.ErrInvalidExpression):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
