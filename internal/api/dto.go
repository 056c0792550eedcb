package api

import (
	"encoding/json"
	"net/http"
	"time"

	"medremind/internal/storage"
)

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DeviceToken string `json:"device_token,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toUserResponse(u storage.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DeviceToken: u.DeviceToken,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

type createUserRequest struct {
	Email string `json:"email"`
}

type deviceTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

type medicationResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
}

func toMedicationResponse(m storage.Medication) medicationResponse {
	return medicationResponse{ID: m.ID, Name: m.Name, Disabled: m.Disabled}
}

type createMedicationRequest struct {
	Name string `json:"name"`
}

type updateMedicationRequest struct {
	Name     *string `json:"name,omitempty"`
	Disabled *bool   `json:"disabled,omitempty"`
}

type scheduleResponse struct {
	ID             int64  `json:"id"`
	MedicationID   int64  `json:"medication_id"`
	CronExpression string `json:"cron_expression"`
	Time           string `json:"time"`
	Frequency      string `json:"frequency"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date,omitempty"`
}

func toScheduleResponse(s storage.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ID:             s.ID,
		MedicationID:   s.MedicationID,
		CronExpression: s.CronExpression,
		Time:           s.Time,
		Frequency:      s.Frequency,
		StartDate:      s.StartDate.Format(time.RFC3339),
	}
	if s.EndDate != nil {
		resp.EndDate = s.EndDate.Format(time.RFC3339)
	}
	return resp
}

type createScheduleRequest struct {
	MedicationID   int64  `json:"medication_id"`
	CronExpression string `json:"cron_expression"`
	Time           string `json:"time"`
	Frequency      string `json:"frequency"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date,omitempty"`
}

type updateScheduleRequest struct {
	CronExpression *string `json:"cron_expression,omitempty"`
	Time           *string `json:"time,omitempty"`
	Frequency      *string `json:"frequency,omitempty"`
	StartDate      *string `json:"start_date,omitempty"`
	EndDate        *string `json:"end_date,omitempty"`
}

type confirmRequest struct {
	ScheduleID int64 `json:"schedule_id"`
	Confirmed  bool  `json:"confirmed"`
}

type confirmationResponse struct {
	ID             int64  `json:"id"`
	ScheduleID     int64  `json:"schedule_id"`
	NotificationAt string `json:"notification_at"`
	Confirmed      bool   `json:"confirmed"`
}

func toConfirmationResponse(c storage.Confirmation) confirmationResponse {
	return confirmationResponse{
		ID:             c.ID,
		ScheduleID:     c.ScheduleID,
		NotificationAt: c.NotificationAt.Format(time.RFC3339),
		Confirmed:      c.Confirmed,
	}
}

type confirmationHistoryResponse struct {
	NotificationAt string `json:"notification_at"`
	Name           string `json:"name"`
	Time           string `json:"time"`
	Confirmed      bool   `json:"confirmed"`
}

type taskResponse struct {
	ID   int64  `json:"id"`
	Next string `json:"next"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
