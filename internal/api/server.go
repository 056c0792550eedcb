package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	logx "medremind/pkg/logx"
)

// NewRouter wires all routes. corsOrigins is the allow-list for browser
// clients; empty means no CORS headers at all.
func NewRouter(h *Handler, log logx.Logger, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", userHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.CreateUser)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/users/me", h.GetMe)
			r.Put("/users/me/device-token", h.SetDeviceToken)
			r.Delete("/users/me", h.DeleteMe)

			r.Get("/medications", h.ListMedications)
			r.Post("/medications", h.CreateMedication)
			r.Get("/medications/{id}", h.GetMedication)
			r.Patch("/medications/{id}", h.UpdateMedication)
			r.Delete("/medications/{id}", h.DeleteMedication)
			r.Get("/medications/{id}/schedules", h.ListSchedulesByMedication)

			r.Post("/schedules", h.CreateSchedule)
			r.Get("/schedules/today", h.ListTodaySchedules)
			r.Patch("/schedules/{id}", h.UpdateSchedule)
			r.Delete("/schedules/{id}", h.DeleteSchedule)

			r.Post("/confirmations", h.Confirm)
			r.Get("/confirmations", h.ConfirmationHistory)

			r.Get("/tasks", h.ListTasks)
			r.Delete("/tasks/{id}", h.DeleteTask)
		})
	})

	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("elapsed", time.Since(start)))
		})
	}
}
