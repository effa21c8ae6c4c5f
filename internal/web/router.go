package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MetricsCollector instruments requests and exposes the scrape endpoint.
type MetricsCollector interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

func NewRouter(h *Handler, m MetricsCollector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.logger))
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Get("/", h.Index)
	r.Post("/ask", h.SubmitForm)
	r.Post("/reset", h.ResetForm)

	r.Route("/api", func(r chi.Router) {
		r.Post("/ask", h.APIAsk)
		r.Get("/history", h.APIHistory)
		r.Get("/passages", h.APIPassages)
	})

	r.Get("/healthz", Healthz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.BytesWritten(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			}
			switch {
			case status >= 500:
				logger.ErrorContext(r.Context(), "http_request", attrs...)
			case status >= 400:
				logger.WarnContext(r.Context(), "http_request", attrs...)
			default:
				logger.InfoContext(r.Context(), "http_request", attrs...)
			}
		})
	}
}
