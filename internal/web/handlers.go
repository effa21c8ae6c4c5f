package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"perpy/internal/domain"
	"perpy/internal/usecase"
)

const (
	SessionCookie = "perpy_session"

	greeting = "Halo! Saya telah disuplai oleh sumber data eksternal berisi " +
		"Peraturan Perundang-undangan Republik Indonesia pada klaster Ketenagakerjaan. " +
		"Apakah Anda memiliki pertanyaan yang bisa saya bantu?"
	placeholder = "Apa definisi dari ketenagakerjaan?"

	maxBodyBytes = 64 << 10
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))
	errorTemplate = template.Must(template.ParseFS(templateFS, "templates/error.html"))
)

// Service is the session-aware question answering surface used by the
// handlers.
type Service interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	History(ctx context.Context, sessionID string) (domain.Session, error)
	Passages(ctx context.Context, sessionID string, round int) ([]domain.Passage, error)
	Reset(ctx context.Context, sessionID string) error
}

type Handler struct {
	svc          Service
	logger       *slog.Logger
	maxQuestion  int
	secureCookie bool
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMaxQuestionLength(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxQuestion = n
		}
	}
}

// WithSecureCookie marks the session cookie Secure, for TLS deployments.
func WithSecureCookie(secure bool) Option {
	return func(h *Handler) { h.secureCookie = secure }
}

func NewHandler(svc Service, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("web: service must not be nil")
	}
	h := &Handler{svc: svc, logger: slog.Default(), maxQuestion: 1000}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type pageData struct {
	Greeting    string
	Placeholder string
	MaxLength   int
	Rounds      []domain.Round
}

type errorPageData struct {
	Status     int
	StatusText string
	Message    string
	RequestID  string
}

// Index renders the chat page with the transcript, most recent round first.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	sessionID := h.ensureSession(w, r)
	sess, err := h.svc.History(r.Context(), sessionID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	data := pageData{
		Greeting:    greeting,
		Placeholder: placeholder,
		MaxLength:   h.maxQuestion,
		Rounds:      sess.Transcript(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		h.logger.ErrorContext(r.Context(), "render index", "err", err)
	}
}

// SubmitForm handles the explicit submit of the question form and redirects
// back to the page.
func (h *Handler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_form", Err: err})
		return
	}
	sessionID := h.ensureSession(w, r)
	_, err := h.svc.Ask(r.Context(), usecase.AskInput{
		Question:  r.PostFormValue("question"),
		SessionID: sessionID,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) ResetForm(w http.ResponseWriter, r *http.Request) {
	if sessionID := sessionFromCookie(r); sessionID != "" {
		if err := h.svc.Reset(r.Context(), sessionID); err != nil {
			h.renderError(w, r, err)
			return
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"sessionId"`
	Round     int    `json:"round"`
	Fallback  bool   `json:"fallback"`
}

type roundResponse struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type historyResponse struct {
	SessionID string          `json:"sessionId"`
	Rounds    []roundResponse `json:"rounds"`
}

type passagesResponse struct {
	SessionID string           `json:"sessionId"`
	Round     int              `json:"round"`
	Passages  []domain.Passage `json:"passages"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) APIAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeJSONError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = sessionFromCookie(r)
	}

	out, err := h.svc.Ask(r.Context(), usecase.AskInput{Question: req.Question, SessionID: sessionID})
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{
		Answer:    out.Answer,
		SessionID: out.SessionID,
		Round:     out.Round,
		Fallback:  out.Fallback,
	})
}

func (h *Handler) APIHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := requestSession(r)
	sess, err := h.svc.History(r.Context(), sessionID)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	rounds := make([]roundResponse, 0, sess.Len())
	for _, rd := range sess.Transcript() {
		rounds = append(rounds, roundResponse{Index: rd.Index, Question: rd.Question, Answer: rd.Answer})
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Rounds: rounds})
}

// APIPassages exposes the passages behind one round. They are never shown in
// the chat page itself.
func (h *Handler) APIPassages(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.Atoi(r.URL.Query().Get("round"))
	if err != nil || round < 0 {
		h.writeJSONError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_round"})
		return
	}
	sessionID := requestSession(r)
	passages, err := h.svc.Passages(r.Context(), sessionID, round)
	if err != nil {
		h.writeJSONError(w, r, err)
		return
	}
	if passages == nil {
		passages = []domain.Passage{}
	}
	writeJSON(w, http.StatusOK, passagesResponse{SessionID: sessionID, Round: round, Passages: passages})
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ensureSession returns the caller's session id, issuing a new cookie when
// the request carries none or an invalid one.
func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if id := sessionFromCookie(r); id != "" {
		return id
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func sessionFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

func requestSession(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("sessionId")); id != "" {
		return id
	}
	return sessionFromCookie(r)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.CodeOf(err)
	status := code.HTTPStatus()
	h.logFailure(r, status, err)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := errorPageData{
		Status:     status,
		StatusText: http.StatusText(status),
		Message:    userMessage(err),
		RequestID:  middleware.GetReqID(r.Context()),
	}
	if execErr := errorTemplate.Execute(w, data); execErr != nil {
		h.logger.ErrorContext(r.Context(), "render error page", "err", execErr)
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.CodeOf(err)
	status := code.HTTPStatus()
	h.logFailure(r, status, err)

	resp := errorResponse{Error: string(code)}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp.Reason = ue.Reason
	}
	writeJSON(w, status, resp)
}

func (h *Handler) logFailure(r *http.Request, status int, err error) {
	attrs := []any{"request_id", middleware.GetReqID(r.Context()), "status", status, "err", err}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", attrs...)
		return
	}
	h.logger.WarnContext(r.Context(), "request rejected", attrs...)
}

func userMessage(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		switch ue.Reason {
		case "empty_question":
			return "Pertanyaan tidak boleh kosong."
		case "question_too_long":
			return "Pertanyaan terlalu panjang."
		}
	}
	switch usecase.CodeOf(err) {
	case usecase.ErrorInvalidInput:
		return "Permintaan tidak valid."
	case usecase.ErrorNotFound:
		return "Data tidak ditemukan."
	case usecase.ErrorRateLimited:
		return "Layanan sedang sibuk. Silakan coba beberapa saat lagi."
	default:
		return "Terjadi kesalahan saat memproses pertanyaan. Silakan coba lagi."
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
