package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"perpy/internal/domain"
)

const defaultMaxQuestion = 1000

// Outcomes reported to MetricsRecorder.
const (
	OutcomeAnswered = "answered"
	OutcomeFallback = "fallback"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Answerer interface {
	Answer(ctx context.Context, question string) (PipelineResult, error)
}

// SessionStore persists session history. AppendRound must fail with
// domain.ErrRoundConflict when expectedIndex is already taken.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (domain.Session, error)
	AppendRound(ctx context.Context, sessionID string, expectedIndex int, question, answer string, passages []domain.Passage) error
	Delete(ctx context.Context, sessionID string) error
}

type PassageLogger interface {
	LogPassages(passages []domain.Passage) error
}

type MetricsRecorder interface {
	ObserveAnswer(outcome string, passages int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAnswer(string, int, time.Duration) {}

type AskInput struct {
	Question  string
	SessionID string
}

type AskOutput struct {
	Answer    string
	SessionID string
	Round     int
	Fallback  bool
}

type AskOption func(*AskService)

func WithMaxQuestionLength(n int) AskOption {
	return func(s *AskService) {
		if n > 0 {
			s.maxQuestionLen = n
		}
	}
}

func WithPassageLogger(l PassageLogger) AskOption {
	return func(s *AskService) { s.passages = l }
}

func WithMetrics(m MetricsRecorder) AskOption {
	return func(s *AskService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) AskOption {
	return func(s *AskService) {
		if l != nil {
			s.logger = l
		}
	}
}

// AskService runs questions through the pipeline and records them in the
// caller's session history.
type AskService struct {
	pipeline       Answerer
	store          SessionStore
	passages       PassageLogger
	metrics        MetricsRecorder
	logger         *slog.Logger
	maxQuestionLen int
	locks          *sessionLocks
}

func NewAskService(pipeline Answerer, store SessionStore, opts ...AskOption) (*AskService, error) {
	if pipeline == nil {
		return nil, errors.New("usecase: pipeline must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	s := &AskService{
		pipeline:       pipeline,
		store:          store,
		metrics:        nopMetrics{},
		logger:         slog.Default(),
		maxQuestionLen: defaultMaxQuestion,
		locks:          newSessionLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ask answers in.Question and appends the round to the session. A failed
// pipeline call leaves the session untouched.
func (s *AskService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		s.metrics.ObserveAnswer(OutcomeRejected, 0, 0)
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if utf8.RuneCountInString(question) > s.maxQuestionLen {
		s.metrics.ObserveAnswer(OutcomeRejected, 0, 0)
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return AskOutput{}, newError(ErrorInternal, "session_load_error", err)
	}

	start := time.Now()
	res, err := s.pipeline.Answer(ctx, question)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveAnswer(OutcomeFailed, 0, elapsed)
		s.logger.ErrorContext(ctx, "answer pipeline failed",
			"session_id", sessionID, "code", CodeOf(err), "err", err)
		var ue *Error
		if errors.As(err, &ue) {
			return AskOutput{}, ue
		}
		return AskOutput{}, newError(ErrorInternal, "pipeline_error", err)
	}

	round := sess.Len()
	if err := s.store.AppendRound(ctx, sessionID, round, question, res.Answer, res.Passages); err != nil {
		if errors.Is(err, domain.ErrRoundConflict) {
			return AskOutput{}, newError(ErrorInternal, "session_conflict", err)
		}
		return AskOutput{}, newError(ErrorInternal, "session_write_error", err)
	}

	if s.passages != nil {
		if err := s.passages.LogPassages(res.Passages); err != nil {
			s.logger.WarnContext(ctx, "write retrieved context", "err", err)
		}
	}

	outcome := OutcomeAnswered
	if res.Fallback {
		outcome = OutcomeFallback
	}
	s.metrics.ObserveAnswer(outcome, len(res.Passages), elapsed)
	s.logger.InfoContext(ctx, "question answered",
		"session_id", sessionID,
		"round", round,
		"passages", len(res.Passages),
		"fallback", res.Fallback,
		"duration_ms", elapsed.Milliseconds(),
	)

	return AskOutput{
		Answer:    res.Answer,
		SessionID: sessionID,
		Round:     round,
		Fallback:  res.Fallback,
	}, nil
}

// History returns the stored session; unknown sessions are empty.
func (s *AskService) History(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	sess, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "session_load_error", err)
	}
	return sess, nil
}

// Passages returns the passages that supported the given round.
func (s *AskService) Passages(ctx context.Context, sessionID string, round int) ([]domain.Passage, error) {
	sess, err := s.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	passages, ok := sess.PassagesFor(round)
	if !ok {
		return nil, newError(ErrorNotFound, "round_not_found", nil)
	}
	return passages, nil
}

// Reset discards the session history.
func (s *AskService) Reset(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "session_delete_error", err)
	}
	return nil
}

// sessionLocks serialises work per session id. Entries are dropped once no
// caller holds or waits for them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

var newUUID = func() string {
	return uuid.NewString()
}
