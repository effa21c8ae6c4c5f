package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpy/internal/domain"
	"perpy/internal/observability/metrics"
	"perpy/internal/repository"
	"perpy/internal/usecase"
)

type scriptedAnswerer struct {
	mu       sync.Mutex
	calls    int
	err      error
	passages []domain.Passage
}

func (s *scriptedAnswerer) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *scriptedAnswerer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedAnswerer) Answer(_ context.Context, q string) (usecase.PipelineResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return usecase.PipelineResult{}, s.err
	}
	return usecase.PipelineResult{Answer: "Jawaban untuk: " + q, Passages: s.passages}, nil
}

type testServer struct {
	srv      *httptest.Server
	answerer *scriptedAnswerer
	client   *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	answerer := &scriptedAnswerer{passages: []domain.Passage{{ID: "p1", Text: "Pasal 1 angka 2", Source: "UU 13/2003"}}}
	store, err := repository.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	svc, err := usecase.NewAskService(answerer, store, usecase.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	h, err := NewHandler(svc, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(h, metrics.New("perpy-test")))
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &testServer{srv: srv, answerer: answerer, client: client}
}

func (ts *testServer) do(t *testing.T, req *http.Request, cookie *http.Cookie) (*http.Response, string) {
	t.Helper()
	if cookie != nil {
		req.AddCookie(cookie)
	}
	res, err := ts.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func (ts *testServer) get(t *testing.T, path string, cookie *http.Cookie) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	require.NoError(t, err)
	return ts.do(t, req, cookie)
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values, cookie *http.Cookie) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(t, req, cookie)
}

func (ts *testServer) postJSON(t *testing.T, path, body string, cookie *http.Cookie) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(t, req, cookie)
}

func sessionCookie(t *testing.T, res *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range res.Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", SessionCookie)
	return nil
}

func TestNewHandler_NilService(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestIndex_FirstVisit(t *testing.T) {
	ts := newTestServer(t)
	res, body := ts.get(t, "/", nil)

	require.Equal(t, http.StatusOK, res.StatusCode)
	c := sessionCookie(t, res)
	require.True(t, c.HttpOnly)
	require.Contains(t, body, "Perpy</span> (beta)")
	require.Contains(t, body, "Indonesian Legal")
	require.Contains(t, body, "klaster Ketenagakerjaan")
	require.Contains(t, body, `placeholder="Apa definisi dari ketenagakerjaan?"`)
	require.Contains(t, body, `<button type="submit">Kirim</button>`)
	require.NotContains(t, body, `class="msg`)
}

func TestSubmitForm_PostRedirectGet(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/", nil)
	cookie := sessionCookie(t, res)

	res, _ = ts.postForm(t, "/ask", url.Values{"question": {"Apa itu PHK?"}}, cookie)
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Equal(t, "/", res.Header.Get("Location"))

	res, _ = ts.postForm(t, "/ask", url.Values{"question": {"Berapa lama cuti hamil?"}}, cookie)
	require.Equal(t, http.StatusSeeOther, res.StatusCode)

	_, body := ts.get(t, "/", cookie)
	newestAnswer := strings.Index(body, "Jawaban untuk: Berapa lama cuti hamil?")
	newestQuestion := strings.Index(body, `data-round="1">Berapa lama cuti hamil?`)
	oldestAnswer := strings.Index(body, "Jawaban untuk: Apa itu PHK?")
	oldestQuestion := strings.Index(body, `data-round="0">Apa itu PHK?`)
	require.True(t, newestAnswer >= 0 && newestQuestion >= 0 && oldestAnswer >= 0 && oldestQuestion >= 0, body)
	require.Less(t, newestAnswer, newestQuestion)
	require.Less(t, newestQuestion, oldestAnswer)
	require.Less(t, oldestAnswer, oldestQuestion)
	require.NotContains(t, body, "Pasal 1 angka 2", "passages are not rendered in the transcript")
}

func TestSubmitForm_EmptyQuestion(t *testing.T) {
	ts := newTestServer(t)
	res, body := ts.postForm(t, "/ask", url.Values{"question": {"   "}}, nil)

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Contains(t, body, "Pertanyaan tidak boleh kosong.")
	require.Zero(t, ts.answerer.callCount())
}

func TestSubmitForm_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.answerer.fail(&usecase.Error{Code: usecase.ErrorUpstream, Reason: "openai_error", Err: errors.New("502 from upstream")})

	res, body := ts.postForm(t, "/ask", url.Values{"question": {"Apa itu PHK?"}}, nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.Contains(t, body, "Terjadi kesalahan")
	require.NotContains(t, body, "502 from upstream")
}

func TestIndex_EscapesTranscript(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/", nil)
	cookie := sessionCookie(t, res)

	_, _ = ts.postForm(t, "/ask", url.Values{"question": {"<script>alert(1)</script>"}}, cookie)
	_, body := ts.get(t, "/", cookie)
	require.NotContains(t, body, "<script>alert(1)</script>")
	require.Contains(t, body, "&lt;script&gt;")
}

func TestIndex_ReplacesInvalidCookie(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/", &http.Cookie{Name: SessionCookie, Value: "../../etc/passwd"})
	c := sessionCookie(t, res)
	require.NotEqual(t, "../../etc/passwd", c.Value)
}

func TestResetForm(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/", nil)
	cookie := sessionCookie(t, res)
	_, _ = ts.postForm(t, "/ask", url.Values{"question": {"Apa itu PHK?"}}, cookie)

	res, _ = ts.postForm(t, "/reset", nil, cookie)
	require.Equal(t, http.StatusSeeOther, res.StatusCode)

	_, body := ts.get(t, "/", cookie)
	require.NotContains(t, body, "Apa itu PHK?")
}

func TestAPIAsk(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.postJSON(t, "/api/ask", `{"question":"Apa itu upah?"}`, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out askResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Equal(t, "Jawaban untuk: Apa itu upah?", out.Answer)
	require.NotEmpty(t, out.SessionID)
	require.Equal(t, 0, out.Round)

	res, body = ts.postJSON(t, "/api/ask", `{"question":"Apa itu lembur?","sessionId":"`+out.SessionID+`"}`, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Equal(t, 1, out.Round)
}

func TestAPIAsk_Errors(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.postJSON(t, "/api/ask", `not-json`, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	require.Equal(t, string(usecase.ErrorInvalidInput), e.Error)
	require.Equal(t, "invalid_json", e.Reason)

	res, body = ts.postJSON(t, "/api/ask", `{"question":""}`, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	require.Equal(t, "empty_question", e.Reason)

	ts.answerer.fail(&usecase.Error{Code: usecase.ErrorRateLimited, Reason: "openai_rate_limited"})
	res, body = ts.postJSON(t, "/api/ask", `{"question":"Apa itu upah?"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	require.Equal(t, string(usecase.ErrorRateLimited), e.Error)
}

func TestAPIHistoryAndPassages(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/", nil)
	cookie := sessionCookie(t, res)
	_, _ = ts.postForm(t, "/ask", url.Values{"question": {"q0"}}, cookie)
	_, _ = ts.postForm(t, "/ask", url.Values{"question": {"q1"}}, cookie)

	res, body := ts.get(t, "/api/history", cookie)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var hist historyResponse
	require.NoError(t, json.Unmarshal([]byte(body), &hist))
	require.Equal(t, cookie.Value, hist.SessionID)
	require.Len(t, hist.Rounds, 2)
	require.Equal(t, "q1", hist.Rounds[0].Question)
	require.Equal(t, "q0", hist.Rounds[1].Question)

	res, body = ts.get(t, "/api/passages?round=0", cookie)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var ps passagesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &ps))
	require.Len(t, ps.Passages, 1)
	require.Equal(t, "Pasal 1 angka 2", ps.Passages[0].Text)

	res, _ = ts.get(t, "/api/passages?round=7", cookie)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = ts.get(t, "/api/passages?round=abc", cookie)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = ts.get(t, "/api/history", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	res, body := ts.get(t, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, body)

	res, body = ts.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, body, "perpy_http_requests_total")
}

func TestRecoverer(t *testing.T) {
	h, err := NewHandler(panickingService{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?sessionId=x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panickingService struct{}

func (panickingService) Ask(context.Context, usecase.AskInput) (usecase.AskOutput, error) {
	panic("boom")
}

func (panickingService) History(context.Context, string) (domain.Session, error) {
	panic("boom")
}

func (panickingService) Passages(context.Context, string, int) ([]domain.Passage, error) {
	panic("boom")
}

func (panickingService) Reset(context.Context, string) error {
	panic("boom")
}
