package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ndajr/shorturls/internal/core"
	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/ndajr/shorturls/internal/shortener"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	level, component, message string
}

type recordingLog struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLog) add(level, component, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level, component, message})
}

func (l *recordingLog) Info(_, component, message string)  { l.add("info", component, message) }
func (l *recordingLog) Warn(_, component, message string)  { l.add("warn", component, message) }
func (l *recordingLog) Error(_, component, message string) { l.add("error", component, message) }

func (l *recordingLog) contains(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.level == level && strings.Contains(line.message, substr) {
			return true
		}
	}
	return false
}

type stubLimiter struct {
	allow bool
	err   error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.allow, s.err }

// brokenStore fails every call with a storage error.
type brokenStore struct {
	*datastore.MemoryStore
}

func (brokenStore) AddURL(context.Context, core.Mapping) (core.Mapping, error) {
	return core.Mapping{}, errors.New("disk on fire")
}

type testEnv struct {
	handler http.Handler
	log     *recordingLog
}

func newTestEnv(t *testing.T, mutate func(*Deps)) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reqLog := &recordingLog{}
	deps := Deps{
		Logger:     logger,
		RequestLog: reqLog,
		Service:    shortener.New(logger, datastore.NewMemoryStore(), shortener.WithBaseURL("http://sho.rt")),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return testEnv{handler: NewRouter(deps), log: reqLog}
}

func (e testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestShortURLLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[createResponse](t, rec)
	require.Len(t, created.Shortcode, 6)
	require.Equal(t, "http://sho.rt/"+created.Shortcode, created.ShortLink)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), created.Expiry, time.Minute)
	require.Empty(t, created.QRCode)

	req := httptest.NewRequest(http.MethodGet, "/"+created.Shortcode, nil)
	req.Header.Set("Referer", "https://news.example")
	redirect := httptest.NewRecorder()
	env.handler.ServeHTTP(redirect, req)
	require.Equal(t, http.StatusFound, redirect.Code)
	require.Equal(t, "https://example.com", redirect.Header().Get("Location"))

	rec = env.do(http.MethodGet, "/shorturls/"+created.Shortcode, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, created.Shortcode, stats["shortcode"])
	require.Equal(t, "https://example.com", stats["originalUrl"])
	require.EqualValues(t, 1, stats["totalClicks"])
	require.Contains(t, stats, "createdAt")
	require.Contains(t, stats, "expiry")
	clicks := stats["clicks"].([]any)
	require.Len(t, clicks, 1)
	click := clicks[0].(map[string]any)
	require.Equal(t, "https://news.example", click["referrer"])
	require.NotEmpty(t, click["location"])

	require.True(t, env.log.contains("info", "POST /shorturls - Request received"))
	require.True(t, env.log.contains("info", "POST /shorturls - Response sent (201) in"))
	require.True(t, env.log.contains("info", "Response sent (302) in"))
}

func TestCreateShortURLOptions(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com","shortcode":"promo2024","validity":5,"qr":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[createResponse](t, rec)
	require.Equal(t, "promo2024", created.Shortcode)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), created.Expiry, time.Minute)
	require.True(t, strings.HasPrefix(created.QRCode, "data:image/png;base64,"))

	rec = env.do(http.MethodPost, "/shorturls", `{"url":"https://other.example","shortcode":"promo2024"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "Conflict", decode[errorBody](t, rec).Error)
}

func TestCreateShortURLValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not a url", body: `{"url":"not-a-url"}`},
		{name: "ftp scheme", body: `{"url":"ftp://x.com"}`},
		{name: "missing url", body: `{}`},
		{name: "empty body", body: ""},
		{name: "malformed json", body: `{"url":`},
		{name: "validity zero", body: `{"url":"https://example.com","validity":0}`},
		{name: "validity not a number", body: `{"url":"https://example.com","validity":"ten"}`},
		{name: "bad shortcode", body: `{"url":"https://example.com","shortcode":"no"}`},
		{name: "validity over a year", body: `{"url":"https://example.com","validity":525601}`},
		{name: "validity overflowing duration", body: `{"url":"https://example.com","validity":200000000}`},
		{name: "trailing garbage", body: `{"url":"https://example.com"} trailing-garbage`},
		{name: "two objects", body: `{"url":"https://example.com"}{"url":"https://example.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/shorturls", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[errorBody](t, rec)
			require.Equal(t, "Validation failed", body.Error)
			require.NotEmpty(t, body.Message)
		})
	}
}

func TestReservedShortcodes(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, code := range []string{"health", "metrics", "docs", "shorturls"} {
		rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com","shortcode":"`+code+`"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code, code)
		require.Contains(t, decode[errorBody](t, rec).Message, "reserved")
	}

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Location"))

	routes, ok := env.handler.(chi.Routes)
	require.True(t, ok)
	err := chi.Walk(routes, func(_ string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		first, _, _ := strings.Cut(strings.TrimPrefix(route, "/"), "/")
		first = strings.TrimSuffix(first, "*")
		if first == "" || strings.HasPrefix(first, "{") || strings.ContainsAny(first, ".") {
			return nil
		}
		require.True(t, core.IsReservedShortcode(first), "route %s shadows shortcode %q", route, first)
		return nil
	})
	require.NoError(t, err)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	want := `{"error":"Not found","message":"The requested resource was not found"}`

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/doesnotexist"},
		{http.MethodGet, "/shorturls/doesnotexist"},
		{http.MethodGet, "/a/b/c"},
		{http.MethodDelete, "/shorturls"},
	} {
		rec := env.do(tc.method, tc.path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		require.JSONEq(t, want, rec.Body.String(), tc.path)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
	require.True(t, env.log.contains("warn", "404 - Route not found: GET /a/b/c"))
}

func TestExpiredLink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Now()
	clock := func() time.Time { return now }
	env := newTestEnv(t, func(d *Deps) {
		d.Service = shortener.New(logger, datastore.NewMemoryStore(), shortener.WithClock(clock))
	})

	rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com","validity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[createResponse](t, rec).Shortcode

	now = now.Add(2 * time.Minute)
	rec = env.do(http.MethodGet, "/"+code, "")
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestInternalError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := newTestEnv(t, func(d *Deps) {
		d.Service = shortener.New(logger, brokenStore{datastore.NewMemoryStore()})
	})

	rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "Internal server error", body.Error)
	require.Contains(t, body.Message, "disk on fire")
	require.True(t, env.log.contains("error", "disk on fire"))
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]datastore.Pinger{
			"db": datastore.PingFunc(func(context.Context) error { panic("boom") }),
		}
	})

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "boom", decode[errorBody](t, rec).Message)
	require.True(t, env.log.contains("info", "GET /health - Response sent (500)"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Limiter = stubLimiter{allow: false} })
	rec := env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	env = newTestEnv(t, func(d *Deps) { d.Limiter = stubLimiter{err: errors.New("redis down")} })
	rec = env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	env = newTestEnv(t, func(d *Deps) { d.Limiter = stubLimiter{allow: true} })
	rec = env.do(http.MethodPost, "/shorturls", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]datastore.Pinger{
			"db":    datastore.PingFunc(func(context.Context) error { return nil }),
			"cache": datastore.PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		}
	})
	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[healthResponse](t, rec)
	require.Equal(t, "unavailable", body.Status)
	require.Equal(t, "connection refused", body.Checks["cache"])
	require.NotContains(t, body.Checks, "db")

	env = newTestEnv(t, nil)
	rec = env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDocsAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/swagger.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, json.Valid(rec.Body.Bytes()))

	rec = env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, docsURL, rec.Header().Get("Location"))

	rec = env.do(http.MethodGet, docsURL, "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.do(http.MethodGet, "/doesnotexist", "")
	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", Deps{
		Logger:     logger,
		RequestLog: &recordingLog{},
		Service:    shortener.New(logger, datastore.NewMemoryStore()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, srv.Run(ctx, &wg))
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
