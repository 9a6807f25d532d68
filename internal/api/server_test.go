package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/config"
	"github.com/JakeFAU/statcache/internal/statcache"
	"github.com/JakeFAU/statcache/internal/storage/memory"
)

// 2025-04-01 12:00 KST
var testNow = time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var ready bool
	var mu sync.Mutex
	server, _, _ := newTestServer(t, config.Config{}, WithReadiness(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}))

	rec := serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mu.Lock()
	ready = true
	mu.Unlock()
	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_GetEntry_Fresh(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{})
	lookup.entries["predlist:2025-04-01"] = statcache.Entry{
		Key:        "predlist:2025-04-01",
		Payload:    json.RawMessage(`[{"s_no":"1"}]`),
		FetchedAt:  testNow.Add(-5 * time.Minute),
		TTLMinutes: 30,
		Source:     statcache.SourceLive,
	}

	rec := serve(server, http.MethodGet, "/v1/entries/predlist:2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body entryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "predlist:2025-04-01", body.Key)
	require.Equal(t, statcache.SourceLive, body.Source)
	require.False(t, body.Stale)
	require.Equal(t, int64(300), body.AgeSeconds)
	require.JSONEq(t, `[{"s_no":"1"}]`, string(body.Data))
}

func TestServer_GetEntry_StaleFlag(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{})
	lookup.entries["s_nos:2025-04-01"] = statcache.Entry{
		Key:        "s_nos:2025-04-01",
		Payload:    json.RawMessage(`["1"]`),
		FetchedAt:  testNow.Add(-2 * time.Hour),
		TTLMinutes: 30,
		Source:     statcache.SourceStale,
	}

	rec := serve(server, http.MethodGet, "/v1/entries/s_nos:2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body entryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Stale)
	require.Equal(t, statcache.SourceStale, body.Source)
}

func TestServer_GetEntry_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: statcache.NotFoundError("pred:2025-04-01:1", nil), want: http.StatusNotFound},
		{name: "retries exhausted", err: statcache.NotFoundError("pred:2025-04-01:1", statcache.RetryableFailure(context.DeadlineExceeded, "fetch").Err), want: http.StatusNotFound},
		{name: "fatal", err: fmt.Errorf("refresh: %w", statcache.FatalFailure(errors.New("404"), "fetch").Err), want: http.StatusUnprocessableEntity},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, lookup, _ := newTestServer(t, config.Config{})
			lookup.err = tt.err
			rec := serve(server, http.MethodGet, "/v1/entries/pred:2025-04-01:1", nil)
			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestServer_GetEntry_DeadlineReturns504(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{Server: config.ServerConfig{RequestTimeoutSeconds: 1}})
	lookup.block = true

	start := time.Now()
	rec := serve(server, http.MethodGet, "/v1/entries/predlist:2025-04-01", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestServer_TodayPredlist(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{})
	lookup.entries["predlist:2025-04-01"] = statcache.Entry{
		Key: "predlist:2025-04-01", Payload: json.RawMessage(`[]`), FetchedAt: testNow, TTLMinutes: 30, Source: statcache.SourceRemote,
	}

	rec := serve(server, http.MethodGet, "/v1/predlist/today", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body entryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "predlist:2025-04-01", body.Key)
	require.Equal(t, statcache.SourceRemote, body.Source)
	require.Empty(t, body.RequestedKey)
}

func TestServer_TodayPredlist_FallsBackToLatest(t *testing.T) {
	t.Parallel()

	server, lookup, store := newTestServer(t, config.Config{})
	lookup.err = statcache.NotFoundError("predlist:2025-04-01", nil)
	ctx := context.Background()
	for _, date := range []string{"2025-03-30", "2025-03-31"} {
		require.NoError(t, store.Put(ctx, statcache.Entry{
			Key:        "predlist:" + date,
			Payload:    json.RawMessage(`["` + date + `"]`),
			FetchedAt:  testNow.Add(-24 * time.Hour),
			TTLMinutes: 30,
			Source:     statcache.SourceLive,
		}))
	}
	require.NoError(t, store.Put(ctx, statcache.Entry{Key: "s_nos:2025-04-02", Payload: json.RawMessage(`[]`), FetchedAt: testNow}))

	rec := serve(server, http.MethodGet, "/v1/predlist/today", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body entryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "predlist:2025-03-31", body.Key)
	require.Equal(t, "predlist:2025-04-01", body.RequestedKey)
	require.Equal(t, statcache.SourceStale, body.Source)
	require.True(t, body.Stale)
}

func TestServer_TodayPredlist_NothingCached(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{})
	lookup.err = statcache.NotFoundError("predlist:2025-04-01", nil)

	rec := serve(server, http.MethodGet, "/v1/predlist/today", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DebugKeys(t *testing.T) {
	t.Parallel()

	server, lookup, store := newTestServer(t, config.Config{})
	lookup.refreshing = []string{"pred:2025-04-01:7"}
	require.NoError(t, store.Put(context.Background(), statcache.Entry{Key: "s_nos:2025-04-01", Payload: json.RawMessage(`[]`), FetchedAt: testNow}))

	rec := serve(server, http.MethodGet, "/debug/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"keys":["s_nos:2025-04-01"],"count":1,"refreshing":["pred:2025-04-01:7"]}`, rec.Body.String())
}

func TestServer_DebugInspect(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{records: []statcache.RefreshRecord{{ID: "r1", Key: "s_nos:2025-04-01", Outcome: statcache.OutcomeFetched}}}
	server, _, store := newTestServer(t, config.Config{}, WithHistory(history))
	require.NoError(t, store.Put(context.Background(), statcache.Entry{
		Key: "s_nos:2025-04-01", Payload: json.RawMessage(`["1"]`), FetchedAt: testNow, TTLMinutes: 30, Source: statcache.SourceLive,
	}))

	rec := serve(server, http.MethodGet, "/debug/keys/s_nos:2025-04-01?history=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Key        string                    `json:"key"`
		Refreshing bool                      `json:"refreshing"`
		Entry      entryDTO                  `json:"entry"`
		History    []statcache.RefreshRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "s_nos:2025-04-01", body.Entry.Key)
	require.Len(t, body.History, 1)
	require.Equal(t, 5, history.lastLimit)

	rec = serve(server, http.MethodGet, "/debug/keys/s_nos:2025-04-01?history=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodGet, "/debug/keys/predlist:2020-01-01", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DebugSummary(t *testing.T) {
	t.Parallel()

	server, _, store := newTestServer(t, config.Config{})
	require.NoError(t, store.Put(context.Background(), statcache.Entry{Key: "predlist:2025-04-01", Payload: json.RawMessage(`[]`), FetchedAt: testNow}))

	rec := serve(server, http.MethodGet, "/debug/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"keys_count": 1,
		"has_today_predlist": true,
		"today_key": "predlist:2025-04-01",
		"mode": "live",
		"refreshing_count": 0
	}`, rec.Body.String())
}

func TestServer_DebugEvents(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/debug/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	feed := fakeFeed{events: []statcache.RefreshEvent{{Key: "s_nos:2025-04-01", Changed: true}}}
	server, _, _ = newTestServer(t, config.Config{}, WithEvents(feed))
	rec = serve(server, http.MethodGet, "/debug/events?key=s_nos:2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"changed":true`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := serve(server, http.MethodGet, "/debug/summary", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/debug/summary", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/debug/summary?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay public")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server, lookup, _ := newTestServer(t, config.Config{})
	lookup.panic = true
	rec := serve(server, http.MethodGet, "/v1/entries/predlist:2025-04-01", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeLookup struct {
	mu         sync.Mutex
	entries    map[string]statcache.Entry
	err        error
	block      bool
	panic      bool
	refreshing []string
}

func (f *fakeLookup) GetOrRefresh(ctx context.Context, key string) (statcache.Entry, error) {
	if f.panic {
		panic("lookup exploded")
	}
	if f.block {
		<-ctx.Done()
		return statcache.Entry{}, fmt.Errorf("await refresh of %s: %w", key, ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return statcache.Entry{}, f.err
	}
	entry, ok := f.entries[key]
	if !ok {
		return statcache.Entry{}, statcache.NotFoundError(key, nil)
	}
	return entry, nil
}

func (f *fakeLookup) Mode() statcache.Mode { return statcache.ModeLive }

func (f *fakeLookup) Refreshing(key string) bool {
	for _, k := range f.refreshing {
		if k == key {
			return true
		}
	}
	return false
}

func (f *fakeLookup) RefreshingKeys() []string {
	return append([]string{}, f.refreshing...)
}

type fakeHistory struct {
	records   []statcache.RefreshRecord
	lastLimit int
}

func (f *fakeHistory) RecentRefreshes(_ context.Context, _ string, limit int) ([]statcache.RefreshRecord, error) {
	f.lastLimit = limit
	return f.records, nil
}

type fakeFeed struct {
	events []statcache.RefreshEvent
}

func (f fakeFeed) Events(string) []statcache.RefreshEvent { return f.events }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(t *testing.T, cfg config.Config, opts ...Option) (*Server, *fakeLookup, *memory.CacheStore) {
	t.Helper()
	lookup := &fakeLookup{entries: map[string]statcache.Entry{}}
	store := memory.NewCacheStore()
	return NewServer(lookup, store, fixedClock{now: testNow}, cfg, zap.NewNop(), opts...), lookup, store
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}
