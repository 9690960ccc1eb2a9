package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/config"
	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/orchestrator"
	memstore "github.com/JakeFAU/realtime-image-scraper/internal/storage/memory"
)

func TestServer_ScrapeImages_Succeeds(t *testing.T) {
	t.Parallel()

	orch := &fakeServicer{result: orchestrator.Result{
		Keyword:   "cats",
		Picked:    []string{"https://a/1.jpg", "https://a/2.jpg"},
		SavedURLs: []string{"https://example.com/images/cats-1.webp"},
		Remaining: []string{"https://a/3.jpg"},
	}}
	server := newTestServer(orch, nil)

	rec := postScrape(t, server, `{"keyword":"Cats","profile":"example.com","max_save":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Cats", body["keyword"], "keyword is echoed as sent")
	assert.EqualValues(t, 1, body["saved_count"])
	assert.Equal(t, []any{"https://example.com/images/cats-1.webp"}, body["saved_urls"])
	assert.Equal(t, []any{"https://a/3.jpg"}, body["remaining_urls"])
	assert.NotContains(t, body, "message")

	got := orch.last()
	assert.Equal(t, orchestrator.Request{Keyword: "Cats", Profile: "example.com", MaxSave: 2}, got)
}

func TestServer_ScrapeImages_DefaultMaxSave(t *testing.T) {
	t.Parallel()

	orch := &fakeServicer{}
	server := newTestServer(orch, nil)

	rec := postScrape(t, server, `{"keyword":"dogs","profile":"example.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, orch.last().MaxSave)
}

func TestServer_ScrapeImages_NoMoreImages(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeServicer{result: orchestrator.Result{Keyword: "cats"}}, nil)

	rec := postScrape(t, server, `{"keyword":"cats","profile":"example.com","max_save":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"status":"success","message":"No more images to process","saved_urls":[],"remaining_urls":[]}`,
		rec.Body.String(),
	)
}

func TestServer_ScrapeImages_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{invalid`, want: "invalid JSON body"},
		{name: "missing keyword", body: `{"profile":"example.com"}`, want: "keyword is required"},
		{name: "blank keyword", body: `{"keyword":"  ","profile":"example.com"}`, want: "keyword is required"},
		{name: "missing profile", body: `{"keyword":"cats"}`, want: "profile is required"},
		{name: "negative max_save", body: `{"keyword":"cats","profile":"example.com","max_save":-1}`, want: "must not be negative"},
		{name: "max_save over limit", body: `{"keyword":"cats","profile":"example.com","max_save":51}`, want: "must not exceed 50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			orch := &fakeServicer{}
			server := newTestServer(orch, nil)

			rec := postScrape(t, server, tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body["detail"], tt.want)
			assert.Zero(t, orch.callCount(), "orchestrator must not run for rejected requests")
		})
	}
}

func TestServer_ScrapeImages_ErrorMapping(t *testing.T) {
	t.Parallel()

	invalid := fmt.Errorf("%w: keyword is required", images.ErrInvalidRequest)
	server := newTestServer(&fakeServicer{err: invalid}, nil)
	rec := postScrape(t, server, `{"keyword":"cats","profile":"example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "keyword is required")

	conflict := fmt.Errorf("select for %q: %w", "cats", images.ErrConflict)
	server = newTestServer(&fakeServicer{err: conflict}, nil)
	rec = postScrape(t, server, `{"keyword":"cats","profile":"example.com"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	unavailable := fmt.Errorf("select for %q: %w", "cats", images.ErrStoreUnavailable)
	server = newTestServer(&fakeServicer{err: unavailable}, nil)
	rec = postScrape(t, server, `{"keyword":"cats","profile":"example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "store unavailable")
}

func TestServer_ScrapeImages_EndToEndEmptyScrape(t *testing.T) {
	t.Parallel()

	store := memstore.NewKeywordStore(nil)
	orch := orchestrator.New(store, emptySearcher{}, nil, nil, nil, nil, nil, orchestrator.Config{}, zap.NewNop())
	server := newTestServer(orch, store)

	rec := postScrape(t, server, `{"keyword":"nothing","profile":"example.com","max_save":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No more images to process")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeServicer{panicMsg: "boom"}, nil)

	rec := postScrape(t, server, `{"keyword":"cats","profile":"example.com"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	store := memstore.NewKeywordStore(nil)
	server := newTestServer(&fakeServicer{}, store)

	rec := get(server, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = get(server, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, store.Close())
	rec = get(server, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unavailable")

	rec = get(server, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, "liveness must not depend on the store")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeServicer{}, nil)
	_ = get(server, "/health", nil)

	rec := get(server, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(&fakeServicer{}, nil, cfg, zap.NewNop())

	rec := postScrapeWithHeaders(t, server, `{"keyword":"cats","profile":"example.com"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postScrapeWithHeaders(t, server, `{"keyword":"cats","profile":"example.com"}`,
		map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(server, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open when auth is enabled")
}

func TestServer_CORSAllowsAnyOrigin(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeServicer{}, nil)

	rec := get(server, "/health", map[string]string{"Origin": "https://app.example.org"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeServicer{}, nil)

	rec := get(server, "/health", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get(server, "/health", map[string]string{"X-Request-ID": "req-123"})
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
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

type fakeServicer struct {
	mu       sync.Mutex
	result   orchestrator.Result
	err      error
	panicMsg string
	requests []orchestrator.Request
}

func (f *fakeServicer) Serve(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeServicer) last() orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return orchestrator.Request{}
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeServicer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type emptySearcher struct{}

func (emptySearcher) Search(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("%w: no results", images.ErrScrapeFailed)
}

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

func testConfig() config.Config {
	return config.Config{
		API: config.APIConfig{
			DefaultMaxSave:        2,
			MaxSaveLimit:          50,
			RequestTimeoutSeconds: 30,
		},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(orch Servicer, ready Pinger) *Server {
	return NewServer(orch, ready, testConfig(), zap.NewNop())
}

func postScrape(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	return postScrapeWithHeaders(t, server, body, nil)
}

func postScrapeWithHeaders(t *testing.T, server *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/scrape-images/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func get(server *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
