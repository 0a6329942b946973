package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/xylex/athena-proxy/internal/testutil"
	"github.com/xylex/athena-proxy/pkg/cache"
	"github.com/xylex/athena-proxy/pkg/router"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testProxy struct {
	backend   *testutil.MockBackend
	store     *cache.MemoryStore
	forwarder *Forwarder
	clock     *fakeClock
}

func newTestProxy(t *testing.T, mutate func(*Config)) *testProxy {
	t.Helper()

	backend := testutil.NewMockBackend()
	t.Cleanup(backend.Close)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewMemoryStore(cache.DefaultTTL, cache.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.UpstreamTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	f, err := New(cfg, router.NewResolver(backend.URL(), nil), store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.now = clock.Now

	return &testProxy{backend: backend, store: store, forwarder: f, clock: clock}
}

func (p *testProxy) do(method, target string, header map[string]string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	p.forwarder.ServeHTTP(w, r)
	return w
}

func TestNew_Validation(t *testing.T) {
	store := cache.NewMemoryStore(cache.DefaultTTL)
	defer store.Close()
	resolver := router.DefaultResolver()

	tests := []struct {
		name     string
		config   Config
		resolver Resolver
		store    cache.Store
		errorMsg string
	}{
		{
			name:     "valid config",
			config:   DefaultConfig(),
			resolver: resolver,
			store:    store,
		},
		{
			name:     "nil resolver",
			config:   DefaultConfig(),
			store:    store,
			errorMsg: "resolver is required",
		},
		{
			name:     "nil store",
			config:   DefaultConfig(),
			resolver: resolver,
			errorMsg: "cache store is required",
		},
		{
			name:     "zero timeout",
			config:   Config{MethodPolicy: MethodPolicyFallbackGET},
			resolver: resolver,
			store:    store,
			errorMsg: "upstream_timeout must be > 0 (got 0s)",
		},
		{
			name:     "unknown policy",
			config:   Config{UpstreamTimeout: time.Second, MethodPolicy: "drop"},
			resolver: resolver,
			store:    store,
			errorMsg: `unknown method policy "drop"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.config, tt.resolver, tt.store)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if f == nil {
				t.Error("Forwarder is nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MethodPolicy != MethodPolicyFallbackGET {
		t.Errorf("MethodPolicy = %v", cfg.MethodPolicy)
	}
	if cfg.UpstreamTimeout <= 0 {
		t.Errorf("UpstreamTimeout = %v, should be > 0", cfg.UpstreamTimeout)
	}
}

func TestForwarder_MissThenHit(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetResponse("/books", testutil.NewJSONResponse(`{ "id": 1 }`))

	first := p.do(http.MethodGet, "http://localhost:4052/rest/v1/books?limit=1", nil, "")

	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if got := first.Header().Get(HeaderCacheStatus); got != CacheMiss {
		t.Errorf("first cache status = %q, want MISS", got)
	}
	if first.Body.String() != `{ "id": 1 }` {
		t.Errorf("first body = %q, want backend bytes", first.Body.String())
	}
	if got := first.Header().Get("Content-Type"); got != ContentTypeJSON {
		t.Errorf("Content-Type = %q", got)
	}
	if got := first.Header().Get("X-Backend"); got != "mock" {
		t.Errorf("X-Backend = %q, backend headers should be relayed", got)
	}
	if got := p.backend.LastURI(); got != "/books?limit=1" {
		t.Errorf("backend URI = %q, want prefix stripped and query kept", got)
	}

	second := p.do(http.MethodGet, "http://localhost:4052/rest/v1/books?limit=1", nil, "")

	if second.Code != http.StatusOK {
		t.Errorf("second status = %d", second.Code)
	}
	if got := second.Header().Get(HeaderCacheStatus); got != CacheHit {
		t.Errorf("second cache status = %q, want HIT", got)
	}
	if second.Body.String() != `{"id":1}` {
		t.Errorf("second body = %q, want cached payload", second.Body.String())
	}
	if got := second.Header().Get("Content-Type"); got != ContentTypeJSON {
		t.Errorf("hit Content-Type = %q", got)
	}
	if p.backend.RequestCount() != 1 {
		t.Errorf("backend requests = %d, want 1", p.backend.RequestCount())
	}
}

func TestForwarder_NoCacheBypass(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetResponse("/books", testutil.NewJSONResponse(`{"v":1}`))
	url := "http://localhost:4052/rest/v1/books"

	p.do(http.MethodGet, url, nil, "")

	p.backend.SetResponse("/books", testutil.NewJSONResponse(`{"v":2}`))
	bypass := p.do(http.MethodGet, url, map[string]string{"Cache-Control": "no-cache"}, "")

	if got := bypass.Header().Get(HeaderCacheStatus); got != CacheBypass {
		t.Errorf("cache status = %q, want BYPASS", got)
	}
	if bypass.Body.String() != `{"v":2}` {
		t.Errorf("bypass body = %q", bypass.Body.String())
	}
	if p.backend.RequestCount() != 2 {
		t.Errorf("backend requests = %d, want 2", p.backend.RequestCount())
	}

	// The bypassing response replaced the stored entry.
	hit := p.do(http.MethodGet, url, nil, "")
	if hit.Body.String() != `{"v":2}` {
		t.Errorf("hit body = %q, want refreshed entry", hit.Body.String())
	}
	if p.backend.RequestCount() != 2 {
		t.Errorf("backend requests = %d, want 2", p.backend.RequestCount())
	}
}

func TestForwarder_OtherCacheControlIsCacheable(t *testing.T) {
	p := newTestProxy(t, nil)
	url := "http://localhost:4052/rest/v1/books"

	p.do(http.MethodGet, url, nil, "")
	resp := p.do(http.MethodGet, url, map[string]string{"Cache-Control": "no-store"}, "")

	if got := resp.Header().Get(HeaderCacheStatus); got != CacheHit {
		t.Errorf("cache status = %q, want HIT", got)
	}
}

func TestForwarder_TTLExpiry(t *testing.T) {
	p := newTestProxy(t, nil)
	url := "http://localhost:4052/rest/v1/books"

	p.do(http.MethodGet, url, nil, "")

	p.clock.Advance(59 * time.Second)
	p.do(http.MethodGet, url, nil, "")
	if p.backend.RequestCount() != 1 {
		t.Fatalf("backend requests = %d, want 1 within TTL", p.backend.RequestCount())
	}

	p.clock.Advance(2 * time.Second)
	resp := p.do(http.MethodGet, url, nil, "")
	if got := resp.Header().Get(HeaderCacheStatus); got != CacheMiss {
		t.Errorf("cache status = %q, want MISS after TTL", got)
	}
	if p.backend.RequestCount() != 2 {
		t.Errorf("backend requests = %d, want 2 after TTL", p.backend.RequestCount())
	}
}

func TestForwarder_CredentialIsolation(t *testing.T) {
	p := newTestProxy(t, nil)
	url := "http://localhost:4052/rest/v1/books"

	p.do(http.MethodGet, url, map[string]string{"Authorization": "Bearer alice"}, "")
	p.do(http.MethodGet, url, map[string]string{"Authorization": "Bearer bob"}, "")
	p.do(http.MethodGet, url, map[string]string{"Authorization": "Basic Ym9iOnB3"}, "")
	p.do(http.MethodGet, url, nil, "")

	if p.backend.RequestCount() != 4 {
		t.Errorf("backend requests = %d, want 4 distinct entries", p.backend.RequestCount())
	}

	p.do(http.MethodGet, url, map[string]string{"Authorization": "Bearer alice"}, "")
	if p.backend.RequestCount() != 4 {
		t.Errorf("backend requests = %d, repeated credential should hit", p.backend.RequestCount())
	}
}

func TestForwarder_HeaderTranslation(t *testing.T) {
	p := newTestProxy(t, nil)

	p.do(http.MethodGet, "http://tenant.example/rest/v1/books", map[string]string{
		"Authorization": "Bearer secret",
		"X-Client":      "test",
	}, "")

	header := p.backend.LastHeader()
	if got := header.Get("apikey"); got != "secret" {
		t.Errorf("apikey = %q, want secret", got)
	}
	if got := header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := header.Get("X-Client"); got != "test" {
		t.Errorf("X-Client = %q", got)
	}
}

func TestForwarder_MethodMapping(t *testing.T) {
	tests := []struct {
		name        string
		policy      MethodPolicy
		method      string
		wantStatus  int
		wantBackend string
	}{
		{"post", MethodPolicyFallbackGET, http.MethodPost, http.StatusOK, http.MethodPost},
		{"patch", MethodPolicyFallbackGET, http.MethodPatch, http.StatusOK, http.MethodPatch},
		{"options fallback", MethodPolicyFallbackGET, http.MethodOptions, http.StatusOK, http.MethodGet},
		{"options passthrough", MethodPolicyPassthrough, http.MethodOptions, http.StatusOK, http.MethodOptions},
		{"options reject", MethodPolicyReject, http.MethodOptions, http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, func(cfg *Config) { cfg.MethodPolicy = tt.policy })

			resp := p.do(tt.method, "http://localhost/rest/v1/items", nil, "")

			if resp.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Code, tt.wantStatus)
			}
			if got := p.backend.LastMethod(); got != tt.wantBackend {
				t.Errorf("backend method = %q, want %q", got, tt.wantBackend)
			}
		})
	}
}

func TestForwarder_RequestBody(t *testing.T) {
	p := newTestProxy(t, nil)

	p.do(http.MethodPost, "http://localhost/rest/v1/items", nil, `{"title":"Dune"}`)

	if got := string(p.backend.LastBody()); got != `{"title":"Dune"}` {
		t.Errorf("backend body = %q", got)
	}
}

func TestForwarder_NonJSONBody(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetResponse("/plain", testutil.NewTextResponse("hello"))

	first := p.do(http.MethodGet, "http://localhost/rest/v1/plain", nil, "")
	if first.Body.String() != "hello" {
		t.Errorf("first body = %q, want original bytes", first.Body.String())
	}
	if got := first.Header().Get("Content-Type"); got != ContentTypeJSON {
		t.Errorf("Content-Type = %q, want forced JSON", got)
	}

	second := p.do(http.MethodGet, "http://localhost/rest/v1/plain", nil, "")
	if second.Body.String() != "null" {
		t.Errorf("hit body = %q, want null", second.Body.String())
	}
}

func TestForwarder_ErrorStatusIsCached(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetResponse("/missing", testutil.NewNotFoundResponse())

	first := p.do(http.MethodGet, "http://localhost/rest/v1/missing", nil, "")
	if first.Code != http.StatusNotFound {
		t.Errorf("first status = %d, want 404", first.Code)
	}

	second := p.do(http.MethodGet, "http://localhost/rest/v1/missing", nil, "")
	if second.Code != http.StatusOK {
		t.Errorf("hit status = %d, want 200", second.Code)
	}
	if second.Body.String() != `{"error":"not found"}` {
		t.Errorf("hit body = %q", second.Body.String())
	}
	if p.backend.RequestCount() != 1 {
		t.Errorf("backend requests = %d, want 1", p.backend.RequestCount())
	}
}

func TestForwarder_Gzip(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetHandler("/zipped", testutil.NewGzipHandler(`{"zipped":true}`))

	resp := p.do(http.MethodGet, "http://localhost/rest/v1/zipped", map[string]string{"Accept-Encoding": "gzip"}, "")

	if resp.Body.String() != `{"zipped":true}` {
		t.Errorf("body = %q, want decoded JSON", resp.Body.String())
	}
	if got := resp.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none", got)
	}
}

func TestForwarder_OnlyDecodableEncodingsNegotiated(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetHandler("/packed", func(w http.ResponseWriter, r *http.Request) {
		enc, _ := zstd.NewWriter(nil)
		body := enc.EncodeAll([]byte(`{"books":[1,2,3]}`), nil)
		_ = enc.Close()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "zstd")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	header := map[string]string{"Accept-Encoding": "gzip, deflate, br, zstd"}

	first := p.do(http.MethodGet, "http://localhost/rest/v1/packed", header, "")

	if got := p.backend.LastHeader().Get("Accept-Encoding"); got != "gzip, deflate, zstd" {
		t.Errorf("backend Accept-Encoding = %q, want br removed", got)
	}
	if first.Body.String() != `{"books":[1,2,3]}` {
		t.Errorf("first body = %q, want decoded JSON", first.Body.String())
	}
	if got := first.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none", got)
	}

	second := p.do(http.MethodGet, "http://localhost/rest/v1/packed", header, "")
	if got := second.Header().Get(HeaderCacheStatus); got != CacheHit {
		t.Errorf("second cache status = %q, want HIT", got)
	}
	if second.Body.String() != `{"books":[1,2,3]}` {
		t.Errorf("hit body = %q, want cached JSON", second.Body.String())
	}
}

func TestForwarder_NoContentKeepsHeaders(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.SetHandler("/books", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	resp := p.do(http.MethodDelete, "http://localhost/rest/v1/books?id=eq.1", nil, "")

	if resp.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.Code)
	}
	if got := resp.Header().Values("Content-Type"); len(got) != 0 {
		t.Errorf("Content-Type = %v, want none", got)
	}
}

func TestForwarder_DispatchFailure(t *testing.T) {
	p := newTestProxy(t, nil)
	p.backend.Close()

	resp := p.do(http.MethodGet, "http://localhost/rest/v1/books", nil, "")

	if resp.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Code)
	}
	if resp.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", resp.Body.String())
	}
	if p.store.Len() != 0 {
		t.Errorf("store has %d entries, want none after dispatch failure", p.store.Len())
	}
}

func TestForwarder_Timeout(t *testing.T) {
	p := newTestProxy(t, func(cfg *Config) { cfg.UpstreamTimeout = 50 * time.Millisecond })
	p.backend.SetResponse("/slow", testutil.MockResponse{StatusCode: http.StatusOK, Body: "{}", Delay: 500 * time.Millisecond})

	req := &ProxyRequest{
		Method: http.MethodGet,
		URL:    "http://localhost/rest/v1/slow",
		Host:   "localhost",
		Path:   "/rest/v1/slow",
		Header: http.Header{},
	}
	_, err := p.forwarder.Forward(context.Background(), req)

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("error = %v, want *DispatchError", err)
	}
	if dispatchErr.Class != ErrorClassTimeout {
		t.Errorf("Class = %v, want timeout", dispatchErr.Class)
	}
}

func TestForwarder_TLSFailure(t *testing.T) {
	tlsBackend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer tlsBackend.Close()

	store := cache.NewMemoryStore(cache.DefaultTTL)
	defer store.Close()

	f, err := New(DefaultConfig(), router.NewResolver(tlsBackend.URL, nil), store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := &ProxyRequest{Method: http.MethodGet, URL: "http://localhost/x", Host: "localhost", Path: "/x", Header: http.Header{}}
	_, err = f.Forward(context.Background(), req)

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("error = %v, want *DispatchError", err)
	}
	if dispatchErr.Class != ErrorClassTLS {
		t.Errorf("Class = %v, want tls", dispatchErr.Class)
	}
}

func TestForwarder_ClientDisconnectStillCaches(t *testing.T) {
	p := newTestProxy(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := httptest.NewRequest(http.MethodGet, "http://localhost/rest/v1/books", nil).WithContext(ctx)
	p.forwarder.ServeHTTP(httptest.NewRecorder(), r)

	if p.backend.RequestCount() != 1 {
		t.Fatalf("backend requests = %d, want 1", p.backend.RequestCount())
	}
	if p.store.Len() != 1 {
		t.Errorf("store has %d entries, want 1", p.store.Len())
	}
}

func TestForwarder_Concurrent(t *testing.T) {
	p := newTestProxy(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := p.do(http.MethodGet, "http://localhost/rest/v1/books", nil, "")
			if resp.Code != http.StatusOK {
				t.Errorf("status = %d", resp.Code)
			}
		}()
	}
	wg.Wait()

	if p.store.Len() != 1 {
		t.Errorf("store has %d entries, want 1", p.store.Len())
	}
}
