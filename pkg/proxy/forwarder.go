// Package proxy implements the forwarding pipeline: resolve the backend,
// consult the response cache, translate and dispatch the request, then
// normalize, cache and return the backend response.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/xylex/athena-proxy/pkg/cache"
	"github.com/xylex/athena-proxy/pkg/logging"
)

// Prometheus metrics for forwarding.
var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athena_proxy_requests_total",
		Help: "Total proxied requests by cache status",
	}, []string{"cache"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athena_upstream_requests_total",
		Help: "Total backend requests by origin and status",
	}, []string{"origin", "status"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "athena_upstream_duration_seconds",
		Help:    "Backend request duration in seconds by origin",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"origin"})

	dispatchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athena_dispatch_errors_total",
		Help: "Total backend dispatch failures by class",
	}, []string{"class"})
)

// Resolver maps an inbound host, path and query to an absolute backend URL.
type Resolver interface {
	Resolve(host, path, rawQuery string) string
}

// Config holds the forwarder configuration. The cache TTL belongs to the
// Store and is set when the store is built.
type Config struct {
	// UpstreamTimeout bounds one backend call, including the body read.
	UpstreamTimeout time.Duration

	// MethodPolicy handles methods outside the five mapped ones.
	MethodPolicy MethodPolicy

	// Transport overrides the HTTP transport (for testing).
	Transport http.RoundTripper
}

// DefaultConfig returns the default forwarder configuration.
func DefaultConfig() Config {
	return Config{
		UpstreamTimeout: 30 * time.Second,
		MethodPolicy:    MethodPolicyFallbackGET,
	}
}

// Forwarder runs the forwarding pipeline. It is safe for concurrent use.
type Forwarder struct {
	resolver   Resolver
	store      cache.Store
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	now        cache.Clock
}

// New creates a Forwarder.
func New(cfg Config, resolver Resolver, store cache.Store) (*Forwarder, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}

	if cfg.UpstreamTimeout <= 0 {
		return nil, fmt.Errorf("upstream_timeout must be > 0 (got %s)", cfg.UpstreamTimeout)
	}

	if cfg.MethodPolicy == "" {
		cfg.MethodPolicy = MethodPolicyFallbackGET
	}
	if _, err := ParseMethodPolicy(string(cfg.MethodPolicy)); err != nil {
		return nil, err
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// Accept-Encoding is relayed from the client, narrowed in
		// Translate, and decoded in Normalize.
		t.DisableCompression = true
		transport = t
	}

	return &Forwarder{
		resolver: resolver,
		store:    store,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.UpstreamTimeout,
		},
		config: cfg,
		logger: logging.NewLogger("forwarder"),
		now:    time.Now,
	}, nil
}

// ServeHTTP implements http.Handler.
//
// The backend call is detached from client cancellation so that a response
// that arrives after the client went away still lands in the cache.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := FromHTTP(r)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to read request")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), f.config.UpstreamTimeout)
	defer cancel()

	resp, err := f.Forward(ctx, req)
	if err != nil {
		if errors.Is(err, ErrMethodNotAllowed) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	header.Set(HeaderCacheStatus, resp.CacheStatus)

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		f.logger.Debug().Err(err).Msg("Failed to write response body")
	}
}

// Forward runs one request through the pipeline.
//
// A *DispatchError is returned when the backend could not be reached; no
// cache entry is written in that case. Backend error statuses are relayed
// and cached like any other response.
func (f *Forwarder) Forward(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error) {
	logger := f.logger.With().Str("method", req.Method).Str("host", req.Host).Logger()
	if id, ok := hlog.IDFromCtx(ctx); ok {
		logger = logger.With().Str("req_id", id.String()).Logger()
	}

	// Step 1: Resolve backend URL
	target := f.resolver.Resolve(req.Host, req.Path, req.RawQuery)
	origin := originLabel(target)

	// Step 2: Check cache
	key := cache.DeriveKey(req.Method, req.URL, req.KeyCredential())
	cacheStatus := CacheMiss

	if req.BypassCache() {
		cacheStatus = CacheBypass
	} else {
		entry, err := f.store.Get(ctx, key)
		switch {
		case err == nil:
			proxyRequestsTotal.WithLabelValues(CacheHit).Inc()
			logger.Debug().Str("key", key).Msg("Cache hit")
			return hitResponse(entry), nil
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
		}
	}
	proxyRequestsTotal.WithLabelValues(cacheStatus).Inc()

	// Step 3: Translate request
	out, err := Translate(ctx, req, target, f.config.MethodPolicy, logger)
	if err != nil {
		var dispatchErr *DispatchError
		if errors.As(err, &dispatchErr) {
			dispatchErrorsTotal.WithLabelValues(string(dispatchErr.Class)).Inc()
			logger.Error().Err(err).Msg("Invalid backend target")
		}
		return nil, err
	}

	// Step 4: Dispatch
	logger.Debug().
		Str("target", target).
		Str("upstream_method", out.Method).
		Msg("Forwarding request")

	startTime := time.Now()
	resp, err := f.httpClient.Do(out)
	if err != nil {
		class := classifyError(err)
		dispatchErrorsTotal.WithLabelValues(string(class)).Inc()
		upstreamRequestsTotal.WithLabelValues(origin, "dispatch_error").Inc()
		logger.Error().
			Err(err).
			Str("target", target).
			Str("error_class", string(class)).
			Msg("Backend request failed")
		return nil, &DispatchError{Target: target, Class: class, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("Failed to read backend body")
		body = nil
	}
	upstreamDuration.WithLabelValues(origin).Observe(time.Since(startTime).Seconds())
	upstreamRequestsTotal.WithLabelValues(origin, strconv.Itoa(resp.StatusCode)).Inc()

	// Step 5: Normalize
	pr := Normalize(resp.StatusCode, resp.Header, body, logger)
	pr.CacheStatus = cacheStatus

	// Step 6: Store in cache
	if err := f.store.Set(ctx, key, &cache.CachedResponse{Payload: pr.Payload, CachedAt: f.now()}); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
	} else {
		logger.Debug().
			Str("key", key).
			Int("status", pr.StatusCode).
			Msg("Cached response")
	}

	return pr, nil
}

// hitResponse answers from a cache entry. Hits are always 200 JSON.
func hitResponse(entry *cache.CachedResponse) *ProxyResponse {
	header := make(http.Header)
	header.Set("Content-Type", ContentTypeJSON)
	return &ProxyResponse{
		StatusCode:  http.StatusOK,
		Header:      header,
		Body:        entry.Payload,
		Payload:     entry.Payload,
		CacheStatus: CacheHit,
	}
}

func originLabel(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
