package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/xylex/athena-proxy/pkg/cache"
	"github.com/xylex/athena-proxy/pkg/logging"
	"github.com/xylex/athena-proxy/pkg/router"
)

// ServerName is sent as the Server header on every response.
const ServerName = "XYLEX/0"

// routerEntriesKey caches the /athena/router listing.
const routerEntriesKey = "athena_router_entries"

// entryLister is the part of router.SQLStore the router endpoint needs.
type entryLister interface {
	List(ctx context.Context) ([]router.Entry, error)
}

// routerDeps holds what newRouter wires together.
type routerDeps struct {
	proxy   http.Handler
	store   cache.Store
	entries entryLister // nil disables /athena/router
	logger  zerolog.Logger
}

// newRouter builds the HTTP router. Everything that is not a reserved route
// is forwarded.
func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(deps.logger))
	r.Use(middleware.Recoverer)
	r.Use(serverHeader(ServerName))
	r.Use(corsMiddleware())

	r.Get("/", pingHandler)

	if deps.entries != nil {
		r.Get("/athena/router", routerEntriesHandler(deps.entries, deps.store, deps.logger))
	}

	r.NotFound(deps.proxy.ServeHTTP)
	r.MethodNotAllowed(deps.proxy.ServeHTTP)

	return r
}

func pingHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// routerEntriesHandler lists the SQL routing table, cached like any
// proxied response.
func routerEntriesHandler(entries entryLister, store cache.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cached, err := store.Get(ctx, routerEntriesKey)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached.Payload)
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Str("key", routerEntriesKey).Msg("Cache get error")
		}

		list, err := entries.List(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list router entries")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list router entries"})
			return
		}

		payload, err := json.Marshal(list)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode router entries"})
			return
		}

		entry := &cache.CachedResponse{Payload: payload, CachedAt: time.Now()}
		if err := store.Set(ctx, routerEntriesKey, entry); err != nil {
			logger.Warn().Err(err).Str("key", routerEntriesKey).Msg("Failed to cache router entries")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

// serverHeader forces the Server header, overriding any value copied from
// a backend response before the header is written.
func serverHeader(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", name)
			next.ServeHTTP(beforeWrite(w, func(h http.Header) {
				h.Set("Server", name)
			}), r)
		})
	}
}

// beforeWrite wraps w so that fn runs once, right before the status line
// and headers go out.
func beforeWrite(w http.ResponseWriter, fn func(http.Header)) http.ResponseWriter {
	var once sync.Once
	apply := func() { once.Do(func() { fn(w.Header()) }) }

	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				apply()
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				apply()
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				apply()
				return next(src)
			}
		},
	})
}

// corsMiddleware allows any origin, method and header. Only real preflight
// requests are answered here; other OPTIONS requests are proxied. The
// allow headers are applied when the response is written, so they replace
// CORS headers copied from a backend response.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allow := func(h http.Header) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				if !hasToken(h.Values("Vary"), "Origin") {
					h.Add("Vary", "Origin")
				}
			}

			reqMethod := r.Header.Get("Access-Control-Request-Method")
			if r.Method != http.MethodOptions || reqMethod == "" {
				next.ServeHTTP(beforeWrite(w, allow), r)
				return
			}

			allow(w.Header())
			w.Header().Set("Access-Control-Allow-Methods", reqMethod)
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", strings.TrimSpace(reqHeaders))
			}
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusOK)
		})
	}
}

func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
