package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Cache status values reported in the X-Athena-Cache response header.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"

	// HeaderCacheStatus carries the cache status back to the client.
	HeaderCacheStatus = "X-Athena-Cache"

	// HeaderAPIKey mirrors the bearer credential for the backend.
	HeaderAPIKey = "apikey"

	// NoCache is the only Cache-Control value that bypasses the cache read.
	NoCache = "no-cache"

	bearerPrefix = "Bearer "
)

// ProxyRequest is an inbound request captured for one forwarding pass.
type ProxyRequest struct {
	Method string

	// URL is the absolute inbound URL, used for the cache key.
	URL string

	Host     string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte

	// Authorization is the raw Authorization header value.
	Authorization string

	// Credential is the bearer token without its "Bearer " prefix.
	// Empty when the request carries no bearer credential.
	Credential string

	CacheControl string
}

// ProxyResponse is what the pipeline answers with.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header

	// Body is sent to the client as is.
	Body []byte

	// Payload is the cache representation of Body (compact JSON or null).
	Payload []byte

	CacheStatus string
}

// FromHTTP captures r as a ProxyRequest. The body is read fully.
func FromHTTP(r *http.Request) (*ProxyRequest, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	authorization := r.Header.Get("Authorization")

	return &ProxyRequest{
		Method:        r.Method,
		URL:           FullURL(r),
		Host:          r.Host,
		Path:          r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header.Clone(),
		Body:          body,
		Authorization: authorization,
		Credential:    ExtractBearer(authorization),
		CacheControl:  r.Header.Get("Cache-Control"),
	}, nil
}

// FullURL reconstructs the absolute URL the client requested.
func FullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ExtractBearer returns the token of a "Bearer <token>" header value.
func ExtractBearer(authorization string) string {
	if len(authorization) < len(bearerPrefix) ||
		!strings.EqualFold(authorization[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authorization[len(bearerPrefix):])
}

// KeyCredential is the credential part of the cache key: the bearer token,
// or the raw Authorization value for other schemes so that different
// credentials never share an entry.
func (r *ProxyRequest) KeyCredential() string {
	if r.Credential != "" {
		return r.Credential
	}
	return r.Authorization
}

// BypassCache reports whether the client asked to skip the cache read.
// Only the exact value "no-cache" counts; max-age=0, no-store and the rest
// are treated as cacheable.
func (r *ProxyRequest) BypassCache() bool {
	return r.CacheControl == NoCache
}
