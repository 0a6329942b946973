package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"
)

// MethodPolicy decides how methods outside GET/POST/PUT/DELETE/PATCH are
// sent upstream.
type MethodPolicy string

const (
	// MethodPolicyFallbackGET sends unknown methods as GET.
	MethodPolicyFallbackGET MethodPolicy = "fallback-get"

	// MethodPolicyPassthrough sends unknown methods unchanged.
	MethodPolicyPassthrough MethodPolicy = "passthrough"

	// MethodPolicyReject answers unknown methods with 405.
	MethodPolicyReject MethodPolicy = "reject"
)

var mappedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
	http.MethodPatch:  {},
}

// ParseMethodPolicy parses a policy name. The empty string selects
// MethodPolicyFallbackGET.
func ParseMethodPolicy(s string) (MethodPolicy, error) {
	switch p := MethodPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MethodPolicyFallbackGET, nil
	case MethodPolicyFallbackGET, MethodPolicyPassthrough, MethodPolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown method policy %q", s)
	}
}

// Map returns the outbound method for an inbound one.
func (p MethodPolicy) Map(method string) (string, error) {
	if _, ok := mappedMethods[method]; ok {
		return method, nil
	}

	switch p {
	case MethodPolicyPassthrough:
		return method, nil
	case MethodPolicyReject:
		return "", fmt.Errorf("%w: %s", ErrMethodNotAllowed, method)
	default:
		return http.MethodGet, nil
	}
}

// Translate builds the outbound request for target.
//
// Every inbound header except Host is copied. Accept-Encoding is narrowed
// to the codings Normalize can decode. Headers whose name or value
// is not valid on the wire are dropped with a debug log. When the request
// carries a bearer credential it is also sent as the apikey header.
func Translate(ctx context.Context, req *ProxyRequest, target string, policy MethodPolicy, logger zerolog.Logger) (*http.Request, error) {
	method, err := policy.Map(req.Method)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &DispatchError{Target: target, Class: ErrorClassInvalidTarget, Err: err}
	}

	for name, values := range req.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) {
			logger.Debug().Str("header", name).Msg("Skipping invalid header name")
			continue
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				logger.Debug().Str("header", name).Msg("Skipping invalid header value")
				continue
			}
			out.Header.Add(name, v)
		}
	}

	if values := out.Header.Values("Accept-Encoding"); len(values) > 0 {
		if ae := acceptEncoding(values); ae != "" {
			out.Header.Set("Accept-Encoding", ae)
		} else {
			out.Header.Del("Accept-Encoding")
		}
	}

	if req.Credential != "" {
		out.Header.Set(HeaderAPIKey, req.Credential)
	}

	return out, nil
}
