// Package router maps an inbound Host header and path to a backend URL.
package router

import (
	"strings"
)

// Default backends.
const (
	DefaultOrigin = "https://db-suitsbooks-nl.xylex.cloud"
	DexterOrigin  = "https://athena.dexter.xylex.cloud"
	DexterMatch   = "dexter"

	// StripPrefix is removed once from inbound paths.
	StripPrefix = "/rest/v1"
)

// Rule routes hosts containing Match to Origin.
type Rule struct {
	Match  string `yaml:"match" json:"match"`
	Origin string `yaml:"origin" json:"origin"`
}

// Resolver picks a backend origin for each request.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	rules         []Rule
	defaultOrigin string
}

// NewResolver creates a resolver. Rules are evaluated in order.
func NewResolver(defaultOrigin string, rules []Rule) *Resolver {
	copied := make([]Rule, len(rules))
	copy(copied, rules)

	return &Resolver{
		rules:         copied,
		defaultOrigin: strings.TrimRight(defaultOrigin, "/"),
	}
}

// DefaultResolver returns the built-in routing table.
func DefaultResolver() *Resolver {
	return NewResolver(DefaultOrigin, []Rule{
		{Match: DexterMatch, Origin: DexterOrigin},
	})
}

// Origin returns the origin for host: the first rule whose Match is a
// substring of host, or the default origin.
func (r *Resolver) Origin(host string) string {
	for _, rule := range r.rules {
		if strings.Contains(host, rule.Match) {
			return strings.TrimRight(rule.Origin, "/")
		}
	}
	return r.defaultOrigin
}

// Resolve returns the full backend URL for a request.
//
// Example:
//
//	Resolve("api.example.com", "/rest/v1/books", "limit=10")
//	// https://db-suitsbooks-nl.xylex.cloud/books?limit=10
func (r *Resolver) Resolve(host, path, rawQuery string) string {
	target := r.Origin(host) + RewritePath(path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// RewritePath removes the first occurrence of StripPrefix from path.
// Later occurrences are kept: /rest/v1/rest/v1/items becomes /rest/v1/items.
func RewritePath(path string) string {
	return strings.Replace(path, StripPrefix, "", 1)
}

// Rules returns a copy of the rule table.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// DefaultOriginURL returns the fallback origin.
func (r *Resolver) DefaultOriginURL() string {
	return r.defaultOrigin
}
