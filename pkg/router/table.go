package router

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table is the on-disk form of a routing table.
//
//	default_origin: https://db-suitsbooks-nl.xylex.cloud
//	rules:
//	  - match: dexter
//	    origin: https://athena.dexter.xylex.cloud
type Table struct {
	DefaultOrigin string `yaml:"default_origin" json:"default_origin"`
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// LoadTable reads a routing table from a YAML (.yaml, .yml) or JSON (.json) file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}

	var table Table
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parsing YAML routes: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parsing JSON routes: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported routes file extension %q: use .json, .yaml, or .yml", ext)
	}

	if table.DefaultOrigin == "" {
		table.DefaultOrigin = DefaultOrigin
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate checks that every origin is an absolute http(s) URL and every
// matcher is non-empty.
func (t Table) Validate() error {
	if err := validateOrigin(t.DefaultOrigin); err != nil {
		return fmt.Errorf("default_origin: %w", err)
	}
	for i, rule := range t.Rules {
		if strings.TrimSpace(rule.Match) == "" {
			return fmt.Errorf("rule %d: match is required", i)
		}
		if err := validateOrigin(rule.Origin); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Match, err)
		}
	}
	return nil
}

// Resolver builds a Resolver from the table.
func (t Table) Resolver() *Resolver {
	return NewResolver(t.DefaultOrigin, t.Rules)
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("origin %q has no host", origin)
	}
	return nil
}
