package cache

import (
	"bytes"
	"encoding/json"
	"time"
)

// nullPayload is stored when an upstream body is not valid JSON.
var nullPayload = json.RawMessage("null")

// CachedResponse represents a cached upstream response.
type CachedResponse struct {
	// Payload is the compacted JSON body, or null if the body was not JSON
	Payload json.RawMessage `json:"payload"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// NewCachedResponse builds an entry from a raw upstream body.
// Bodies that are not valid JSON are stored as a null payload.
func NewCachedResponse(body []byte, now time.Time) *CachedResponse {
	return &CachedResponse{
		Payload:  ParsePayload(body),
		CachedAt: now,
	}
}

// ParsePayload returns body as compact JSON, or null if body is not JSON.
func ParsePayload(body []byte) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return nullPayload
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nullPayload
	}
	return json.RawMessage(buf.Bytes())
}

// IsNull reports whether the payload is the null placeholder.
func (e *CachedResponse) IsNull() bool {
	return len(e.Payload) == 0 || bytes.Equal(e.Payload, nullPayload)
}

// Age returns how long ago the entry was inserted.
func (e *CachedResponse) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// IsExpired returns true once the entry has lived for ttl or longer.
func (e *CachedResponse) IsExpired(now time.Time, ttl time.Duration) bool {
	return e.Age(now) >= ttl
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CachedResponse) TTL(now time.Time, ttl time.Duration) time.Duration {
	remaining := ttl - e.Age(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
