package cache

import (
	"strings"
)

// keyReplacer substitutes characters that are unsafe in storage keys.
var keyReplacer = strings.NewReplacer(
	"*", "_xXx_",
	" ", "_",
	":", "-",
	"/", "_",
)

// DeriveKey generates a deterministic cache key string.
// Format: {method}-{fullURL}-{credential} with unsafe characters substituted.
//
// Example:
//
//	GET-http-__localhost-4052_rest_v1_books?limit=10-abc
//
// URLs that already contain the substituted replacements (for example a
// literal "_" where another request has "/") can map to the same key. This is
// an accepted limitation of the key format.
func DeriveKey(method, fullURL, credential string) string {
	raw := method + "-" + fullURL + "-" + credential
	return keyReplacer.Replace(raw)
}
