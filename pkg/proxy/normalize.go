package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/xylex/athena-proxy/pkg/cache"
)

// ContentTypeJSON replaces the backend Content-Type.
const ContentTypeJSON = "application/json"

// DecodableEncodings are the content codings Normalize can decode.
var DecodableEncodings = []string{"gzip", "deflate", "zstd"}

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// droppedHeaders are never relayed from the backend.
var droppedHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// Normalize turns a backend response into the response sent to the client.
//
// A compressed body is decoded first, since Content-Encoding is not
// relayed. When the body cannot be decoded the raw bytes and the
// Content-Encoding header are relayed together. An existing Content-Type
// is rewritten to application/json; none is added. The cache payload is
// the compact JSON form of the body, or null when the body is not JSON.
func Normalize(status int, header http.Header, body []byte, logger zerolog.Logger) *ProxyResponse {
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	keepEncoding := false
	if encoding != "" && encoding != "identity" && len(body) > 0 {
		decoded, err := decodeBody(encoding, body)
		if err != nil {
			logger.Warn().Err(err).Str("encoding", encoding).Msg("Failed to decode body, relaying raw bytes")
			keepEncoding = true
		} else {
			body = decoded
		}
	}

	out := make(http.Header, len(header))
	for name, values := range header {
		switch {
		case keepEncoding && strings.EqualFold(name, "Content-Encoding"):
			out[name] = append([]string(nil), values...)
		case isDropped(name):
		case strings.EqualFold(name, "Content-Type"):
			out.Set("Content-Type", ContentTypeJSON)
		default:
			out[name] = append([]string(nil), values...)
		}
	}

	return &ProxyResponse{
		StatusCode: status,
		Header:     out,
		Body:       body,
		Payload:    cache.ParsePayload(body),
	}
}

func isDropped(name string) bool {
	for _, h := range droppedHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		// Some servers send raw deflate instead of zlib framing.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			return io.ReadAll(fr)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return io.ReadAll(dec)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
	}
}

// acceptEncoding keeps only the codings Normalize can decode. It returns
// "" when none are left.
func acceptEncoding(values []string) string {
	var kept []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			coding = strings.ToLower(strings.TrimSpace(coding))
			if coding == "identity" || isDecodable(coding) {
				kept = append(kept, part)
			}
		}
	}
	return strings.Join(kept, ", ")
}

func isDecodable(coding string) bool {
	for _, e := range DecodableEncodings {
		if coding == e {
			return true
		}
	}
	return false
}
