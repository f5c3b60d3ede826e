package httpexec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrBodyTooLarge is returned when a body exceeds the configured limit,
// before or after decompression.
var ErrBodyTooLarge = errors.New("body exceeds maximum size")

// ErrUnsupportedEncoding is returned for a Content-Encoding other than gzip.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// ReadBody decodes an identity or gzip body and fails with
// ErrBodyTooLarge once the decoded size passes limit.
func ReadBody(body io.Reader, encoding string, limit int64) ([]byte, error) {
	src := body
	switch enc := strings.ToLower(strings.TrimSpace(encoding)); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip data: %w", err)
		}
		defer gz.Close()
		src = gz
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}

	b, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// ReadRequest reads a request body with ReadBody.
func ReadRequest(r *http.Request, limit int64) ([]byte, error) {
	return ReadBody(r.Body, r.Header.Get("Content-Encoding"), limit)
}

// StatusForError maps a ReadBody error to an HTTP status.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(b)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
