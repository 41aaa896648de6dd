package model

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Response is the inbound response value object. It is read-only once
// produced; the parsed body is decoded lazily and cached.
type Response struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"-"`
	URL        string      `json:"url,omitempty"`

	parseOnce sync.Once
	parsed    any
	parseErr  error
}

// NewResponse constructs a response from raw transport output.
func NewResponse(statusCode int, headers http.Header, body []byte, url string) *Response {
	return &Response{StatusCode: statusCode, Headers: headers, Body: body, URL: url}
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Text returns the raw body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body as JSON. The result is computed once and cached;
// subsequent calls return the same value.
func (r *Response) JSON() (any, error) {
	r.parseOnce.Do(func() {
		if len(r.Body) == 0 {
			return
		}
		r.parseErr = json.Unmarshal(r.Body, &r.parsed)
	})
	return r.parsed, r.parseErr
}

// Extract returns the value at a dot-separated path within the response.
// Paths address the JSON body ("data.items[0].name") or, with a "headers."
// prefix, a response header ("headers.content-type"). A missing path returns
// a NOT_FOUND error.
func (r *Response) Extract(path string) (any, error) {
	if rest, ok := strings.CutPrefix(path, "headers."); ok {
		v := r.Headers.Get(rest)
		if v == "" {
			return nil, NewNotFoundError(fmt.Sprintf("header %q not present on response", rest))
		}
		return v, nil
	}
	result := gjson.GetBytes(r.Body, normalizeExtractPath(path))
	if !result.Exists() {
		return nil, NewNotFoundError(fmt.Sprintf("path %q not present in response body", path))
	}
	return result.Value(), nil
}

// normalizeExtractPath rewrites bracketed list indexes ("items[0]") into the
// dotted form gjson expects ("items.0").
func normalizeExtractPath(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for _, c := range path {
		switch c {
		case '[':
			b.WriteByte('.')
		case ']':
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
