package model

import (
	"fmt"
	"net/textproto"
	"time"
)

// HTTP verbs accepted by method definitions.
const (
	VerbGet     = "GET"
	VerbHead    = "HEAD"
	VerbOptions = "OPTIONS"
	VerbPost    = "POST"
	VerbPut     = "PUT"
	VerbPatch   = "PATCH"
	VerbDelete  = "DELETE"
)

// BodyVerb reports whether the verb conventionally carries a request body.
// Non-body verbs route loose fields into query parameters instead.
func BodyVerb(verb string) bool {
	switch verb {
	case VerbPost, VerbPut, VerbPatch, VerbDelete:
		return true
	}
	return false
}

// KnownVerb reports whether the verb is one this module accepts.
func KnownVerb(verb string) bool {
	switch verb {
	case VerbGet, VerbHead, VerbOptions, VerbPost, VerbPut, VerbPatch, VerbDelete:
		return true
	}
	return false
}

// FileUpload is one multipart file attachment.
type FileUpload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Request is the outbound request value object. It is immutable by contract:
// every With* method returns a modified copy and never aliases the receiver's
// maps. Header keys are stored in canonical MIME form so lookups are
// case-insensitive.
type Request struct {
	Verb    string                `json:"verb"`
	URL     string                `json:"url"`
	Headers map[string]string     `json:"headers,omitempty"`
	Params  map[string]string     `json:"params,omitempty"`
	Cookies map[string]string     `json:"cookies,omitempty"`
	JSON    any                   `json:"json,omitempty"`
	Data    map[string]string     `json:"data,omitempty"`
	Files   map[string]FileUpload `json:"-"`

	// Timeout overrides the engine's per-send timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NewRequest returns a request with the given verb and URL and empty slots.
func NewRequest(verb, url string) *Request {
	return &Request{Verb: verb, URL: url}
}

// Validate checks the internal consistency of the request.
// JSON and form data are mutually exclusive on one request.
func (r *Request) Validate() error {
	if !KnownVerb(r.Verb) {
		return NewBadRequestError(fmt.Sprintf("unknown HTTP verb %q", r.Verb))
	}
	if r.URL == "" {
		return NewBadRequestError("request URL is empty")
	}
	if r.JSON != nil && len(r.Data) > 0 {
		return NewBadRequestError("request cannot carry both a JSON body and form data")
	}
	return nil
}

// Header returns the value for the given header name, case-insensitively,
// or "" when the header is not set.
func (r *Request) Header(name string) string {
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// Clone returns a deep copy of the request. The JSON body is shared: it is
// treated as read-only by every pipeline stage.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = copyStringMap(r.Headers)
	out.Params = copyStringMap(r.Params)
	out.Cookies = copyStringMap(r.Cookies)
	out.Data = copyStringMap(r.Data)
	if r.Files != nil {
		out.Files = make(map[string]FileUpload, len(r.Files))
		for k, v := range r.Files {
			out.Files[k] = v
		}
	}
	return &out
}

// WithHeaders returns a copy with the given headers merged in. Keys are
// canonicalized; incoming values win over existing ones.
func (r *Request) WithHeaders(headers map[string]string) *Request {
	if len(headers) == 0 {
		return r
	}
	out := r.Clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		out.Headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

// WithHeader returns a copy with one header set.
func (r *Request) WithHeader(name, value string) *Request {
	return r.WithHeaders(map[string]string{name: value})
}

// WithParams returns a copy with the given query parameters merged in.
func (r *Request) WithParams(params map[string]string) *Request {
	if len(params) == 0 {
		return r
	}
	out := r.Clone()
	if out.Params == nil {
		out.Params = make(map[string]string, len(params))
	}
	for k, v := range params {
		out.Params[k] = v
	}
	return out
}

// WithCookies returns a copy with the given cookies merged in.
func (r *Request) WithCookies(cookies map[string]string) *Request {
	if len(cookies) == 0 {
		return r
	}
	out := r.Clone()
	if out.Cookies == nil {
		out.Cookies = make(map[string]string, len(cookies))
	}
	for k, v := range cookies {
		out.Cookies[k] = v
	}
	return out
}

// WithAuth returns a copy carrying the given Authorization header value.
func (r *Request) WithAuth(value string) *Request {
	return r.WithHeader("Authorization", value)
}

// WithURL returns a copy pointing at a different URL.
func (r *Request) WithURL(url string) *Request {
	out := r.Clone()
	out.URL = url
	return out
}

// WithJSON returns a copy carrying the given JSON body.
func (r *Request) WithJSON(body any) *Request {
	out := r.Clone()
	out.JSON = body
	return out
}

// WithTimeout returns a copy with a per-send timeout override.
func (r *Request) WithTimeout(d time.Duration) *Request {
	out := r.Clone()
	out.Timeout = d
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
