package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// MockAPI is a configurable HTTP test server standing in for the remote
// service a client definition points at. Responses are scripted per
// verb+path; every received request is recorded for later assertion.
type MockAPI struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]*scriptedResponse
	received []*RecordedRequest
}

// RecordedRequest captures one request the mock received.
type RecordedRequest struct {
	Verb    string
	Path    string
	Query   url.Values
	Headers http.Header
	Cookies []*http.Cookie
	RawBody []byte
	// Body is the parsed JSON body, nil when the body was empty or not JSON.
	Body map[string]any

	ReceivedAt time.Time
}

// scriptedResponse is one step of a route's response script. The last step
// repeats once the script is exhausted.
type scriptedResponse struct {
	status    int
	body      any
	headers   map[string]string
	delay     time.Duration
	dropConn  bool
	setCookie *http.Cookie
}

// StubBuilder scripts responses for one route.
type StubBuilder struct {
	api *MockAPI
	key string
}

// NewMockAPI starts a mock server. Routes without a script answer 200 with
// a small JSON echo of the path.
func NewMockAPI(t *testing.T) *MockAPI {
	t.Helper()

	m := &MockAPI{
		t:       t,
		scripts: make(map[string][]*scriptedResponse),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the mock server's base URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Stub scripts responses for the given verb and exact path.
func (m *MockAPI) Stub(verb, path string) *StubBuilder {
	return &StubBuilder{api: m, key: routeKey(verb, path)}
}

// Reply appends one scripted response returning status with a JSON body.
func (b *StubBuilder) Reply(status int, body any) *StubBuilder {
	return b.append(&scriptedResponse{status: status, body: body})
}

// ReplyN appends the same scripted response n times.
func (b *StubBuilder) ReplyN(n, status int, body any) *StubBuilder {
	for i := 0; i < n; i++ {
		b.Reply(status, body)
	}
	return b
}

// ReplyWithDelay appends a response held for d before writing.
func (b *StubBuilder) ReplyWithDelay(d time.Duration, status int, body any) *StubBuilder {
	return b.append(&scriptedResponse{status: status, body: body, delay: d})
}

// ReplyWithCookie appends a 200 response that sets the given cookie.
func (b *StubBuilder) ReplyWithCookie(name, value string, body any) *StubBuilder {
	return b.append(&scriptedResponse{
		status:    http.StatusOK,
		body:      body,
		setCookie: &http.Cookie{Name: name, Value: value, Path: "/"},
	})
}

// ReplyWithHeaders appends a response carrying extra headers.
func (b *StubBuilder) ReplyWithHeaders(status int, headers map[string]string, body any) *StubBuilder {
	return b.append(&scriptedResponse{status: status, body: body, headers: headers})
}

// DropConnection appends a step that kills the TCP connection without a
// response, simulating a transport-level failure.
func (b *StubBuilder) DropConnection() *StubBuilder {
	return b.append(&scriptedResponse{dropConn: true})
}

func (b *StubBuilder) append(r *scriptedResponse) *StubBuilder {
	b.api.mu.Lock()
	defer b.api.mu.Unlock()
	b.api.scripts[b.key] = append(b.api.scripts[b.key], r)
	return b
}

// Requests returns every recorded request in arrival order.
func (m *MockAPI) Requests() []*RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RecordedRequest, len(m.received))
	copy(out, m.received)
	return out
}

// RequestsTo returns the recorded requests matching verb and path.
func (m *MockAPI) RequestsTo(verb, path string) []*RecordedRequest {
	var out []*RecordedRequest
	for _, r := range m.Requests() {
		if r.Verb == verb && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// LastRequest returns the most recent recorded request, failing the test
// when nothing arrived.
func (m *MockAPI) LastRequest() *RecordedRequest {
	m.t.Helper()
	reqs := m.Requests()
	if len(reqs) == 0 {
		m.t.Fatal("mock API received no requests")
	}
	return reqs[len(reqs)-1]
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	rec := &RecordedRequest{
		Verb:       r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    r.Header.Clone(),
		Cookies:    r.Cookies(),
		RawBody:    raw,
		ReceivedAt: time.Now(),
	}
	if len(raw) > 0 {
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err == nil {
			rec.Body = body
		}
	}

	m.mu.Lock()
	m.received = append(m.received, rec)
	script := m.scripts[routeKey(r.Method, r.URL.Path)]
	var step *scriptedResponse
	if len(script) > 0 {
		step = script[0]
		if len(script) > 1 {
			m.scripts[routeKey(r.Method, r.URL.Path)] = script[1:]
		}
	}
	m.mu.Unlock()

	if step == nil {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"path":%q}`, r.URL.Path)
		return
	}

	if step.delay > 0 {
		time.Sleep(step.delay)
	}
	if step.dropConn {
		hj, ok := w.(http.Hijacker)
		if !ok {
			m.t.Error("response writer does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			m.t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
		return
	}

	for k, v := range step.headers {
		w.Header().Set(k, v)
	}
	if step.setCookie != nil {
		http.SetCookie(w, step.setCookie)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(step.status)
	if step.body != nil {
		_ = json.NewEncoder(w).Encode(step.body)
	}
}

func routeKey(verb, path string) string {
	return verb + " " + path
}
