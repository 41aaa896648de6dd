// Package session carries request state between runs. A session prepares
// outbound requests with persisted headers, cookies, and tokens, captures
// Set-Cookie state from responses, and writes through a model.Store. A
// persistence filter controls which categories are written.
package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/fabrica/model"
)

// State keys are namespaced by category so one flat map can hold all three.
const (
	prefixHeader = "header:"
	prefixCookie = "cookie:"
	prefixToken  = "token:"
)

// Session is the mutable request state of one client. Safe for concurrent
// use.
type Session struct {
	mu       sync.Mutex
	clientID string
	store    model.Store
	filter   model.PersistFilterDefinition
	autoSave bool
	state    map[string]string
	dirty    bool
}

// New creates a session for the client. A nil store keeps state in memory
// for the process lifetime only; a nil definition persists cookies and
// tokens but not headers.
func New(clientID string, store model.Store, def *model.SessionDefinition) *Session {
	filter := model.PersistFilterDefinition{Cookies: true, Tokens: true}
	autoSave := true
	if def != nil {
		if def.Persist != nil {
			filter = *def.Persist
		}
		autoSave = def.AutoSave
	}
	return &Session{
		clientID: clientID,
		store:    store,
		filter:   filter,
		autoSave: autoSave,
		state:    make(map[string]string),
	}
}

// ClientID returns the owning client's ID.
func (s *Session) ClientID() string {
	return s.clientID
}

// Load replaces in-memory state with the store's. A session that was never
// saved loads empty.
func (s *Session) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	state, err := s.store.Load(ctx, s.clientID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]string, len(state))
	for k, v := range state {
		s.state[k] = v
	}
	s.dirty = false
	return nil
}

// Prepare applies persisted headers and cookies to a copy of the request.
// Values already on the request always win over session state.
func (s *Session) Prepare(req *model.Request) *model.Request {
	s.mu.Lock()
	headers := make(map[string]string)
	cookies := make(map[string]string)
	for key, value := range s.state {
		switch {
		case strings.HasPrefix(key, prefixHeader):
			name := strings.TrimPrefix(key, prefixHeader)
			if req.Header(name) == "" {
				headers[name] = value
			}
		case strings.HasPrefix(key, prefixCookie):
			name := strings.TrimPrefix(key, prefixCookie)
			if _, ok := req.Cookies[name]; !ok {
				cookies[name] = value
			}
		}
	}
	s.mu.Unlock()

	out := req
	if len(headers) > 0 {
		out = out.WithHeaders(headers)
	}
	if len(cookies) > 0 {
		out = out.WithCookies(cookies)
	}
	return out
}

// Capture records response state the filter allows: every Set-Cookie
// becomes a session cookie.
func (s *Session) Capture(resp *model.Response) {
	if resp == nil || !s.filter.Cookies {
		return
	}

	// net/http owns Set-Cookie parsing; borrow it through a shell response.
	shell := http.Response{Header: resp.Headers}
	parsed := shell.Cookies()
	if len(parsed) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range parsed {
		if c.Name == "" {
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(s.state, prefixCookie+c.Name)
			s.dirty = true
			continue
		}
		s.state[prefixCookie+c.Name] = c.Value
		s.dirty = true
	}
}

// SetHeader persists a header for future requests, when the filter allows
// headers.
func (s *Session) SetHeader(name, value string) {
	if !s.filter.Headers {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[prefixHeader+name] = value
	s.dirty = true
}

// SetToken persists a named token, when the filter allows tokens.
func (s *Session) SetToken(name, value string) {
	if !s.filter.Tokens {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[prefixToken+name] = value
	s.dirty = true
}

// Token returns a persisted token by name.
func (s *Session) Token(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[prefixToken+name]
	return v, ok
}

// Cookie returns a persisted cookie by name.
func (s *Session) Cookie(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[prefixCookie+name]
	return v, ok
}

// State returns a snapshot of the full state map.
func (s *Session) State() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Save writes the state through the store when something changed.
func (s *Session) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(s.state))
	for k, v := range s.state {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.store.Save(ctx, s.clientID, snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// MaybeSave saves only when the session is configured to auto-save.
func (s *Session) MaybeSave(ctx context.Context) error {
	if !s.autoSave {
		return nil
	}
	return s.Save(ctx)
}

// Clear drops all state, in memory and in the store.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.state = make(map[string]string)
	s.dirty = false
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.Clear(ctx, s.clientID)
}
