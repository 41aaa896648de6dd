package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/fabrica/model"
)

// expiryLeeway treats a token as expired slightly before its exp claim so
// a request never leaves with a token about to die in flight.
const expiryLeeway = 30 * time.Second

// TokenSource supplies a fresh signed token when the held one has expired.
type TokenSource func() (string, error)

// JWT holds a signed token and tracks its expiry claim. When a token
// source is configured, an expired token is replaced on the next Apply.
type JWT struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	source TokenSource
}

var _ model.AuthProvider = (*JWT)(nil)

// NewJWT creates a provider around an already signed token. An unparseable
// token is dropped, leaving the provider unauthenticated.
func NewJWT(token string) *JWT {
	j := &JWT{}
	j.setToken(token)
	return j
}

// WithSource configures a refresh source and returns the provider.
func (j *JWT) WithSource(source TokenSource) *JWT {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.source = source
	return j
}

// IsAuthenticated reports whether the held token is present and unexpired.
func (j *JWT) IsAuthenticated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.token != "" && !j.expired()
}

// Apply sets the Authorization header, refreshing the token first when it
// has expired and a source is available.
func (j *JWT) Apply(req *model.Request) (*model.Request, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.token == "" || j.expired() {
		if j.source == nil {
			return nil, model.NewAuthFailedError("jwt token missing or expired")
		}
		fresh, err := j.source()
		if err != nil {
			return nil, model.NewAuthFailedError("jwt refresh failed: " + err.Error())
		}
		j.setTokenLocked(fresh)
		if j.token == "" || j.expired() {
			return nil, model.NewAuthFailedError("jwt refresh produced an unusable token")
		}
	}
	return req.WithAuth("Bearer " + j.token), nil
}

func (j *JWT) setToken(token string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.setTokenLocked(token)
}

// setTokenLocked parses the expiry claim without verifying the signature;
// verification is the remote service's job. Must be called with the lock
// held.
func (j *JWT) setTokenLocked(token string) {
	j.token = token
	j.expiry = time.Time{}
	if token == "" {
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		j.token = ""
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// No exp claim: token never expires from our side.
		return
	}
	j.expiry = exp.Time
}

// expired must be called with the lock held.
func (j *JWT) expired() bool {
	if j.expiry.IsZero() {
		return false
	}
	return time.Now().After(j.expiry.Add(-expiryLeeway))
}
