package auth

import (
	"github.com/pitabwire/fabrica/model"
)

// Bearer holds a static token and applies it as an Authorization header.
type Bearer struct {
	token string
}

var _ model.AuthProvider = (*Bearer)(nil)

// NewBearer creates a bearer provider with a static token.
func NewBearer(token string) *Bearer {
	return &Bearer{token: token}
}

// IsAuthenticated reports whether a token is present.
func (b *Bearer) IsAuthenticated() bool {
	return b.token != ""
}

// Apply sets the Authorization header on a copy of the request.
func (b *Bearer) Apply(req *model.Request) (*model.Request, error) {
	if b.token == "" {
		return nil, model.NewAuthFailedError("no bearer token configured")
	}
	return req.WithAuth("Bearer " + b.token), nil
}
