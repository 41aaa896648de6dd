package auth

import (
	"github.com/pitabwire/fabrica/model"
)

// APIKey carries a key in a named header or query parameter. When both are
// configured the header wins.
type APIKey struct {
	key    string
	header string
	param  string
}

var _ model.AuthProvider = (*APIKey)(nil)

// NewAPIKey creates an API key provider.
func NewAPIKey(key, header, param string) *APIKey {
	return &APIKey{key: key, header: header, param: param}
}

// IsAuthenticated reports whether a key is present.
func (a *APIKey) IsAuthenticated() bool {
	return a.key != ""
}

// Apply attaches the key to a copy of the request.
func (a *APIKey) Apply(req *model.Request) (*model.Request, error) {
	if a.key == "" {
		return nil, model.NewAuthFailedError("no api key configured")
	}
	if a.header != "" {
		return req.WithHeader(a.header, a.key), nil
	}
	return req.WithParams(map[string]string{a.param: a.key}), nil
}
