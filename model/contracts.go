package model

import "context"

// Transport delivers outbound requests. Implementations must be safe to
// invoke concurrently from multiple bulk workers. Cancellation and per-send
// timeouts are honored through the context.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// AuthProvider applies credentials to outbound requests.
type AuthProvider interface {
	// IsAuthenticated reports whether a usable credential is currently held.
	IsAuthenticated() bool
	// Apply returns a copy of the request carrying the credential. It fails
	// with an AUTH_FAILED error when no credential is available.
	Apply(req *Request) (*Request, error)
}

// Backend adapts requests and responses to a specific backing service. Both
// directions are optional: a nil Backend means identity in the pipeline.
type Backend interface {
	// Format may rewrite or fully replace the built request. The data map
	// holds the keyword arguments left over after path substitution.
	Format(req *Request, data map[string]any) (*Request, error)
	// Process transforms the raw response into a domain value.
	Process(resp *Response) (any, error)
}

// Validator checks resolved keyword arguments before path substitution.
// Violations are reported all at once through a VALIDATION_FAILED envelope,
// never one at a time.
type Validator interface {
	Validate(ctx context.Context, data map[string]any) (map[string]any, error)
}

// Store persists flat session state between runs. One store serves many
// sessions; the key scopes each session's state, typically the client ID.
// Load returns a NOT_FOUND error for a key that was never saved.
type Store interface {
	Save(ctx context.Context, key string, state map[string]string) error
	Load(ctx context.Context, key string) (map[string]string, error)
	Update(ctx context.Context, key string, delta map[string]string) error
	Clear(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
