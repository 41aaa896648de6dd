package model

import (
	"context"
	"fmt"
	"time"
)

// MergeMode controls how method-level static headers and cookies combine
// with values already present on a request.
type MergeMode string

const (
	// MergeModeMerge combines the method's entries with the request's; the
	// method wins on conflicting keys.
	MergeModeMerge MergeMode = "merge"
	// MergeModeOverwrite replaces the whole slot with the method's entries.
	MergeModeOverwrite MergeMode = "overwrite"
)

// ParseMergeMode converts a definition string into a MergeMode. The empty
// string selects MergeModeMerge.
func ParseMergeMode(s string) (MergeMode, error) {
	switch s {
	case "", string(MergeModeMerge):
		return MergeModeMerge, nil
	case string(MergeModeOverwrite):
		return MergeModeOverwrite, nil
	}
	return "", NewBadRequestError(fmt.Sprintf("unknown merge mode %q", s))
}

// PreTransform rewrites keyword arguments before path resolution.
type PreTransform func(ctx context.Context, kwargs map[string]any) (map[string]any, error)

// PostTransform rewrites the processed result as the last pipeline stage.
type PostTransform func(ctx context.Context, result any) (any, error)

// MethodDescriptor is the resolved, immutable definition of one callable
// endpoint. It is built once at registry load and shared read-only by every
// invocation.
type MethodDescriptor struct {
	// Ref is the fully qualified method reference, "client.resource.method".
	Ref          string
	ClientID     string
	Resource     string
	Name         string
	Verb         string
	PathTemplate string
	ResourcePath string
	Description  string

	Headers    map[string]string
	Cookies    map[string]string
	HeaderMode MergeMode
	CookieMode MergeMode

	// Timeout overrides the engine timeout for this method when non-zero.
	Timeout time.Duration
	// RequiresAuth marks the method for auth application during the
	// augmentation stage.
	RequiresAuth bool
	// ValidateSchema names the schema component the resolved keyword
	// arguments are validated against; empty disables validation.
	ValidateSchema string
	// Validator is the bound schema validator, or nil when ValidateSchema
	// is empty.
	Validator Validator

	Pre  PreTransform
	Post PostTransform
}

// ClientDescriptor is the resolved, immutable configuration of one client.
type ClientDescriptor struct {
	ID      string
	Version string
	BaseURL string
	Headers map[string]string
	Schema  string

	Auth    *AuthDefinition
	Backend *BackendDefinition
	Session *SessionDefinition
	Engine  EngineSettings

	// Methods holds this client's descriptors keyed by "resource.method".
	Methods map[string]*MethodDescriptor
}

// EngineSettings is the parsed transport tuning for one client. Zero values
// select the engine defaults.
type EngineSettings struct {
	Timeout          time.Duration
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxConnsPerHost  int
}

// SplitMethodRef splits "client.resource.method" into its client ID and the
// "resource.method" remainder.
func SplitMethodRef(ref string) (clientID, method string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			if i == 0 || i == len(ref)-1 {
				break
			}
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", NewBadRequestError(fmt.Sprintf("malformed method reference %q", ref))
}
