// Package auth attaches outbound credentials to requests. Providers are
// built from client definitions and applied by the pipeline to methods
// that require authentication.
package auth

import (
	"fmt"
	"os"

	"github.com/pitabwire/fabrica/model"
)

// Auth spec types recognized in client definitions.
const (
	TypeNone   = "none"
	TypeBearer = "bearer"
	TypeJWT    = "jwt"
	TypeAPIKey = "apikey"
)

// FromDefinition builds a provider from an auth spec. A nil spec or type
// "none" yields a nil provider, meaning requests go out unauthenticated.
func FromDefinition(def *model.AuthDefinition) (model.AuthProvider, error) {
	if def == nil || def.Type == "" || def.Type == TypeNone {
		return nil, nil
	}

	token := def.Token
	if token == "" && def.TokenEnv != "" {
		token = os.Getenv(def.TokenEnv)
	}

	switch def.Type {
	case TypeBearer:
		return NewBearer(token), nil
	case TypeJWT:
		return NewJWT(token), nil
	case TypeAPIKey:
		if def.Header == "" && def.Param == "" {
			return nil, model.NewDefinitionInvalidError([]model.FieldError{{
				Field:   "auth",
				Code:    "apikey",
				Message: "apikey auth needs a header or param name",
			}})
		}
		return NewAPIKey(token, def.Header, def.Param), nil
	default:
		return nil, model.NewDefinitionInvalidError([]model.FieldError{{
			Field:   "auth.type",
			Code:    "unknown",
			Message: fmt.Sprintf("unknown auth type %q", def.Type),
		}})
	}
}
