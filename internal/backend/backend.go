// Package backend shapes requests for intermediary services and unwraps
// their response envelopes. An absent backend is identity: the request and
// response pass through untouched.
package backend

import (
	"fmt"

	"github.com/pitabwire/fabrica/model"
)

// Backend types recognized in client definitions.
const (
	TypeGateway = "gateway"
	TypeSearch  = "search"
)

// FromDefinition builds a backend adapter from a backend spec. A nil spec
// yields a nil backend.
func FromDefinition(def *model.BackendDefinition) (model.Backend, error) {
	if def == nil || def.Type == "" {
		return nil, nil
	}

	switch def.Type {
	case TypeGateway:
		if def.Gateway == nil || def.Gateway.Endpoint == "" {
			return nil, model.NewDefinitionInvalidError([]model.FieldError{{
				Field:   "backend.gateway.endpoint",
				Code:    "required",
				Message: "gateway backend needs an endpoint",
			}})
		}
		return NewGateway(def.Gateway.Endpoint, def.Gateway.TargetParam, def.Gateway.ResultPath), nil
	case TypeSearch:
		var cfg model.SearchBackendDefinition
		if def.Search != nil {
			cfg = *def.Search
		}
		return NewSearch(cfg.ParamMap, cfg.HitsPath, cfg.TotalPath), nil
	default:
		return nil, model.NewDefinitionInvalidError([]model.FieldError{{
			Field:   "backend.type",
			Code:    "unknown",
			Message: fmt.Sprintf("unknown backend type %q", def.Type),
		}})
	}
}
