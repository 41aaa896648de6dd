package session

import (
	"fmt"

	"github.com/pitabwire/fabrica/model"
)

// Store types recognized in session definitions.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// StoreFromDefinition builds a store from a session spec. A nil spec or an
// empty store type selects the in-memory store.
func StoreFromDefinition(def *model.SessionDefinition) (model.Store, error) {
	if def == nil || def.Store == "" || def.Store == StoreMemory {
		return NewMemoryStore(), nil
	}

	switch def.Store {
	case StoreFile:
		if def.Path == "" {
			return nil, model.NewDefinitionInvalidError([]model.FieldError{{
				Field:   "session.path",
				Code:    "required",
				Message: "file store needs a directory path",
			}})
		}
		return NewFileStore(def.Path)
	case StoreSQLite:
		if def.Path == "" {
			return nil, model.NewDefinitionInvalidError([]model.FieldError{{
				Field:   "session.path",
				Code:    "required",
				Message: "sqlite store needs a database path",
			}})
		}
		return OpenSQLStore(def.Path)
	default:
		return nil, model.NewDefinitionInvalidError([]model.FieldError{{
			Field:   "session.store",
			Code:    "unknown",
			Message: fmt.Sprintf("unknown store type %q", def.Store),
		}})
	}
}
