package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/fabrica/internal/validate"
	"github.com/pitabwire/fabrica/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors into envelope details, preserving
// the positional path as the field locator.
func FieldErrors(errs []VError) []model.FieldError {
	details := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		details = append(details, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return details
}

// Validator validates client definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The schemas map is keyed by client ID and
// may be nil to skip schema reference checks.
func (v *Validator) Validate(defs []model.ClientDefinition, schemas map[string]*validate.SchemaIndex) []VError {
	var errs []VError

	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("clients[%d]", i)
		if def.Client != "" && seen[def.Client] {
			errs = append(errs, VError{
				Path:    prefix + ".client",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("client %q is defined more than once", def.Client),
			})
		}
		seen[def.Client] = true

		var index *validate.SchemaIndex
		if schemas != nil {
			index = schemas[def.Client]
		}
		errs = append(errs, v.validateClient(prefix, def, index)...)
	}

	return errs
}

func (v *Validator) validateClient(prefix string, def model.ClientDefinition, index *validate.SchemaIndex) []VError {
	var errs []VError

	if def.Client == "" {
		errs = append(errs, VError{Path: prefix + ".client", Code: "REQUIRED", Message: "client is required"})
	} else if strings.Contains(def.Client, ".") {
		errs = append(errs, VError{Path: prefix + ".client", Code: "MALFORMED", Message: "client must not contain '.'"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if def.BaseURL == "" {
		errs = append(errs, VError{Path: prefix + ".base_url", Code: "REQUIRED", Message: "base_url is required"})
	}
	if len(def.Resources) == 0 {
		errs = append(errs, VError{Path: prefix + ".resources", Code: "REQUIRED", Message: "at least one resource is required"})
	}

	if def.Auth != nil {
		errs = append(errs, v.validateAuth(prefix+".auth", def.Auth)...)
	}
	if def.Backend != nil {
		errs = append(errs, v.validateBackend(prefix+".backend", def.Backend)...)
	}
	if def.Session != nil {
		errs = append(errs, v.validateSession(prefix+".session", def.Session)...)
	}
	if def.Engine != nil {
		errs = append(errs, v.validateEngine(prefix+".engine", def.Engine)...)
	}

	resourceNames := make(map[string]bool)
	for i, res := range def.Resources {
		rp := fmt.Sprintf("%s.resources[%d]", prefix, i)
		if res.Name != "" && resourceNames[res.Name] {
			errs = append(errs, VError{
				Path:    rp + ".name",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("resource %q is defined more than once", res.Name),
			})
		}
		resourceNames[res.Name] = true
		errs = append(errs, v.validateResource(rp, res, def.Schema, index)...)
	}

	return errs
}

var validAuthTypes = map[string]bool{
	"none": true, "bearer": true, "jwt": true, "apikey": true,
}

func (v *Validator) validateAuth(prefix string, a *model.AuthDefinition) []VError {
	var errs []VError

	if a.Type != "" && !validAuthTypes[a.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid auth type %q", a.Type)})
	}
	if a.Type == "apikey" && a.Header == "" && a.Param == "" {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "apikey auth requires header or param"})
	}

	return errs
}

var validBackendTypes = map[string]bool{
	"gateway": true, "search": true,
}

func (v *Validator) validateBackend(prefix string, b *model.BackendDefinition) []VError {
	var errs []VError

	if b.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	} else if !validBackendTypes[b.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid backend type %q", b.Type)})
	}

	if b.Type == "gateway" && (b.Gateway == nil || b.Gateway.Endpoint == "") {
		errs = append(errs, VError{Path: prefix + ".gateway.endpoint", Code: "REQUIRED", Message: "endpoint is required for gateway backend"})
	}

	return errs
}

var validSessionStores = map[string]bool{
	"memory": true, "file": true, "sqlite": true,
}

func (v *Validator) validateSession(prefix string, s *model.SessionDefinition) []VError {
	var errs []VError

	if s.Store != "" && !validSessionStores[s.Store] {
		errs = append(errs, VError{Path: prefix + ".store", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid session store %q", s.Store)})
	}
	if (s.Store == "file" || s.Store == "sqlite") && s.Path == "" {
		errs = append(errs, VError{Path: prefix + ".path", Code: "REQUIRED", Message: fmt.Sprintf("path is required for %s store", s.Store)})
	}

	return errs
}

func (v *Validator) validateEngine(prefix string, e *model.EngineDefinition) []VError {
	var errs []VError

	errs = append(errs, checkDuration(prefix+".timeout", e.Timeout)...)
	errs = append(errs, checkDuration(prefix+".backoff_initial", e.BackoffInitial)...)
	errs = append(errs, checkDuration(prefix+".backoff_max", e.BackoffMax)...)
	errs = append(errs, checkDuration(prefix+".breaker_cooldown", e.BreakerCooldown)...)

	if e.MaxRetries < 0 || e.MaxRetries > 10 {
		errs = append(errs, VError{Path: prefix + ".max_retries", Code: "RANGE", Message: "max_retries must be 0-10"})
	}
	if e.BreakerThreshold < 0 {
		errs = append(errs, VError{Path: prefix + ".breaker_threshold", Code: "RANGE", Message: "breaker_threshold must be >= 0"})
	}
	if e.MaxConnsPerHost < 0 {
		errs = append(errs, VError{Path: prefix + ".max_conns_per_host", Code: "RANGE", Message: "max_conns_per_host must be >= 0"})
	}

	return errs
}

func (v *Validator) validateResource(prefix string, res model.ResourceDefinition, schema string, index *validate.SchemaIndex) []VError {
	var errs []VError

	if res.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	} else if strings.Contains(res.Name, ".") {
		errs = append(errs, VError{Path: prefix + ".name", Code: "MALFORMED", Message: "name must not contain '.'"})
	}
	if len(res.Methods) == 0 {
		errs = append(errs, VError{Path: prefix + ".methods", Code: "REQUIRED", Message: "at least one method is required"})
	}

	methodNames := make(map[string]bool)
	for i, m := range res.Methods {
		mp := fmt.Sprintf("%s.methods[%d]", prefix, i)
		if m.Name != "" && methodNames[m.Name] {
			errs = append(errs, VError{
				Path:    mp + ".name",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("method %q is defined more than once", m.Name),
			})
		}
		methodNames[m.Name] = true
		errs = append(errs, v.validateMethod(mp, m, schema, index)...)
	}

	return errs
}

func (v *Validator) validateMethod(prefix string, m model.MethodDefinition, schema string, index *validate.SchemaIndex) []VError {
	var errs []VError

	if m.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	} else if strings.Contains(m.Name, ".") {
		errs = append(errs, VError{Path: prefix + ".name", Code: "MALFORMED", Message: "name must not contain '.'"})
	}

	if m.Verb == "" {
		errs = append(errs, VError{Path: prefix + ".verb", Code: "REQUIRED", Message: "verb is required"})
	} else if !model.KnownVerb(strings.ToUpper(m.Verb)) {
		errs = append(errs, VError{Path: prefix + ".verb", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid verb %q", m.Verb)})
	}

	for _, problem := range placeholderProblems(m.Path) {
		errs = append(errs, VError{Path: prefix + ".path", Code: "MALFORMED", Message: problem})
	}

	if _, err := model.ParseMergeMode(m.HeaderMode); err != nil {
		errs = append(errs, VError{Path: prefix + ".header_mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid merge mode %q", m.HeaderMode)})
	}
	if _, err := model.ParseMergeMode(m.CookieMode); err != nil {
		errs = append(errs, VError{Path: prefix + ".cookie_mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid merge mode %q", m.CookieMode)})
	}

	errs = append(errs, checkDuration(prefix+".timeout", m.Timeout)...)

	// Schema reference checks. A method may only declare validation when its
	// client names a schema document; the operation must exist in the index
	// when one is loaded.
	if m.Validate != "" {
		if schema == "" {
			errs = append(errs, VError{
				Path:    prefix + ".validate",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("method declares validate %q but client has no schema", m.Validate),
			})
		} else if index != nil && !index.Has(m.Validate) {
			errs = append(errs, VError{
				Path:    prefix + ".validate",
				Code:    "OPERATION_NOT_FOUND",
				Message: fmt.Sprintf("operation %q not found in schema", m.Validate),
			})
		}
	}

	return errs
}

func checkDuration(path, value string) []VError {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return []VError{{Path: path, Code: "INVALID_DURATION", Message: fmt.Sprintf("cannot parse duration %q", value)}}
	}
	return nil
}

// placeholderProblems reports malformed brace syntax in a path template:
// unmatched or nested braces and empty placeholder names.
func placeholderProblems(path string) []string {
	var problems []string

	inside := false
	start := 0
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '{':
			if inside {
				problems = append(problems, fmt.Sprintf("unexpected '{' at offset %d", i))
				continue
			}
			inside = true
			start = i + 1
		case '}':
			if !inside {
				problems = append(problems, fmt.Sprintf("unmatched '}' at offset %d", i))
				continue
			}
			inside = false
			if i == start {
				problems = append(problems, fmt.Sprintf("empty placeholder at offset %d", start-1))
			}
		}
	}
	if inside {
		problems = append(problems, "unclosed '{'")
	}

	return problems
}
