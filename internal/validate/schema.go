// Package validate checks invocation parameters against OpenAPI schemas
// before path substitution. Every violated constraint is collected and
// reported in one aggregate error rather than failing on the first.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/fabrica/model"
)

// indexedOperation holds the parameter and body schemas resolved for one
// operation.
type indexedOperation struct {
	id         string
	parameters []*openapi3.Parameter
	body       *openapi3.Schema
}

// SchemaIndex is an in-memory index of OpenAPI operations keyed by
// operationId.
type SchemaIndex struct {
	operations map[string]*indexedOperation
}

// NewSchemaIndex creates an empty index.
func NewSchemaIndex() *SchemaIndex {
	return &SchemaIndex{operations: make(map[string]*indexedOperation)}
}

// Load parses the OpenAPI document at path and indexes every operation that
// carries an operationId. Operations without one are skipped.
func (idx *SchemaIndex) Load(path string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return model.NewDefinitionInvalidError([]model.FieldError{{
			Field:   path,
			Code:    "schema",
			Message: fmt.Sprintf("loading schema: %v", err),
		}})
	}
	if err := doc.Validate(context.Background()); err != nil {
		return model.NewDefinitionInvalidError([]model.FieldError{{
			Field:   path,
			Code:    "schema",
			Message: fmt.Sprintf("invalid schema document: %v", err),
		}})
	}

	for _, pathItem := range doc.Paths.Map() {
		for _, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var body *openapi3.Schema
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				if ct := op.RequestBody.Value.Content.Get("application/json"); ct != nil && ct.Schema != nil {
					body = ct.Schema.Value
				}
			}

			idx.operations[op.OperationID] = &indexedOperation{
				id:         op.OperationID,
				parameters: params,
				body:       body,
			}
		}
	}
	return nil
}

// Has reports whether an operation with the given ID is indexed.
func (idx *SchemaIndex) Has(operationID string) bool {
	_, ok := idx.operations[operationID]
	return ok
}

// OperationIDs returns every indexed operation ID, sorted.
func (idx *SchemaIndex) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validator returns a model.Validator bound to the given operation.
func (idx *SchemaIndex) Validator(operationID string) (model.Validator, error) {
	op, ok := idx.operations[operationID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("operation %q not found in schema", operationID))
	}
	return &OperationValidator{op: op}, nil
}

// OperationValidator validates a flat parameter map against one operation's
// schemas. Parameters and request body properties are both matched against
// the map by logical name, so validation runs on the names the caller used
// rather than the substituted URL.
type OperationValidator struct {
	op *indexedOperation
}

var _ model.Validator = (*OperationValidator)(nil)

// Validate checks data against the operation's parameter and body schemas.
// It returns the data unchanged when every constraint holds, otherwise a
// ValidationFailed error listing all violations.
func (v *OperationValidator) Validate(ctx context.Context, data map[string]any) (map[string]any, error) {
	var details []model.FieldError

	for _, param := range v.op.parameters {
		value, present := data[param.Name]
		if !present {
			if param.Required {
				details = append(details, model.FieldError{
					Field:   param.Name,
					Code:    "required",
					Message: fmt.Sprintf("%s is required", param.Name),
				})
			}
			continue
		}
		if param.Schema != nil && param.Schema.Value != nil {
			details = append(details, checkSchema(param.Name, param.Schema.Value, value)...)
		}
	}

	if v.op.body != nil {
		for _, name := range v.op.body.Required {
			if _, present := data[name]; !present {
				details = append(details, model.FieldError{
					Field:   name,
					Code:    "required",
					Message: fmt.Sprintf("%s is required", name),
				})
			}
		}
		for name, ref := range v.op.body.Properties {
			value, present := data[name]
			if !present || ref.Value == nil {
				continue
			}
			details = append(details, checkSchema(name, ref.Value, value)...)
		}
	}

	if len(details) > 0 {
		sort.Slice(details, func(i, j int) bool { return details[i].Field < details[j].Field })
		return nil, model.NewValidationFailedError(details)
	}
	return data, nil
}

// checkSchema visits a single value with its schema and converts every
// reported violation into a field error.
func checkSchema(field string, schema *openapi3.Schema, value any) []model.FieldError {
	err := schema.VisitJSON(normalizeValue(value), openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		details := make([]model.FieldError, 0, len(multi))
		for _, e := range multi {
			details = append(details, describeViolation(field, e))
		}
		return details
	}
	return []model.FieldError{describeViolation(field, err)}
}

func describeViolation(field string, err error) model.FieldError {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		msg := schemaErr.Reason
		if msg == "" {
			msg = schemaErr.Error()
		}
		return model.FieldError{Field: field, Code: schemaErr.SchemaField, Message: msg}
	}
	return model.FieldError{Field: field, Code: "schema", Message: err.Error()}
}

// normalizeValue converts Go numeric kinds to float64 the way a JSON decode
// would, so integer-typed invocation values validate against numeric
// schemas. Maps and slices are normalized recursively.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}
