// Package schemas validates request bodies against compiled JSON Schemas.
package schemas

import (
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jonathan/pick-agent/internal/errors"
)

// ErrUnknownSchema is returned when a body is validated against a name that
// was never compiled.
var ErrUnknownSchema = errors.New("unknown schema")

// FieldError is one violation at a JSON path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in a body, ordered by field.
type ValidationError struct {
	Errors []FieldError
}

func (ve *ValidationError) Error() string {
	parts := make([]string, len(ve.Errors))
	for i, fe := range ve.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator holds compiled schemas keyed by name.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles every schema document once.
func NewValidator(docs map[string]string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(docs))}
	for name, doc := range docs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile schema %s", name)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Validate checks body against the named schema. A body that is not JSON is
// reported as a ValidationError on the root.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return errors.Wrapf(ErrUnknownSchema, "%q", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: rootField, Message: "body is not valid JSON"}}}
	}
	if result.Valid() {
		return nil
	}

	fields := make([]FieldError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = rootField
		}
		fields = append(fields, FieldError{Field: field, Message: desc.Description()})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &ValidationError{Errors: fields}
}

const rootField = "(root)"
