package check

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaErrors lists every violation found in a document.
type SchemaErrors []error

func (se SchemaErrors) Error() string {
	parts := make([]string, 0, len(se))
	for _, err := range se {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// Schema is a compiled JSON Schema. Compile once at scenario build time
// and share it between virtual users; Validate is safe for concurrent use.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles schemaText under the given resource name.
func CompileSchema(name, schemaText string) (*Schema, error) {
	resource := name + ".json"

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, strings.NewReader(schemaText)); err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}

	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

// Validate checks body against the schema. It returns nil when the body
// conforms, SchemaErrors for violations, or a plain error for bodies that
// are not JSON.
func (s *Schema) Validate(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	err := s.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return flatten(verr)
	}
	return SchemaErrors{err}
}

// Name returns the schema's resource name.
func (s *Schema) Name() string {
	return s.name
}

func flatten(err *jsonschema.ValidationError) SchemaErrors {
	var out SchemaErrors
	if err.Message != "" && len(err.Causes) == 0 {
		out = append(out, fmt.Errorf("%s: %s", displayLocation(err.InstanceLocation), err.Message))
	}
	for _, cause := range err.Causes {
		out = append(out, flatten(cause)...)
	}
	if len(out) == 0 {
		out = append(out, errors.New(err.Error()))
	}
	return out
}

func displayLocation(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}
