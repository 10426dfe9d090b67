// Package schemavalidate compiles a JSON Schema once and validates decoded
// JSON documents against it, used by the decomposer and the conversation
// agent to enforce the structured-reply contracts LLMs are asked to follow.
package schemavalidate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator wraps a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile parses schemaJSON and compiles it into a reusable Validator.
func Compile(schemaJSON []byte) (*Validator, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("schemavalidate: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("schemavalidate: add resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schemavalidate: compile: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks docJSON against the compiled schema.
func (v *Validator) Validate(docJSON []byte) error {
	var doc any
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return fmt.Errorf("schemavalidate: unmarshal document: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schemavalidate: %w", err)
	}
	return nil
}
