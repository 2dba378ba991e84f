package tools

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema assembles the full JSON Schema object for a tool.
func Schema(t Tool) map[string]any {
	props := t.Parameters()
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := t.RequiredParameters(); len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema round-trips the Go literal through JSON because the compiler
// only accepts the generic decoded form ([]any, not []string).
func compileSchema(t Tool) (*compiledSchema, error) {
	raw, err := json.Marshal(Schema(t))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

func (cs *compiledSchema) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	if err := cs.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
