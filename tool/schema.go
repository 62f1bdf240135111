package tool

import (
	"encoding/json"
	"fmt"

	ijsonschema "github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFromStruct creates a JSON schema object from a Go struct. Field names
// follow json tags; fields without omitempty are required. Descriptions come
// from `jsonschema:"description=..."` tags.
func SchemaFromStruct(structType any) map[string]any {
	r := &ijsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	schema := r.Reflect(structType)

	raw, err := json.Marshal(schema)
	if err != nil {
		return emptySchema()
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return emptySchema()
	}

	delete(out, "$schema")
	delete(out, "$id")

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}

	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}

	return out
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func compileSchema(name string, parameters map[string]any) (*sjsonschema.Schema, error) {
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %s: %w", name, err)
	}

	compiled, err := sjsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema of %s: %w", name, err)
	}

	return compiled, nil
}

// Validate checks args against the tool's declared schema. Violations are
// reported as *ToolError with CodeValidationError.
func (r *Registry) Validate(d Descriptor, args map[string]any) error {
	schema, err := r.schemaFor(d)
	if err != nil {
		return &ToolError{Tool: d.Name, Message: err.Error(), Code: CodeValidationError}
	}

	// round-trip so the validator only sees JSON decoded value types
	payload, err := json.Marshal(args)
	if err != nil {
		return &ToolError{Tool: d.Name, Message: fmt.Sprintf("encode arguments: %v", err), Code: CodeArgumentError}
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &ToolError{Tool: d.Name, Message: fmt.Sprintf("decode arguments: %v", err), Code: CodeArgumentError}
	}

	if err := schema.Validate(decoded); err != nil {
		return &ToolError{
			Tool:    d.Name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidationError,
			Details: err,
		}
	}

	return nil
}
