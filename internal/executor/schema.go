package executor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskflow/internal/taskerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles an input schema. A nil or empty schema yields nil.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inputs.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("inputs.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return sch, nil
}

// ValidateInputs checks inputs against schema and returns a ValidationError
// describing the first mismatch.
func ValidateInputs(schema map[string]any, inputs map[string]any) error {
	sch, err := CompileSchema(schema)
	if err != nil {
		return taskerr.Validation("schema", "%v", err)
	}
	if sch == nil {
		return nil
	}

	// The validator wants plain JSON values, so round-trip the inputs.
	raw, err := json.Marshal(inputs)
	if err != nil {
		return taskerr.Validation("inputs", "not JSON encodable: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return taskerr.Validation("inputs", "failed to decode: %v", err)
	}
	if inputs == nil {
		data = map[string]any{}
	}

	if err := sch.Validate(data); err != nil {
		return taskerr.Validation("inputs", "%v", err)
	}
	return nil
}
