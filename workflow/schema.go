package workflow

import "fmt"

// Violation describes one schema violation found in a step output.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// OutputValidator validates a step output against the step's declared
// schema. Schema format and validator implementation are external
// concerns; MapSchemaValidator is the reference implementation.
type OutputValidator interface {
	Validate(output map[string]any, schema map[string]any) []Violation
}

// MapSchemaValidator checks required fields and coarse field types.
//
// Supported schema keys:
//
//	required: [field, ...]
//	types:    {field: "string" | "number" | "bool" | "object" | "array"}
type MapSchemaValidator struct{}

// Validate implements OutputValidator.
func (MapSchemaValidator) Validate(output map[string]any, schema map[string]any) []Violation {
	var violations []Violation

	if req, ok := schema["required"].([]any); ok {
		for _, f := range req {
			name, _ := f.(string)
			if name == "" {
				continue
			}
			if _, present := output[name]; !present {
				violations = append(violations, Violation{Field: name, Message: "required field missing"})
			}
		}
	}

	if typs, ok := schema["types"].(map[string]any); ok {
		for name, want := range typs {
			v, present := output[name]
			if !present {
				continue
			}
			wantType, _ := want.(string)
			if wantType == "" || matchesType(v, wantType) {
				continue
			}
			violations = append(violations, Violation{
				Field:   name,
				Message: fmt.Sprintf("expected %s, got %T", wantType, v),
			})
		}
	}

	return violations
}

func matchesType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
