package tool

import (
	"fmt"
	"sort"
	"strings"
)

// Schema describes a tool's arguments: a JSON Schema object with typed
// properties, required fields, enums and defaults.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// Property describes one argument.
type Property struct {
	// Type is one of "string", "number", "integer", "boolean", "array"
	// or "object".
	Type        string
	Description string
	Enum        []string

	// Default is applied by ApplyDefaults when the argument is absent.
	Default interface{}
}

// ValidationError lists every argument problem found for one call.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid arguments: " + strings.Join(e.Problems, "; ")
}

// Map renders the schema as a JSON Schema object for model.ToolSpec.
func (s Schema) Map() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}

	out := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

// ApplyDefaults returns a copy of args with declared defaults filled in.
func (s Schema) ApplyDefaults(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+len(s.Properties))
	for k, v := range args {
		out[k] = v
	}
	for name, p := range s.Properties {
		if _, ok := out[name]; !ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

// Validate checks args against the schema. Unknown arguments are allowed.
func (s Schema) Validate(args map[string]interface{}) error {
	var problems []string

	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required argument %q", name))
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		p := s.Properties[name]
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("argument %q must be %s, got %T", name, p.Type, v))
			continue
		}
		if len(p.Enum) > 0 {
			str, _ := v.(string)
			if !contains(p.Enum, str) {
				problems = append(problems, fmt.Sprintf("argument %q must be one of %v, got %q", name, p.Enum, str))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func matchesType(typ string, v interface{}) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64, int32:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "array":
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
