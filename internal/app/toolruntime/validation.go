package toolruntime

import (
	"fmt"
	"strings"

	"taskplane/internal/domain/tool"
)

// validateInput checks input against a tool schema: required fields, basic
// type matching and enums. Lenient: accepts float64 for integer (JSON
// numbers) and allows extra fields not in schema.
func validateInput(schema tool.Schema, input map[string]any) error {
	for _, req := range schema.Required {
		val, ok := input[req]
		if !ok || val == nil {
			return fmt.Errorf("missing required argument %q", req)
		}
	}
	if len(schema.Properties) == 0 {
		return nil
	}

	for key, val := range input {
		prop, ok := schema.Properties[key]
		if !ok || val == nil {
			continue
		}
		if err := checkType(key, prop, val); err != nil {
			return err
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, val) {
			return fmt.Errorf("argument %q: value %v not in %v", key, val, prop.Enum)
		}
	}
	return nil
}

func checkType(key string, prop tool.Property, val any) error {
	switch strings.ToLower(prop.Type) {
	case "":
		return nil
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("argument %q: expected string, got %T", key, val)
		}
	case "number":
		if !isNumber(val) {
			return fmt.Errorf("argument %q: expected number, got %T", key, val)
		}
	case "integer":
		if !isNumber(val) {
			return fmt.Errorf("argument %q: expected integer, got %T", key, val)
		}
		if f, ok := val.(float64); ok && f != float64(int64(f)) {
			return fmt.Errorf("argument %q: expected integer, got %v", key, f)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("argument %q: expected boolean, got %T", key, val)
		}
	case "array":
		items, ok := val.([]any)
		if !ok {
			if _, isStrings := val.([]string); isStrings && (prop.Items == nil || prop.Items.Type == "string") {
				return nil
			}
			return fmt.Errorf("argument %q: expected array, got %T", key, val)
		}
		if prop.Items != nil {
			for i, item := range items {
				if item == nil {
					continue
				}
				if err := checkType(fmt.Sprintf("%s[%d]", key, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("argument %q: expected object, got %T", key, val)
		}
	}
	return nil
}

func isNumber(val any) bool {
	switch val.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}

func inEnum(enum []any, val any) bool {
	for _, candidate := range enum {
		if fmt.Sprint(candidate) == fmt.Sprint(val) {
			return true
		}
	}
	return false
}
