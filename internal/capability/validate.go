package capability

import (
	"fmt"
	"math"
)

// validateArgs checks args against a JSON Schema fragment of the shape
// used for capability parameters: an object schema with "properties"
// and "required". It verifies required keys are present and that
// supplied values match their declared primitive type. Properties
// without a declared type, and keys not named in the schema, are
// accepted as-is.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, key := range required {
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required argument %q", key)
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, k := range required {
			key, _ := k.(string)
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required argument %q", key)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for key, value := range args {
		propSchema, ok := properties[key].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := propSchema["type"].(string)
		if declared == "" {
			continue
		}
		if err := checkType(declared, value); err != nil {
			return fmt.Errorf("argument %q: %v", key, err)
		}
	}
	return nil
}

// checkType verifies a decoded JSON value against a schema type name.
// JSON numbers decode as float64, so "integer" additionally requires a
// whole value.
func checkType(declared string, value any) error {
	if value == nil {
		return nil
	}
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("expected integer, got %T", value)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", f)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	}
	return nil
}

// Helpers for reading validated arguments inside handlers.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func floatArg(args map[string]any, key string, def float64) float64 {
	if f, ok := args[key].(float64); ok {
		return f
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
