package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator 在执行前校验工具参数。
type Validator interface {
	Validate(args map[string]any, schema *jsonschema.Schema) error
}

// DefaultValidator 覆盖必填字段、基本类型、枚举和嵌套对象的校验。
type DefaultValidator struct{}

// Validate 检查 args 是否满足 schema。
func (DefaultValidator) Validate(args map[string]any, schema *jsonschema.Schema) error {
	return validateObject("", args, schema)
}

func validateObject(path string, args map[string]any, schema *jsonschema.Schema) error {
	if schema == nil {
		return nil
	}
	for _, field := range schema.Required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required field: %s", join(path, field))
		}
	}
	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok || prop == nil {
			continue
		}
		if err := validateValue(join(path, key), value, prop); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, value any, schema *jsonschema.Schema) error {
	if schema.Type != "" {
		if err := validateType(value, schema.Type); err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
	}
	if len(schema.Enum) > 0 && !slices.ContainsFunc(schema.Enum, func(v any) bool { return fmt.Sprint(v) == fmt.Sprint(value) }) {
		return fmt.Errorf("field %s: value %v not in enum", path, value)
	}
	switch v := value.(type) {
	case map[string]any:
		if schema.Type == "object" {
			return validateObject(path, v, schema)
		}
	case []any:
		if schema.Items != nil {
			for i, item := range v {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, schema.Items); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if isNumber(value) {
			return nil
		}
	case "integer":
		if isInteger(value) {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
