package util

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ValidationError reports the first argument that does not match a tool's
// parameter schema. Field is a dotted path for nested objects ("filter.since")
// and carries an index for array elements ("ids[2]").
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Message)
}

// CreateSchema derives an object schema from a struct. Field names follow
// the json tag; a description tag documents the field and an enum tag
// ("a,b,c") restricts string values. Fields that are neither pointers nor
// omitempty are required. Nested structs and slices produce nested schemas.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t == nil {
		return emptyObject()
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return emptyObject()
	}

	return objectSchema(t)
}

func emptyObject() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func objectSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any, t.NumField())
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitempty, skip := jsonName(field)
		if skip {
			continue
		}

		prop := typeSchema(field.Type)
		if d := field.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if e := field.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, ",")
		}
		properties[name] = prop

		if !omitempty && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func typeSchema(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Struct:
		return objectSchema(t)
	case reflect.Map:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "string"}
	}
}

func jsonName(field reflect.StructField) (name string, omitempty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}

	parts := strings.Split(tag, ",")
	name = field.Name
	if parts[0] != "" {
		name = parts[0]
	}

	for _, opt := range parts[1:] {
		if strings.TrimSpace(opt) == "omitempty" {
			omitempty = true
		}
	}

	return name, omitempty, false
}

// ValidateParameters checks decoded tool arguments against an object schema.
// Unknown fields are allowed and null matches any type. Fields are checked
// in name order so the reported error is deterministic.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(path string, params map[string]any, schema map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if _, ok := params[name]; !ok {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}

	properties, _ := schema["properties"].(map[string]any)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}

		if err := validateValue(join(path, name), params[name], prop); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(path string, value any, schema map[string]any) error {
	if value == nil {
		return nil
	}

	expected, _ := schema["type"].(string)
	if !isValidType(value, expected) {
		return &ValidationError{Field: path, Value: value, Message: fmt.Sprintf("expected %s, got %T", expected, value)}
	}

	if enum := stringList(schema["enum"]); len(enum) > 0 {
		s, _ := value.(string)
		if !contains(enum, s) {
			return &ValidationError{Field: path, Value: value, Message: "must be one of " + strings.Join(enum, ", ")}
		}
	}

	switch v := value.(type) {
	case map[string]any:
		return validateObject(path, v, schema)
	case []any:
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range v {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, items); err != nil {
				return err
			}
		}
	}

	return nil
}

// stringList accepts lists declared in Go ([]string) or decoded from JSON ([]any).
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func isValidType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
