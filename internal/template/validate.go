package template

import (
	"fmt"
	"reflect"
	"regexp"
)

// Validate checks a configuration mapping against a schema. Every problem
// is collected into the returned slice; an empty slice means the
// configuration is valid. Validation never panics on malformed input.
func Validate(cfg map[string]any, schema []*ConfigField) []string {
	var errs []string
	if cfg == nil {
		cfg = map[string]any{}
	}
	for _, field := range schema {
		if field == nil {
			continue
		}
		value, present := cfg[field.Key]
		if !present {
			if !field.Optional && field.Default == nil {
				errs = append(errs, fmt.Sprintf("%s: missing required field", field.Key))
			}
			continue
		}
		validateValue(field.Key, value, field, &errs)
	}
	return errs
}

// validateValue checks one value against one field, recursing into array
// items and object properties. path carries the dotted location for
// error messages.
func validateValue(path string, value any, field *ConfigField, errs *[]string) {
	if value == nil {
		if !field.Optional {
			*errs = append(*errs, fmt.Sprintf("%s: must not be null", path))
		}
		return
	}

	switch field.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected string, got %T", path, value))
			return
		}
		validateString(path, s, field.Validation, errs)

	case TypeNumber:
		n, ok := asFloat(value)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected number, got %T", path, value))
			return
		}
		validateNumber(path, n, field.Validation, errs)

	case TypeInteger:
		n, ok := asInteger(value)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected integer, got %v", path, value))
			return
		}
		validateNumber(path, float64(n), field.Validation, errs)

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected boolean, got %T", path, value))
			return
		}

	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected array, got %T", path, value))
			return
		}
		validateLength(path, len(items), field.Validation, errs)
		if field.Items != nil {
			for i, item := range items {
				validateValue(fmt.Sprintf("%s[%d]", path, i), item, field.Items, errs)
			}
		}

	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected object, got %T", path, value))
			return
		}
		for key, prop := range field.Properties {
			sub, present := obj[key]
			if !present {
				if !prop.Optional && prop.Default == nil {
					*errs = append(*errs, fmt.Sprintf("%s.%s: missing required field", path, key))
				}
				continue
			}
			validateValue(path+"."+key, sub, prop, errs)
		}

	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown field type %q", path, field.Type))
	}

	validateEnum(path, value, field.Validation, errs)
}

func validateString(path, s string, v *FieldValidation, errs *[]string) {
	if v == nil {
		return
	}
	validateLength(path, len(s), v, errs)
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid pattern %q in schema", path, v.Pattern))
			return
		}
		if !re.MatchString(s) {
			*errs = append(*errs, fmt.Sprintf("%s: %q does not match pattern %q", path, s, v.Pattern))
		}
	}
}

func validateLength(path string, length int, v *FieldValidation, errs *[]string) {
	if v == nil {
		return
	}
	if v.MinLength != nil && length < *v.MinLength {
		*errs = append(*errs, fmt.Sprintf("%s: length %d is below minimum %d", path, length, *v.MinLength))
	}
	if v.MaxLength != nil && length > *v.MaxLength {
		*errs = append(*errs, fmt.Sprintf("%s: length %d exceeds maximum %d", path, length, *v.MaxLength))
	}
}

func validateNumber(path string, n float64, v *FieldValidation, errs *[]string) {
	if v == nil {
		return
	}
	if v.Min != nil && n < *v.Min {
		*errs = append(*errs, fmt.Sprintf("%s: %v is below minimum %v", path, n, *v.Min))
	}
	if v.Max != nil && n > *v.Max {
		*errs = append(*errs, fmt.Sprintf("%s: %v exceeds maximum %v", path, n, *v.Max))
	}
}

func validateEnum(path string, value any, v *FieldValidation, errs *[]string) {
	if v == nil || len(v.Enum) == 0 {
		return
	}
	for _, allowed := range v.Enum {
		if looseEqual(value, allowed) {
			return
		}
	}
	*errs = append(*errs, fmt.Sprintf("%s: %v is not one of the allowed values", path, value))
}

// ApplyDefaults returns a copy of cfg with schema defaults filled in for
// absent keys, recursing into object properties when a sub-map is present.
func ApplyDefaults(cfg map[string]any, schema []*ConfigField) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, field := range schema {
		if field == nil {
			continue
		}
		value, present := out[field.Key]
		if !present {
			if field.Default != nil {
				out[field.Key] = field.Default
			}
			continue
		}
		if field.Type == TypeObject && field.Properties != nil {
			if sub, ok := value.(map[string]any); ok {
				out[field.Key] = ApplyDefaults(sub, propertiesSlice(field.Properties))
			}
		}
	}
	return out
}

func propertiesSlice(props map[string]*ConfigField) []*ConfigField {
	fields := make([]*ConfigField, 0, len(props))
	for key, prop := range props {
		if prop == nil {
			continue
		}
		if prop.Key == "" {
			clone := prop.Clone()
			clone.Key = key
			fields = append(fields, clone)
			continue
		}
		fields = append(fields, prop)
	}
	return fields
}

// asFloat accepts any JSON or YAML numeric decoding as a number.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// asInteger accepts int-like values, including integral floats from JSON.
func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if n == float32(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// looseEqual compares values across JSON numeric decodings. Composite
// values (arrays, objects) compare structurally; == on those would
// panic for uncomparable dynamic types.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}
