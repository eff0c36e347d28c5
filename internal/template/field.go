// Package template defines the template registry and the configuration
// schema language templates declare: a tree of ConfigFields with types,
// defaults, constraints, and recursive item/property sub-schemas.
package template

import (
	"encoding/json"
	"fmt"
)

// FieldType is the declared type of a configuration field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// ValidFieldType reports whether t is one of the six declared types.
func ValidFieldType(t FieldType) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// FieldValidation holds the optional constraints of a field.
// Pointer fields distinguish "unset" from zero values so the serialized
// form carries exactly the constraints that were declared.
type FieldValidation struct {
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Enum      []any    `json:"enum,omitempty"`
}

// Empty reports whether no constraint is set.
func (v *FieldValidation) Empty() bool {
	if v == nil {
		return true
	}
	return v.MinLength == nil && v.MaxLength == nil && v.Min == nil &&
		v.Max == nil && v.Pattern == "" && len(v.Enum) == 0
}

// ConfigField describes one field of a template configuration schema.
// The serialized form is normative: "optional" appears only when true,
// "validation" only when a constraint is set, "items" only for arrays,
// and "properties" only for objects.
type ConfigField struct {
	Key         string                  `json:"key"`
	Type        FieldType               `json:"type"`
	Description string                  `json:"description,omitempty"`
	Default     any                     `json:"default,omitempty"`
	Optional    bool                    `json:"optional,omitempty"`
	Validation  *FieldValidation        `json:"validation,omitempty"`
	Items       *ConfigField            `json:"items,omitempty"`
	Properties  map[string]*ConfigField `json:"properties,omitempty"`
}

// ToMap serializes the field to its dictionary form.
func (f *ConfigField) ToMap() (map[string]any, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal config field %q: %w", f.Key, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config field %q: %w", f.Key, err)
	}
	return m, nil
}

// FieldFromMap deserializes a field from its dictionary form and checks
// the schema shape. FieldFromMap(f.ToMap()) reproduces f exactly for any
// field whose default and enum values came from a decoded document.
func FieldFromMap(m map[string]any) (*ConfigField, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal config field map: %w", err)
	}
	var f ConfigField
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal config field: %w", err)
	}
	if err := f.CheckSchema(); err != nil {
		return nil, err
	}
	return &f, nil
}

// CheckSchema verifies the structural invariants of the field tree:
// keys present, types known, items only on arrays, properties only on
// objects, and empty validation blocks normalized away.
func (f *ConfigField) CheckSchema() error {
	if f.Key == "" {
		return fmt.Errorf("config field is missing a key")
	}
	if !ValidFieldType(f.Type) {
		return fmt.Errorf("config field %q has unknown type %q", f.Key, f.Type)
	}
	if f.Items != nil && f.Type != TypeArray {
		return fmt.Errorf("config field %q declares items but is not an array", f.Key)
	}
	if f.Properties != nil && f.Type != TypeObject {
		return fmt.Errorf("config field %q declares properties but is not an object", f.Key)
	}
	if f.Validation != nil && f.Validation.Empty() {
		f.Validation = nil
	}
	if f.Items != nil {
		if err := f.Items.CheckSchema(); err != nil {
			return err
		}
	}
	for key, prop := range f.Properties {
		if prop == nil {
			return fmt.Errorf("config field %q has a nil property %q", f.Key, key)
		}
		if prop.Key == "" {
			prop.Key = key
		}
		if err := prop.CheckSchema(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the field tree.
func (f *ConfigField) Clone() *ConfigField {
	if f == nil {
		return nil
	}
	clone := *f
	if f.Validation != nil {
		v := *f.Validation
		if f.Validation.Enum != nil {
			v.Enum = append([]any(nil), f.Validation.Enum...)
		}
		clone.Validation = &v
	}
	clone.Items = f.Items.Clone()
	if f.Properties != nil {
		clone.Properties = make(map[string]*ConfigField, len(f.Properties))
		for k, p := range f.Properties {
			clone.Properties[k] = p.Clone()
		}
	}
	return &clone
}
