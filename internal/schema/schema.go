// Package schema describes action inputs and outputs. Definitions are
// declared as typed fields, compiled once into a JSON schema at registration
// and validated at every call site.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/autopr/autopr/internal/errkind"
)

type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeEnum   FieldType = "enum"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
	TypeStruct FieldType = "struct"
)

type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any

	// Enum values; only for TypeEnum.
	Enum []string
	// Element type; only for TypeList and TypeMap.
	Elem *Field
	// Nested fields; only for TypeStruct.
	Fields []Field

	// Optional numeric range constraints.
	Min *float64
	Max *float64
}

// Schema is a compiled field set. Version participates in cache keys so a
// bump invalidates previously cached values.
type Schema struct {
	Version  int
	Fields   []Field
	compiled *jsonschema.Schema
}

// Compile validates the field declarations and compiles them into a JSON
// schema. Fails on duplicate or empty field names and malformed types.
func Compile(version int, fields []Field) (*Schema, error) {
	seen := map[string]bool{}
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, errkind.New(errkind.SchemaMismatch, "field with empty name")
		}
		if seen[name] {
			return nil, errkind.New(errkind.SchemaMismatch, "duplicate field %q", name)
		}
		seen[name] = true
	}
	doc, err := document(fields)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, errkind.Wrap(errkind.SchemaMismatch, err, "add schema resource")
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, errkind.Wrap(errkind.SchemaMismatch, err, "compile schema")
	}
	return &Schema{Version: version, Fields: fields, compiled: compiled}, nil
}

// MustCompile is for registration-time schemas that are statically known.
func MustCompile(version int, fields []Field) *Schema {
	s, err := Compile(version, fields)
	if err != nil {
		panic(err)
	}
	return s
}

func document(fields []Field) (map[string]any, error) {
	props := map[string]any{}
	required := []string{}
	for _, f := range fields {
		p, err := fieldDoc(f)
		if err != nil {
			return nil, err
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc, nil
}

func fieldDoc(f Field) (map[string]any, error) {
	p := map[string]any{}
	switch f.Type {
	case TypeString:
		p["type"] = "string"
	case TypeInt:
		p["type"] = "integer"
	case TypeFloat:
		p["type"] = "number"
	case TypeBool:
		p["type"] = "boolean"
	case TypeEnum:
		if len(f.Enum) == 0 {
			return nil, errkind.New(errkind.SchemaMismatch, "enum field %q has no values", f.Name)
		}
		vals := make([]any, 0, len(f.Enum))
		for _, v := range f.Enum {
			vals = append(vals, v)
		}
		p["enum"] = vals
	case TypeList:
		if f.Elem == nil {
			return nil, errkind.New(errkind.SchemaMismatch, "list field %q missing element type", f.Name)
		}
		elem, err := fieldDoc(*f.Elem)
		if err != nil {
			return nil, err
		}
		p["type"] = "array"
		p["items"] = elem
	case TypeMap:
		if f.Elem == nil {
			return nil, errkind.New(errkind.SchemaMismatch, "map field %q missing element type", f.Name)
		}
		elem, err := fieldDoc(*f.Elem)
		if err != nil {
			return nil, err
		}
		p["type"] = "object"
		p["additionalProperties"] = elem
	case TypeStruct:
		doc, err := document(f.Fields)
		if err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, errkind.New(errkind.SchemaMismatch, "field %q has unknown type %q", f.Name, f.Type)
	}
	if f.Min != nil {
		p["minimum"] = *f.Min
	}
	if f.Max != nil {
		p["maximum"] = *f.Max
	}
	return p, nil
}

// Validate checks v against the compiled schema. The value is round-tripped
// through JSON so typed Go values and decoded yaml both validate uniformly.
func (s *Schema) Validate(v map[string]any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "encode value")
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "decode value")
	}
	if err := s.compiled.Validate(norm); err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "schema validation failed")
	}
	return nil
}

// ApplyDefaults returns a copy of v with missing optional fields filled from
// their declared defaults.
func (s *Schema) ApplyDefaults(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	if s == nil {
		return out
	}
	for _, f := range s.Fields {
		if _, ok := out[f.Name]; !ok && f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out
}

// Fingerprint contributes to cache keys: the schema version plus the field
// layout, so a structural change invalidates even without a version bump.
func (s *Schema) Fingerprint() string {
	if s == nil {
		return "v0"
	}
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, fmt.Sprintf("%s:%s", f.Name, f.Type))
	}
	return fmt.Sprintf("v%d{%s}", s.Version, strings.Join(names, ","))
}
