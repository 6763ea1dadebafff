// Package schema reflects Go input structs into the protocol's input
// schema shape and validates call arguments against it.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/invopop/jsonschema"
)

var (
	cache   = make(map[reflect.Type]*toolproto.InputSchema)
	cacheMu sync.Mutex
)

// New reflects the given struct type into an InputSchema. Results are
// cached per type.
func New(t reflect.Type) (*toolproto.InputSchema, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := cache[t]; ok {
		return s, nil
	}
	s, err := buildSchema(t)
	if err != nil {
		return nil, err
	}
	cache[t] = s
	return s, nil
}

// MustNew is New for statically known types; it panics on reflection
// failure, which only happens for malformed schema tags.
func MustNew(t reflect.Type) *toolproto.InputSchema {
	s, err := New(t)
	if err != nil {
		panic(err)
	}
	return s
}

func buildSchema(t reflect.Type) (*toolproto.InputSchema, error) {
	root, defs, err := reflectRoot(t)
	if err != nil {
		return nil, err
	}

	res := &toolproto.InputSchema{
		Type:       "object",
		Properties: make(map[string]*toolproto.Property),
		Required:   root.Required,
	}
	if root.Properties != nil {
		for pair := root.Properties.Oldest(); pair != nil; pair = pair.Next() {
			p, err := convert(pair.Value, defs)
			if err != nil {
				return nil, err
			}
			res.Properties[pair.Key] = p
		}
	}
	return res, nil
}

// reflectRoot runs the jsonschema reflector and splits the result into
// the root definition and the remaining named definitions.
func reflectRoot(t reflect.Type) (*jsonschema.Schema, map[string]*jsonschema.Schema, error) {
	r := new(jsonschema.Reflector)

	// Struct names can collide across packages; disambiguate the
	// definition names with a hash of the full package path.
	// See https://github.com/invopop/jsonschema/issues/42
	r.Namer = func(t reflect.Type) string {
		name := t.Name()
		if t.Kind() == reflect.Struct {
			fullname := t.PkgPath() + "/" + t.Name()
			name = t.Name() + "@" + strconv.FormatUint(xxhash.Sum64String(fullname), 10)
		}
		return name
	}

	sc := r.ReflectFromType(t)
	rootID := strings.TrimPrefix(sc.Ref, "#/$defs/")

	var root *jsonschema.Schema
	defs := make(map[string]*jsonschema.Schema)
	for name, def := range sc.Definitions {
		if name == rootID {
			root = def
		} else {
			defs[name] = def
		}
	}
	if root == nil {
		return nil, nil, errors.Errorf("schema: no root definition for type %s", t)
	}
	return root, defs, nil
}

func convert(sc *jsonschema.Schema, defs map[string]*jsonschema.Schema) (*toolproto.Property, error) {
	if sc.Ref != "" {
		name := strings.TrimPrefix(sc.Ref, "#/$defs/")
		def, ok := defs[name]
		if !ok {
			return nil, errors.Errorf("schema: unresolved reference %q", sc.Ref)
		}
		resolved, err := convert(def, defs)
		if err != nil {
			return nil, err
		}
		if sc.Description != "" {
			resolved.Description = sc.Description
		}
		return resolved, nil
	}

	p := &toolproto.Property{
		Type:        sc.Type,
		Description: sc.Description,
		Enum:        sc.Enum,
		Default:     sc.Default,
		Required:    sc.Required,
	}
	if sc.Items != nil {
		items, err := convert(sc.Items, defs)
		if err != nil {
			return nil, err
		}
		p.Items = items
	}
	if sc.Properties != nil {
		p.Properties = make(map[string]*toolproto.Property)
		for pair := sc.Properties.Oldest(); pair != nil; pair = pair.Next() {
			child, err := convert(pair.Value, defs)
			if err != nil {
				return nil, err
			}
			p.Properties[pair.Key] = child
		}
	}
	return p, nil
}

// FieldError describes one offending argument field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Reason
}

// ValidationError enumerates every offending field of a call's arguments.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// Validate checks arguments against the schema, collecting every missing
// required field and type mismatch rather than stopping at the first.
// A nil schema accepts anything.
func Validate(args json.RawMessage, sc *toolproto.InputSchema) error {
	if sc == nil {
		return nil
	}
	if sc.Type != "" && sc.Type != "object" {
		return errors.Errorf("unsupported input schema type %q", sc.Type)
	}

	values := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return &ValidationError{Fields: []FieldError{
				{Field: "(arguments)", Reason: "not a JSON object: " + err.Error()},
			}}
		}
	}

	var fields []FieldError
	for _, name := range sc.Required {
		if _, ok := values[name]; !ok {
			fields = append(fields, FieldError{Field: name, Reason: "missing required field"})
		}
	}
	for name, val := range values {
		prop, ok := sc.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if reason := checkType(val, prop.Type); reason != "" {
			fields = append(fields, FieldError{Field: name, Reason: reason})
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func checkType(val any, want string) string {
	if val == nil {
		// null is tolerated for optional fields
		return ""
	}
	ok := false
	switch want {
	case "string":
		_, ok = val.(string)
	case "boolean":
		_, ok = val.(bool)
	case "number":
		_, ok = val.(float64)
	case "integer":
		f, isNum := val.(float64)
		ok = isNum && f == float64(int64(f))
	case "array":
		_, ok = val.([]any)
	case "object":
		_, ok = val.(map[string]any)
	default:
		return ""
	}
	if !ok {
		return fmt.Sprintf("expected %s, got %s", want, jsonTypeName(val))
	}
	return ""
}

func jsonTypeName(val any) string {
	switch val.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return reflect.TypeOf(val).String()
}
