package baton

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema used to validate tool arguments, yield
// inputs, structured output, and state writes.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles a raw JSON Schema document. The raw bytes are
// retained verbatim: they are what gets snapshotted into model_start events
// and hashed into pipeline fingerprints.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema that panics on error. Intended for
// schemas declared at construction time.
func MustCompileSchema(raw json.RawMessage) *Schema {
	s, err := CompileSchema(raw)
	if err != nil {
		panic(fmt.Sprintf("baton: %v", err))
	}
	return s
}

// Raw returns the original schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(doc json.RawMessage) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return err
	}
	return nil
}

// SchemaFor derives a JSON Schema from a Go struct type via reflection.
// Use it to declare tool argument schemas without writing raw documents:
//
//	type searchArgs struct {
//		Query string `json:"query" jsonschema:"description=Search query"`
//		Limit int    `json:"limit,omitempty"`
//	}
//	tool := baton.NewTool("search", "Search the index.",
//		baton.WithToolSchema(baton.SchemaFor[searchArgs]()))
func SchemaFor[T any]() json.RawMessage {
	r := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	s := r.Reflect(&zero)
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("baton: reflect schema: %v", err))
	}
	return b
}

// jsonEqual reports structural equality of two JSON documents. Used to
// suppress no-op state writes; key order and whitespace do not matter.
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return bytes.Equal(a, b)
	}
	return deepEqualJSON(av, bv)
}

// deepEqualJSON compares decoded JSON values. encoding/json decodes all
// numbers to float64, so reflect-free comparison is straightforward.
func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !deepEqualJSON(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// marshalValue converts an arbitrary JSON-serializable value to raw bytes.
// json.RawMessage and []byte pass through unchanged.
func marshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return b, nil
	}
}
