// Package jsonschema turns a compiled ast.TypeNode into a JSON Schema
// document and validates stored documents with
// github.com/santhosh-tekuri/jsonschema/v5, the library the teacher uses
// for its json schema format backend (formats/json/format.go).
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"tddb/internal/ast"
)

// Generate produces the canonical JSON Schema document bytes for a type
// node. The same node always produces byte-identical output, since the
// Version Engine's "noChange AND same generated schema" skip rule (spec.md
// §4.4 step 7) depends on stable serialization.
func Generate(n *ast.TypeNode) ([]byte, error) {
	doc := nodeToSchema(n)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("jsonschema: encode: %w", err)
	}
	out := buf.Bytes()
	return out[:len(out)-1], nil // drop Encode's trailing newline for a stable MD5 identity
}

func nodeToSchema(n *ast.TypeNode) map[string]any {
	if n == nil {
		return map[string]any{}
	}
	switch n.Kind {
	case ast.KindScalar:
		schema := map[string]any{"type": scalarJSONType(n.ScalarKind)}
		if n.IDAnnotation != "" {
			schema["id"] = n.IDAnnotation
		}
		return schema
	case ast.KindList:
		return map[string]any{"type": "array", "items": nodeToSchema(n.Element)}
	case ast.KindMapping:
		return map[string]any{"type": "object", "additionalProperties": nodeToSchema(n.Value)}
	case ast.KindTuple:
		items := make([]any, len(n.Elements))
		for i, e := range n.Elements {
			items[i] = nodeToSchema(e)
		}
		return map[string]any{
			"type":     "array",
			"items":    items,
			"minItems": len(items),
			"maxItems": len(items),
		}
	case ast.KindUnspecifiedObject:
		return map[string]any{"type": "object"}
	case ast.KindStruct:
		props := map[string]any{}
		var required []string
		for _, f := range n.Fields {
			props[f.Name] = nodeToSchema(f.Type)
			if !f.Optional {
				required = append(required, f.Name)
			}
		}
		schema := map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	case ast.KindTypedef:
		if n.Aliased != nil {
			return nodeToSchema(n.Aliased)
		}
		ref := n.Name
		if n.Module != "" {
			ref = n.Module + "." + n.Name
		}
		return map[string]any{"$ref": "#/definitions/" + ref}
	default:
		return map[string]any{}
	}
}

func scalarJSONType(kind string) string {
	switch kind {
	case "int":
		return "integer"
	case "float":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

// Validate compiles a stored JSON Schema document and reports whether it
// is well-formed, wrapping santhosh-tekuri/jsonschema/v5 the way the
// teacher's formats/json/format.go does. A document that fails to compile
// corresponds to the core's BadJsonSchemaDocument error kind.
func Validate(doc []byte) error {
	compiler := jsonschema.NewCompiler()
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("jsonschema: invalid document: %w", err)
	}
	if err := compiler.AddResource("schema.json", bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("jsonschema: invalid document: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("jsonschema: invalid document: %w", err)
	}
	return nil
}
