package registry

import (
	"encoding/json"

	"tddb/internal/ast"
)

// Parse records store opaque bytes (storage.ParseRecord.Data) so the
// Storage Port never needs to know about the AST shape. These helpers are
// the Registry Core's (de)serialization of that payload.

func encodeTypeNode(n *ast.TypeNode) ([]byte, error) {
	return json.Marshal(n)
}

func decodeTypeNode(b []byte) (*ast.TypeNode, error) {
	var n ast.TypeNode
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func encodeFuncNode(n *ast.FuncNode) ([]byte, error) {
	return json.Marshal(n)
}

func decodeFuncNode(b []byte) (*ast.FuncNode, error) {
	var n ast.FuncNode
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
