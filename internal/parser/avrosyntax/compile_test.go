package avrosyntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tddb/internal/parser/kidl"
)

func TestCompile_AgreesWithKidlOnJSONSchema(t *testing.T) {
	spec := `module Workspace {
	typedef int ObjectCount;
	typedef structure {
		int x;
		optional string note;
	} Point;
};`
	res, err := New().Compile(spec, nil)
	require.NoError(t, err)
	assert.Contains(t, res.JSONSchema, "ObjectCount")
	assert.Contains(t, res.JSONSchema, "Point")

	kidlRes, err := kidl.New().Compile(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, kidlRes.JSONSchema, res.JSONSchema)
}

func TestCompile_RejectsMalformedSpecLikeKidl(t *testing.T) {
	_, err := New().Compile("not a module at all", nil)
	assert.Error(t, err)
}
