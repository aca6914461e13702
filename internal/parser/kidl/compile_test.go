package kidl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tddb/internal/ast"
)

func TestCompile_SimpleTypedef(t *testing.T) {
	spec := `#include <Other.types>

module Workspace {
	typedef int ObjectCount;
	typedef structure {
		int x;
		optional string note;
	} Point;
};`
	b := New()
	res, err := b.Compile(spec, nil)
	require.NoError(t, err)
	require.Len(t, res.Service.Modules, 1)
	mod := res.Module
	assert.Equal(t, "Workspace", mod.Name)
	assert.Equal(t, []string{"Other"}, mod.Includes)

	oc := mod.Find("ObjectCount")
	require.NotNil(t, oc)
	assert.Equal(t, ast.KindScalar, oc.Typedef.Kind)
	assert.Equal(t, "int", oc.Typedef.ScalarKind)

	pt := mod.Find("Point")
	require.NotNil(t, pt)
	require.Len(t, pt.Typedef.Fields, 2)
	assert.False(t, pt.Typedef.Fields[0].Optional)
	assert.True(t, pt.Typedef.Fields[1].Optional)

	assert.Contains(t, res.JSONSchema, "ObjectCount")
	assert.Contains(t, res.JSONSchema, "Point")
}

func TestCompile_Funcdef(t *testing.T) {
	spec := `module Workspace {
	typedef string ObjectID;
	funcdef list<ObjectID> list_objects(string workspaceName);
};`
	res, err := New().Compile(spec, nil)
	require.NoError(t, err)
	fd := res.Module.Find("list_objects")
	require.NotNil(t, fd)
	require.Len(t, fd.Funcdef.Params, 1)
	assert.Equal(t, ast.KindScalar, fd.Funcdef.Params[0].Kind)
	require.Len(t, fd.Funcdef.Returns, 1)
	assert.Equal(t, ast.KindList, fd.Funcdef.Returns[0].Kind)
}

func TestCompile_IDAnnotation(t *testing.T) {
	spec := `module Workspace {
	typedef string @id "ws.Genome" GenomeRef;
};`
	res, err := New().Compile(spec, nil)
	require.NoError(t, err)
	gr := res.Module.Find("GenomeRef")
	require.NotNil(t, gr)
	assert.Equal(t, "ws.Genome", gr.Typedef.IDAnnotation)
}

func TestCompile_MalformedInclude(t *testing.T) {
	spec := `#include Other.types

module Workspace {
	typedef int T;
};`
	_, err := New().Compile(spec, nil)
	assert.Error(t, err)
}

func TestCompile_CrossModuleReference(t *testing.T) {
	spec := `module Workspace {
	typedef structure {
		Other.Handle h;
	} Wrapper;
};`
	res, err := New().Compile(spec, nil)
	require.NoError(t, err)
	w := res.Module.Find("Wrapper")
	require.NotNil(t, w)
	field := w.Typedef.Fields[0]
	assert.Equal(t, ast.KindTypedef, field.Type.Kind)
	assert.Equal(t, "Other", field.Type.Module)
	assert.Equal(t, "Handle", field.Type.Name)
}
