package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tddb/internal/ast"
)

func scalarInt() *ast.TypeNode {
	return &ast.TypeNode{Kind: ast.KindScalar, ScalarKind: "int"}
}

func scalarString() *ast.TypeNode {
	return &ast.TypeNode{Kind: ast.KindScalar, ScalarKind: "string"}
}

func structWith(fields ...ast.StructField) *ast.TypeNode {
	return &ast.TypeNode{Kind: ast.KindStruct, Fields: fields}
}

func TestFindChange_Reflexive(t *testing.T) {
	cases := []*ast.TypeNode{
		scalarInt(),
		{Kind: ast.KindList, Element: scalarInt()},
		{Kind: ast.KindMapping, Value: scalarString()},
		{Kind: ast.KindTuple, Elements: []*ast.TypeNode{scalarInt(), scalarString()}},
		{Kind: ast.KindUnspecifiedObject},
		structWith(
			ast.StructField{Name: "x", Type: scalarInt()},
			ast.StructField{Name: "y", Optional: true, Type: scalarString()},
		),
		{Kind: ast.KindTypedef, Module: "m", Name: "T", Aliased: scalarInt()},
	}
	for _, n := range cases {
		c, err := FindChange(n, ast.CloneType(n))
		require.NoError(t, err)
		assert.Equal(t, NoChange, c, "%+v", n)
	}
}

func TestFindChange_DifferentKinds(t *testing.T) {
	c, err := FindChange(scalarInt(), &ast.TypeNode{Kind: ast.KindList, Element: scalarInt()})
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_AddOptionalField_BackwardCompatible(t *testing.T) {
	oldS := structWith(ast.StructField{Name: "x", Type: scalarInt()})
	newS := structWith(
		ast.StructField{Name: "x", Type: scalarInt()},
		ast.StructField{Name: "y", Optional: true, Type: scalarString()},
	)
	c, err := FindChange(oldS, newS)
	require.NoError(t, err)
	assert.Equal(t, BackwardCompatible, c)
}

func TestFindChange_AddRequiredField_NotCompatible(t *testing.T) {
	oldS := structWith(ast.StructField{Name: "x", Type: scalarInt()})
	newS := structWith(
		ast.StructField{Name: "x", Type: scalarInt()},
		ast.StructField{Name: "y", Type: scalarString()},
	)
	c, err := FindChange(oldS, newS)
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_RemoveField_NotCompatible(t *testing.T) {
	oldS := structWith(
		ast.StructField{Name: "x", Type: scalarInt()},
		ast.StructField{Name: "y", Optional: true, Type: scalarString()},
	)
	newS := structWith(ast.StructField{Name: "x", Type: scalarInt()})
	c, err := FindChange(oldS, newS)
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_ScalarKindChange_NotCompatible(t *testing.T) {
	c, err := FindChange(scalarInt(), scalarString())
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_IDAnnotationChange_NotCompatible(t *testing.T) {
	a := &ast.TypeNode{Kind: ast.KindScalar, ScalarKind: "string", IDAnnotation: "ws.Genome"}
	b := &ast.TypeNode{Kind: ast.KindScalar, ScalarKind: "string", IDAnnotation: "ws.Feature"}
	c, err := FindChange(a, b)
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_TupleReorder_NotCompatible(t *testing.T) {
	a := &ast.TypeNode{Kind: ast.KindTuple, Elements: []*ast.TypeNode{scalarInt(), scalarString()}}
	b := &ast.TypeNode{Kind: ast.KindTuple, Elements: []*ast.TypeNode{scalarString(), scalarInt()}}
	c, err := FindChange(a, b)
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c)
}

func TestFindChange_MappingOnlyRecursesValue(t *testing.T) {
	a := &ast.TypeNode{Kind: ast.KindMapping, Value: scalarInt()}
	b := &ast.TypeNode{Kind: ast.KindMapping, Value: scalarInt()}
	c, err := FindChange(a, b)
	require.NoError(t, err)
	assert.Equal(t, NoChange, c)
}

func TestFindChange_UnknownKind(t *testing.T) {
	a := &ast.TypeNode{Kind: "bogus"}
	b := &ast.TypeNode{Kind: "bogus"}
	_, err := FindChange(a, b)
	require.Error(t, err)
	var spe *SpecParseErr
	assert.ErrorAs(t, err, &spe)
}

func TestFindFuncChange(t *testing.T) {
	oldF := &ast.FuncNode{Name: "f", Params: []*ast.TypeNode{scalarInt()}, Returns: []*ast.TypeNode{scalarString()}}
	newF := &ast.FuncNode{Name: "f", Params: []*ast.TypeNode{scalarInt(), scalarString()}, Returns: []*ast.TypeNode{scalarString()}}
	c, err := FindFuncChange(oldF, newF)
	require.NoError(t, err)
	assert.Equal(t, NotCompatible, c) // arity mismatch
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, Version{0, 1}, NextVersion(Version{}, true, NoChange))
	assert.Equal(t, Version{0, 2}, NextVersion(Version{0, 1}, false, BackwardCompatible))
	// Pre-release (major==0): incompatible change still only bumps minor.
	assert.Equal(t, Version{0, 3}, NextVersion(Version{0, 2}, false, NotCompatible))
	// Post-release (major>=1): incompatible change bumps major, resets minor.
	assert.Equal(t, Version{2, 0}, NextVersion(Version{1, 4}, false, NotCompatible))
	assert.Equal(t, Version{1, 5}, NextVersion(Version{1, 4}, false, BackwardCompatible))
}

func TestVersionParseAndCompare(t *testing.T) {
	v, err := Parse("1.4")
	require.NoError(t, err)
	assert.Equal(t, Version{1, 4}, v)
	assert.Equal(t, "1.4", v.String())

	_, err = Parse("bogus")
	require.Error(t, err)

	assert.True(t, Version{1, 2}.Less(Version{1, 3}))
	assert.True(t, Version{1, 9}.Less(Version{2, 0}))
}
