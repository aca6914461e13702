package memkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tddb/internal/storage"
)

func TestStore_ModuleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.ModuleExists(ctx, "Workspace")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))
	ok, err = s.ModuleExists(ctx, "Workspace")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.InitModuleRecord(ctx, "Workspace")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	supported, err := s.SupportedState(ctx, "Workspace")
	require.NoError(t, err)
	assert.True(t, supported)

	require.NoError(t, s.ChangeSupportedState(ctx, "Workspace", false))
	supported, err = s.SupportedState(ctx, "Workspace")
	require.NoError(t, err)
	assert.False(t, supported)
}

func TestStore_GenerateNewVersionIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))

	first, err := s.LastVersionIncludingUnreleased(ctx, "Workspace")
	require.NoError(t, err)

	vt2, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)
	assert.Greater(t, vt2, first)

	vt3, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)
	assert.Greater(t, vt3, vt2)

	last, err := s.LastVersionIncludingUnreleased(ctx, "Workspace")
	require.NoError(t, err)
	assert.Equal(t, vt3, last)
}

func TestStore_WriteAndReleaseModuleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))

	vt, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)

	mv := &storage.ModuleVersion{
		ModuleName:  "Workspace",
		VersionTime: vt,
		Spec:        "module Workspace { typedef string ObjectID; };",
		Types: map[string]storage.TypeInfo{
			"ObjectID": {TypeName: "ObjectID", TypeVersion: "0.1", Supported: true},
		},
		Funcs: map[string]storage.FuncInfo{},
	}
	require.NoError(t, s.WriteModuleRecords(ctx, mv))

	versions, err := s.AllVersions(ctx, "Workspace")
	require.NoError(t, err)
	assert.False(t, versions[vt])

	require.NoError(t, s.SetReleaseVersion(ctx, "Workspace", vt))
	released, err := s.LastReleasedVersion(ctx, "Workspace")
	require.NoError(t, err)
	assert.Equal(t, vt, released)

	versions, err = s.AllVersions(ctx, "Workspace")
	require.NoError(t, err)
	assert.True(t, versions[vt])
}

func TestStore_TypeSchemaAndParseRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))
	vt, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)

	schemaRec := &storage.SchemaRecord{
		ModuleName:    "Workspace",
		TypeName:      "ObjectID",
		TypeVersion:   "0.1",
		ModuleVersion: vt,
		JSONSchema:    []byte(`{"type":"string"}`),
		MD5:           "abc123",
	}
	require.NoError(t, s.WriteTypeSchemaRecord(ctx, schemaRec))

	got, err := s.GetTypeSchemaRecord(ctx, "Workspace", "ObjectID", "0.1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.MD5)

	exists, err := s.CheckTypeSchemaRecordExists(ctx, "Workspace", "ObjectID", "0.1")
	require.NoError(t, err)
	assert.True(t, exists)

	byMd5, err := s.GetTypeVersionsByMd5(ctx, "Workspace", "ObjectID", "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1"}, byMd5)

	parseRec := &storage.ParseRecord{
		ModuleName:    "Workspace",
		Name:          "ObjectID",
		Version:       "0.1",
		ModuleVersion: vt,
		Data:          []byte(`{"kind":"scalar","scalarKind":"string"}`),
	}
	require.NoError(t, s.WriteTypeParseRecord(ctx, parseRec))

	gotParse, err := s.GetTypeParseRecord(ctx, "Workspace", "ObjectID", "0.1")
	require.NoError(t, err)
	assert.Equal(t, parseRec.Data, gotParse.Data)

	md5, err := s.GetTypeMd5(ctx, "Workspace", "ObjectID", "0.1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", md5)
}

func TestStore_RefsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ref := storage.RefInfo{
		DepModule: "Workspace", DepName: "ObjectInfo", DepVersion: "1.0", DepModuleVersion: 42,
		RefModule: "Workspace", RefName: "ObjectID", RefVersion: "0.1",
	}
	require.NoError(t, s.AddRefs(ctx, []storage.RefInfo{ref}, nil))

	deps, err := s.GetTypeRefsByDep(ctx, "Workspace", "ObjectInfo", "1.0")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "ObjectID", deps[0].RefName)

	refs, err := s.GetTypeRefsByRef(ctx, "Workspace", "ObjectID", "0.1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "ObjectInfo", refs[0].DepName)
}

func TestStore_OwnersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddOwnerToModule(ctx, "Workspace", "alice", true))
	require.NoError(t, s.AddOwnerToModule(ctx, "Workspace", "bob", false))

	owners, err := s.GetOwnersForModule(ctx, "Workspace")
	require.NoError(t, err)
	assert.Len(t, owners, 2)

	modules, err := s.GetModulesForOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Workspace"}, modules)

	require.NoError(t, s.RemoveOwnerFromModule(ctx, "Workspace", "bob"))
	owners, err = s.GetOwnersForModule(ctx, "Workspace")
	require.NoError(t, err)
	assert.Len(t, owners, 1)
	assert.Equal(t, "alice", owners[0].UserID)
}

func TestStore_RegistrationRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddNewModuleRegistrationRequest(ctx, "NewMod", "carol"))
	reqs, err := s.GetNewModuleRegistrationRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "NewMod", reqs[0].ModuleName)

	owner, err := s.GetOwnerForNewModuleRegistrationRequest(ctx, "NewMod")
	require.NoError(t, err)
	assert.Equal(t, "carol", owner)

	require.NoError(t, s.RemoveNewModuleRegistrationRequest(ctx, "NewMod"))
	_, err = s.GetOwnerForNewModuleRegistrationRequest(ctx, "NewMod")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_RollbackModuleVersionClearsAllRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))
	vt, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)

	mv := &storage.ModuleVersion{ModuleName: "Workspace", VersionTime: vt, Types: map[string]storage.TypeInfo{}, Funcs: map[string]storage.FuncInfo{}}
	require.NoError(t, s.WriteModuleRecords(ctx, mv))

	schemaRec := &storage.SchemaRecord{ModuleName: "Workspace", TypeName: "T", TypeVersion: "0.1", ModuleVersion: vt, MD5: "m1"}
	require.NoError(t, s.WriteTypeSchemaRecord(ctx, schemaRec))

	require.NoError(t, s.RollbackModuleVersion(ctx, "Workspace", vt))

	_, err = s.getModuleVersion("Workspace", vt)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetTypeSchemaRecord(ctx, "Workspace", "T", "0.1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	versions, err := s.AllVersions(ctx, "Workspace")
	require.NoError(t, err)
	_, stillPresent := versions[vt]
	assert.False(t, stillPresent)
}

// A rolled-back version must only prune its own entries out of the shared
// md5/all-versions/ref indices, not blow away entries a surviving,
// already-committed version still relies on.
func TestStore_RollbackModuleVersionPrunesSharedIndices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Workspace"))

	vt1, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)
	mv1 := &storage.ModuleVersion{ModuleName: "Workspace", VersionTime: vt1, Types: map[string]storage.TypeInfo{}, Funcs: map[string]storage.FuncInfo{}}
	require.NoError(t, s.WriteModuleRecords(ctx, mv1))
	require.NoError(t, s.WriteTypeSchemaRecord(ctx, &storage.SchemaRecord{ModuleName: "Workspace", TypeName: "T", TypeVersion: "0.1", ModuleVersion: vt1, MD5: "m1"}))

	vt2, err := s.GenerateNewVersion(ctx, "Workspace")
	require.NoError(t, err)
	mv2 := &storage.ModuleVersion{ModuleName: "Workspace", VersionTime: vt2, Types: map[string]storage.TypeInfo{}, Funcs: map[string]storage.FuncInfo{}}
	require.NoError(t, s.WriteModuleRecords(ctx, mv2))
	require.NoError(t, s.WriteTypeSchemaRecord(ctx, &storage.SchemaRecord{ModuleName: "Workspace", TypeName: "T", TypeVersion: "0.2", ModuleVersion: vt2, MD5: "m2"}))

	depRef := storage.RefInfo{DepName: "U", DepModule: "Workspace", DepModuleVersion: vt2, RefModule: "Workspace", RefName: "T", RefVersion: "0.2"}
	require.NoError(t, s.AddRefs(ctx, []storage.RefInfo{depRef}, nil))

	require.NoError(t, s.RollbackModuleVersion(ctx, "Workspace", vt2))

	// 0.1, committed under vt1, must still be fully queryable.
	_, err = s.GetTypeSchemaRecord(ctx, "Workspace", "T", "0.1")
	require.NoError(t, err)

	versions, err := s.GetAllTypeVersions(ctx, "Workspace", "T")
	require.NoError(t, err)
	_, stillIndexed := versions["0.1"]
	assert.True(t, stillIndexed)
	_, rolledBackStillIndexed := versions["0.2"]
	assert.False(t, rolledBackStillIndexed)

	byMD5, err := s.GetTypeVersionsByMd5(ctx, "Workspace", "T", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1"}, byMD5)

	byMD5, err = s.GetTypeVersionsByMd5(ctx, "Workspace", "T", "m2")
	require.NoError(t, err)
	assert.Empty(t, byMD5)

	refs, err := s.GetTypeRefsByRef(ctx, "Workspace", "T", "0.2")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestStore_AllRegisteredModulesFiltersUnsupported(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InitModuleRecord(ctx, "Active"))
	require.NoError(t, s.InitModuleRecord(ctx, "Retired"))
	require.NoError(t, s.ChangeSupportedState(ctx, "Retired", false))

	names, err := s.AllRegisteredModules(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Active"}, names)

	all, err := s.AllRegisteredModules(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Active", "Retired"}, all)
}
