// Package storage defines the Storage Port: the persistence contract the
// Registry Core composes into logical transactions (spec.md §4.2). All
// individual operations are single-key atomic; the Port implementation is
// not required to offer cross-key atomicity.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors a Port implementation should return (wrapped is fine, as
// long as errors.Is matches) so the Registry Core can distinguish "not
// found" from other failures without string matching.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrAlreadyExists    = errors.New("storage: already exists")
	ErrConcurrentWriter = errors.New("storage: a module version is already in flight")
)

// Module is the top-level registry record for a named module.
type Module struct {
	Name      string
	Supported bool
}

// ModuleVersion is one committed snapshot of a module (spec.md §3).
type ModuleVersion struct {
	ModuleName  string
	VersionTime int64 // monotonic, unique per module
	Spec        string
	ASTMd5      string
	Description string
	UploaderID  string
	UploadMethod string
	UploadComment string
	Released    bool
	Includes    map[string]int64 // depModuleName -> depVersionTime
	Types       map[string]TypeInfo
	Funcs       map[string]FuncInfo
}

// TypeInfo is a versioned type entry inside a ModuleVersion (spec.md §3).
type TypeInfo struct {
	TypeName   string
	TypeVersion string // "<major>.<minor>"
	Supported  bool
}

// FuncInfo is a versioned function entry inside a ModuleVersion.
type FuncInfo struct {
	FuncName    string
	FuncVersion string
	Supported   bool
}

// SchemaRecord is an immutable compiled-schema record (spec.md §3).
type SchemaRecord struct {
	ModuleName    string
	TypeName      string
	TypeVersion   string
	ModuleVersion int64
	JSONSchema    []byte
	MD5           string
}

// ParseRecord is the immutable AST fragment for one type or function at a
// specific version (spec.md §3). Data holds the JSON-encoded ast.TypeNode
// or ast.FuncNode, kept opaque at the storage layer.
type ParseRecord struct {
	ModuleName    string
	Name          string
	Version       string
	ModuleVersion int64
	IsFunc        bool
	Data          []byte
}

// RefInfo is a directed dependency edge (spec.md §3).
type RefInfo struct {
	DepModule        string
	DepName          string
	DepVersion       string
	DepModuleVersion int64
	RefModule        string
	RefName          string
	RefVersion       string
	IsFunc           bool // true when DepName identifies a funcdef, not a typedef
}

// OwnerRecord records one user's privilege over a module (spec.md §3).
type OwnerRecord struct {
	ModuleName          string
	UserID              string
	ChangeOwnersAllowed bool
}

// RegistrationRequest is a pending new-module registration (spec.md §4.4
// "Registration requests").
type RegistrationRequest struct {
	ModuleName string
	UserID     string
	Requested  time.Time
}

// Port is the full Storage Port contract (spec.md §4.2).
type Port interface {
	// Module
	ModuleExists(ctx context.Context, module string) (bool, error)
	InitModuleRecord(ctx context.Context, module string) error
	AllVersions(ctx context.Context, module string) (map[int64]bool, error) // versionTime -> released
	LastReleasedVersion(ctx context.Context, module string) (int64, error)
	LastVersionIncludingUnreleased(ctx context.Context, module string) (int64, error)
	GetModuleVersion(ctx context.Context, module string, versionTime int64) (*ModuleVersion, error)
	GenerateNewVersion(ctx context.Context, module string) (int64, error)
	WriteModuleRecords(ctx context.Context, info *ModuleVersion) error
	SetReleaseVersion(ctx context.Context, module string, versionTime int64) error
	RemoveVersionIfNotCurrent(ctx context.Context, module string, versionTime int64) error
	SupportedState(ctx context.Context, module string) (bool, error)
	ChangeSupportedState(ctx context.Context, module string, supported bool) error
	RemoveModule(ctx context.Context, module string) error
	AllRegisteredModules(ctx context.Context, includeRetired bool) ([]string, error)

	// Type / Func
	WriteTypeSchemaRecord(ctx context.Context, rec *SchemaRecord) error
	WriteTypeParseRecord(ctx context.Context, rec *ParseRecord) error
	WriteFuncParseRecord(ctx context.Context, rec *ParseRecord) error
	GetTypeSchemaRecord(ctx context.Context, module, typeName, typeVersion string) (*SchemaRecord, error)
	GetTypeParseRecord(ctx context.Context, module, typeName, typeVersion string) (*ParseRecord, error)
	GetFuncParseRecord(ctx context.Context, module, funcName, funcVersion string) (*ParseRecord, error)
	CheckTypeSchemaRecordExists(ctx context.Context, module, typeName, typeVersion string) (bool, error)
	GetAllTypeVersions(ctx context.Context, module, typeName string) (map[string]bool, error) // version -> released
	GetTypeVersionsByMd5(ctx context.Context, module, typeName, md5 string) ([]string, error)
	GetTypeMd5(ctx context.Context, module, typeName, typeVersion string) (string, error)

	// Refs
	AddRefs(ctx context.Context, typeRefs, funcRefs []RefInfo) error
	GetTypeRefsByDep(ctx context.Context, module, typeName, typeVersion string) ([]RefInfo, error)
	GetTypeRefsByRef(ctx context.Context, module, typeName, typeVersion string) ([]RefInfo, error)
	GetFuncRefsByDep(ctx context.Context, module, funcName, funcVersion string) ([]RefInfo, error)
	GetFuncRefsByRef(ctx context.Context, module, funcName, funcVersion string) ([]RefInfo, error)
	GetModuleVersionsForTypeVersion(ctx context.Context, module, typeName, typeVersion string) ([]int64, error)

	// Owners / requests
	GetOwnersForModule(ctx context.Context, module string) ([]OwnerRecord, error)
	AddOwnerToModule(ctx context.Context, module, userID string, changeOwners bool) error
	RemoveOwnerFromModule(ctx context.Context, module, userID string) error
	GetModulesForOwner(ctx context.Context, userID string) ([]string, error)
	AddNewModuleRegistrationRequest(ctx context.Context, module, userID string) error
	GetNewModuleRegistrationRequests(ctx context.Context) ([]RegistrationRequest, error)
	GetOwnerForNewModuleRegistrationRequest(ctx context.Context, module string) (string, error)
	RemoveNewModuleRegistrationRequest(ctx context.Context, module string) error

	// Transactions: delete every record stamped with versionTime and
	// restore the module's head pointer to the previous versionTime
	// (spec.md §4.2, "rollback a module version").
	RollbackModuleVersion(ctx context.Context, module string, versionTime int64) error
}
