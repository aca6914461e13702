package registry

import (
	"context"

	"tddb/internal/ast"
	"tddb/internal/storage"
	"tddb/internal/version"
)

// RequestModuleRegistration queues a new-module request, read-locking the
// (as yet unregistered) module name to serialize competing requests
// (spec.md §4.4 "Registration requests").
func (c *Core) RequestModuleRegistration(ctx context.Context, module, userID string) *Error {
	err := c.Locks.WithReadLock(ctx, module, false, func(ctx context.Context) error {
		exists, serr := c.Store.ModuleExists(ctx, module)
		if serr != nil {
			return serr
		}
		if exists {
			return newErr(KindSpecParseError, "module %q is already registered", module)
		}
		return c.Store.AddNewModuleRegistrationRequest(ctx, module, userID)
	})
	return toErr(err, KindTypeStorageError, "requesting registration of %q", module)
}

// ApproveModuleRegistrationRequest materializes the initial ModuleVersion
// (empty, released=true, requester as sole owner with change-owners
// privilege) and removes the request. Admin only.
func (c *Core) ApproveModuleRegistrationRequest(ctx context.Context, module, adminID string) *Error {
	if err := c.Owners.RequireAdmin(ctx, adminID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not approve module registrations", adminID)
	}
	requester, serr := c.Store.GetOwnerForNewModuleRegistrationRequest(ctx, module)
	if serr != nil {
		return wrapErr(KindNoSuchModule, serr, "no pending registration request for %q", module)
	}

	err := c.Locks.WithWriteLock(ctx, module, func(ctx context.Context) error {
		if err := c.Store.InitModuleRecord(ctx, module); err != nil {
			return err
		}
		if err := c.Store.AddOwnerToModule(ctx, module, requester, true); err != nil {
			return err
		}
		return c.Store.RemoveNewModuleRegistrationRequest(ctx, module)
	})
	if err != nil {
		return toErr(err, KindTypeStorageError, "approving registration of %q", module)
	}
	c.Locks.Register(module)
	return nil
}

// RefuseModuleRegistrationRequest drops a pending request. Admin only.
func (c *Core) RefuseModuleRegistrationRequest(ctx context.Context, module, adminID string) *Error {
	if err := c.Owners.RequireAdmin(ctx, adminID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not refuse module registrations", adminID)
	}
	if err := c.Store.RemoveNewModuleRegistrationRequest(ctx, module); err != nil {
		return wrapErr(KindTypeStorageError, err, "refusing registration of %q", module)
	}
	return nil
}

// ReleaseModule promotes every major==0 type/func of the latest committed
// version to 1.0, re-saving their schema/parse records under a new
// versionTime, then marks the (possibly new) version released. If no
// major==0 entity exists, it just marks the existing latest version
// released without minting a new versionTime (spec.md §4.4 "Release").
func (c *Core) ReleaseModule(ctx context.Context, module, userID string) *Error {
	if err := c.Owners.RequireMutate(ctx, module, userID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not release module %q", userID, module)
	}

	var result *Error
	lockErr := c.Locks.WithWriteLock(ctx, module, func(ctx context.Context) error {
		result = c.releaseModuleLocked(ctx, module)
		if result != nil {
			return result
		}
		return nil
	})
	if lockErr != nil && result == nil {
		return toErr(lockErr, KindDeadlockSuspected, "acquiring write lock on %q", module)
	}
	return result
}

func (c *Core) releaseModuleLocked(ctx context.Context, module string) *Error {
	curVT, serr := c.Store.LastVersionIncludingUnreleased(ctx, module)
	if serr != nil {
		return wrapErr(KindTypeStorageError, serr, "loading current version of %q", module)
	}
	curMV, serr := c.Store.GetModuleVersion(ctx, module, curVT)
	if serr != nil {
		return wrapErr(KindTypeStorageError, serr, "loading module version %d of %q", curVT, module)
	}

	type bump struct {
		name     string
		isFunc   bool
		newVer   string
		typeNode *ast.TypeNode
		funcNode *ast.FuncNode
		schema   []byte
	}
	var bumps []bump

	for name, ti := range curMV.Types {
		if !ti.Supported {
			continue
		}
		v, err := version.Parse(ti.TypeVersion)
		if err != nil {
			return wrapErr(KindTypeStorageError, err, "parsing stored version for %s.%s", module, name)
		}
		if v.Major != 0 {
			continue
		}
		rec, serr := c.Store.GetTypeParseRecord(ctx, module, name, ti.TypeVersion)
		if serr != nil {
			return wrapErr(KindTypeStorageError, serr, "loading parse record for %s.%s", module, name)
		}
		node, derr := decodeTypeNode(rec.Data)
		if derr != nil {
			return wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", module, name)
		}
		schema, serr := c.Store.GetTypeSchemaRecord(ctx, module, name, ti.TypeVersion)
		if serr != nil {
			return wrapErr(KindTypeStorageError, serr, "loading schema record for %s.%s", module, name)
		}
		bumps = append(bumps, bump{name: name, newVer: "1.0", typeNode: node, schema: schema.JSONSchema})
	}
	for name, fi := range curMV.Funcs {
		if !fi.Supported {
			continue
		}
		v, err := version.Parse(fi.FuncVersion)
		if err != nil {
			return wrapErr(KindTypeStorageError, err, "parsing stored version for %s.%s", module, name)
		}
		if v.Major != 0 {
			continue
		}
		rec, serr := c.Store.GetFuncParseRecord(ctx, module, name, fi.FuncVersion)
		if serr != nil {
			return wrapErr(KindTypeStorageError, serr, "loading parse record for %s.%s", module, name)
		}
		node, derr := decodeFuncNode(rec.Data)
		if derr != nil {
			return wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", module, name)
		}
		bumps = append(bumps, bump{name: name, isFunc: true, newVer: "1.0", funcNode: node})
	}

	if len(bumps) == 0 {
		if err := c.Store.SetReleaseVersion(ctx, module, curVT); err != nil {
			return wrapErr(KindTypeStorageError, err, "marking %q released", module)
		}
		return nil
	}

	vt, serr := c.Store.GenerateNewVersion(ctx, module)
	if serr != nil {
		return wrapErr(KindTypeStorageError, serr, "generating release version for %q", module)
	}

	mv := &storage.ModuleVersion{
		ModuleName: module, VersionTime: vt, Spec: curMV.Spec, ASTMd5: curMV.ASTMd5,
		Released: true, Includes: curMV.Includes,
		Types: map[string]storage.TypeInfo{}, Funcs: map[string]storage.FuncInfo{},
	}
	for name, ti := range curMV.Types {
		mv.Types[name] = ti
	}
	for name, fi := range curMV.Funcs {
		mv.Funcs[name] = fi
	}

	commitErr := func() error {
		for _, bp := range bumps {
			if bp.isFunc {
				data, err := encodeFuncNode(bp.funcNode)
				if err != nil {
					return err
				}
				if err := c.Store.WriteFuncParseRecord(ctx, &storage.ParseRecord{ModuleName: module, Name: bp.name, Version: bp.newVer, ModuleVersion: vt, IsFunc: true, Data: data}); err != nil {
					return err
				}
				mv.Funcs[bp.name] = storage.FuncInfo{FuncName: bp.name, FuncVersion: bp.newVer, Supported: true}
				continue
			}
			data, err := encodeTypeNode(bp.typeNode)
			if err != nil {
				return err
			}
			if err := c.Store.WriteTypeParseRecord(ctx, &storage.ParseRecord{ModuleName: module, Name: bp.name, Version: bp.newVer, ModuleVersion: vt, Data: data}); err != nil {
				return err
			}
			if err := c.Store.WriteTypeSchemaRecord(ctx, &storage.SchemaRecord{ModuleName: module, TypeName: bp.name, TypeVersion: bp.newVer, ModuleVersion: vt, JSONSchema: bp.schema, MD5: ast.MD5HexOfBytes(bp.schema)}); err != nil {
				return err
			}
			mv.Types[bp.name] = storage.TypeInfo{TypeName: bp.name, TypeVersion: bp.newVer, Supported: true}
		}
		if err := c.Store.WriteModuleRecords(ctx, mv); err != nil {
			return err
		}
		return c.Store.SetReleaseVersion(ctx, module, vt)
	}()
	if commitErr != nil {
		if rbErr := c.Store.RollbackModuleVersion(ctx, module, vt); rbErr != nil {
			c.Log.Error("rollback failed after release error", "module", module, "versionTime", vt, "commitError", commitErr, "rollbackError", rbErr)
		}
		return wrapErr(KindTypeStorageError, commitErr, "releasing %q", module)
	}
	return nil
}

// StopModuleSupport retires a module (admin only).
func (c *Core) StopModuleSupport(ctx context.Context, module, adminID string) *Error {
	return c.flipSupport(ctx, module, adminID, false)
}

// ResumeModuleSupport un-retires a module (admin only).
func (c *Core) ResumeModuleSupport(ctx context.Context, module, adminID string) *Error {
	return c.flipSupport(ctx, module, adminID, true)
}

func (c *Core) flipSupport(ctx context.Context, module, adminID string, supported bool) *Error {
	if err := c.Owners.RequireAdmin(ctx, adminID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not change support state of %q", adminID, module)
	}
	err := c.Locks.WithWriteLock(ctx, module, func(ctx context.Context) error {
		return c.Store.ChangeSupportedState(ctx, module, supported)
	})
	return toErr(err, KindTypeStorageError, "changing support state of %q", module)
}

// RemoveModule hard-deletes a module (admin only).
func (c *Core) RemoveModule(ctx context.Context, module, adminID string) *Error {
	if err := c.Owners.RequireAdmin(ctx, adminID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not remove %q", adminID, module)
	}
	err := c.Locks.WithWriteLock(ctx, module, func(ctx context.Context) error {
		return c.Store.RemoveModule(ctx, module)
	})
	if err == nil {
		c.Locks.Unregister(module)
	}
	return toErr(err, KindTypeStorageError, "removing %q", module)
}

// AddOwner adds userID as an owner of module, requiring the caller to hold
// change-owners-or-admin privilege.
func (c *Core) AddOwner(ctx context.Context, module, callerID, userID string, changeOwners bool) *Error {
	if err := c.Owners.RequireChangeOwners(ctx, module, callerID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not change owners of %q", callerID, module)
	}
	if err := c.Store.AddOwnerToModule(ctx, module, userID, changeOwners); err != nil {
		return wrapErr(KindTypeStorageError, err, "adding owner %q to %q", userID, module)
	}
	return nil
}

// RemoveOwner removes userID as an owner of module.
func (c *Core) RemoveOwner(ctx context.Context, module, callerID, userID string) *Error {
	if err := c.Owners.RequireChangeOwners(ctx, module, callerID); err != nil {
		return wrapErr(KindNoSuchPrivilege, err, "user %q may not change owners of %q", callerID, module)
	}
	if err := c.Store.RemoveOwnerFromModule(ctx, module, userID); err != nil {
		return wrapErr(KindTypeStorageError, err, "removing owner %q from %q", userID, module)
	}
	return nil
}

func toErr(err error, kind ErrorKind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return wrapErr(kind, err, format, args...)
}
