package registry

import (
	"context"

	"tddb/internal/ast"
	"tddb/internal/storage"
	"tddb/internal/version"
)

// finalizedChange is a componentChange with its assigned version, ready to
// be persisted.
type finalizedChange struct {
	componentChange
	newVersion string
	tombstone  bool
}

// commit runs spec.md §4.4 step 10: generate a new versionTime, persist
// every changed/added component (or a tombstone for a deletion), finalize
// ref versions, write the module record, and roll back everything stamped
// with the new versionTime if any step fails.
func (c *Core) commit(
	ctx context.Context,
	req SaveModuleRequest,
	rewrittenSpec, newMD5 string,
	includes map[string]int64,
	curMV *storage.ModuleVersion,
	changes []componentChange,
	typeRefs, funcRefs []storage.RefInfo,
	unregistered []string,
) (*SaveModuleResult, *Error) {
	vt, serr := c.Store.GenerateNewVersion(ctx, req.Module)
	if serr != nil {
		return nil, wrapErr(KindTypeStorageError, serr, "generating new version for %q", req.Module)
	}

	finalized, allTypeVersions := c.finalizeVersions(curMV, changes)

	for i := range typeRefs {
		finalizeRef(&typeRefs[i], req.Module, vt, finalized, allTypeVersions)
	}
	for i := range funcRefs {
		finalizeRef(&funcRefs[i], req.Module, vt, finalized, allTypeVersions)
	}

	if err := c.writeCommit(ctx, req, vt, curMV, rewrittenSpec, newMD5, includes, finalized, typeRefs, funcRefs); err != nil {
		if rbErr := c.Store.RollbackModuleVersion(ctx, req.Module, vt); rbErr != nil {
			c.Log.Error("rollback failed after commit error", "module", req.Module, "versionTime", vt, "commitError", err, "rollbackError", rbErr)
		}
		return nil, wrapErr(KindTypeStorageError, err, "committing version %d of %q", vt, req.Module)
	}

	result := &SaveModuleResult{Module: req.Module, VersionTime: vt, Types: map[string]string{}, Funcs: map[string]string{}, Unregistered: unregistered}
	for _, f := range finalized {
		if f.isFunc {
			if !f.tombstone {
				result.Funcs[f.name] = f.newVersion
			}
			continue
		}
		if !f.tombstone {
			result.Types[f.name] = f.newVersion
		}
	}
	return result, nil
}

// finalizeVersions assigns the next semantic version to every non-deleted
// change (spec.md §4.3 "change -> version mapping") and returns both the
// per-change list and a name -> version snapshot covering every type in
// the new module (for filling in same-module ref placeholders).
func (c *Core) finalizeVersions(curMV *storage.ModuleVersion, changes []componentChange) ([]finalizedChange, map[string]string) {
	allTypeVersions := map[string]string{}
	for name, ti := range curMV.Types {
		allTypeVersions[name] = ti.TypeVersion
	}

	finalized := make([]finalizedChange, 0, len(changes))
	for _, ch := range changes {
		if ch.isFunc {
			if ch.newFunc == nil {
				finalized = append(finalized, finalizedChange{componentChange: ch, newVersion: ch.oldVer, tombstone: true})
				continue
			}
			var prev version.Version
			if !ch.isNew {
				prev = version.MustParse(ch.oldVer)
			}
			nv := version.NextVersion(prev, ch.isNew, ch.change)
			finalized = append(finalized, finalizedChange{componentChange: ch, newVersion: nv.String()})
			continue
		}

		if ch.newType == nil {
			finalized = append(finalized, finalizedChange{componentChange: ch, newVersion: ch.oldVer, tombstone: true})
			continue
		}
		var prev version.Version
		if !ch.isNew {
			prev = version.MustParse(ch.oldVer)
		}
		nv := version.NextVersion(prev, ch.isNew, ch.change)
		allTypeVersions[ch.name] = nv.String()
		finalized = append(finalized, finalizedChange{componentChange: ch, newVersion: nv.String()})
	}
	return finalized, allTypeVersions
}

func finalizeRef(r *storage.RefInfo, module string, vt int64, finalized []finalizedChange, allTypeVersions map[string]string) {
	r.DepModule = module
	r.DepModuleVersion = vt
	for _, f := range finalized {
		if f.name == r.DepName && f.isFunc == r.IsFunc {
			r.DepVersion = f.newVersion
			break
		}
	}
	if r.RefModule == "" {
		r.RefModule = module
		if r.RefVersion == "" {
			r.RefVersion = allTypeVersions[r.RefName]
		}
	}
}

func (c *Core) writeCommit(
	ctx context.Context,
	req SaveModuleRequest,
	vt int64,
	curMV *storage.ModuleVersion,
	rewrittenSpec, newMD5 string,
	includes map[string]int64,
	finalized []finalizedChange,
	typeRefs, funcRefs []storage.RefInfo,
) error {
	module := req.Module
	mv := &storage.ModuleVersion{
		ModuleName:    module,
		VersionTime:   vt,
		Spec:          rewrittenSpec,
		ASTMd5:        newMD5,
		UploaderID:    req.UserID,
		UploadMethod:  req.UploadMethod,
		UploadComment: req.UploadComment,
		Released:      false,
		Includes:      includes,
		Types:         map[string]storage.TypeInfo{},
		Funcs:         map[string]storage.FuncInfo{},
	}
	for name, ti := range curMV.Types {
		mv.Types[name] = ti
	}
	for name, fi := range curMV.Funcs {
		mv.Funcs[name] = fi
	}

	for _, f := range finalized {
		if f.isFunc {
			if f.tombstone {
				mv.Funcs[f.name] = storage.FuncInfo{FuncName: f.name, FuncVersion: f.newVersion, Supported: false}
				continue
			}
			data, err := encodeFuncNode(f.newFunc)
			if err != nil {
				return err
			}
			if err := c.Store.WriteFuncParseRecord(ctx, &storage.ParseRecord{ModuleName: module, Name: f.name, Version: f.newVersion, ModuleVersion: vt, IsFunc: true, Data: data}); err != nil {
				return err
			}
			mv.Funcs[f.name] = storage.FuncInfo{FuncName: f.name, FuncVersion: f.newVersion, Supported: true}
			continue
		}

		if f.tombstone {
			mv.Types[f.name] = storage.TypeInfo{TypeName: f.name, TypeVersion: f.newVersion, Supported: false}
			continue
		}
		data, err := encodeTypeNode(f.newType)
		if err != nil {
			return err
		}
		if err := c.Store.WriteTypeParseRecord(ctx, &storage.ParseRecord{ModuleName: module, Name: f.name, Version: f.newVersion, ModuleVersion: vt, Data: data}); err != nil {
			return err
		}
		md5 := ast.MD5HexOfBytes(f.schema)
		if err := c.Store.WriteTypeSchemaRecord(ctx, &storage.SchemaRecord{ModuleName: module, TypeName: f.name, TypeVersion: f.newVersion, ModuleVersion: vt, JSONSchema: f.schema, MD5: md5}); err != nil {
			return err
		}
		mv.Types[f.name] = storage.TypeInfo{TypeName: f.name, TypeVersion: f.newVersion, Supported: true}
	}

	if err := c.Store.WriteModuleRecords(ctx, mv); err != nil {
		return err
	}
	if len(typeRefs) > 0 || len(funcRefs) > 0 {
		if err := c.Store.AddRefs(ctx, typeRefs, funcRefs); err != nil {
			return err
		}
	}
	return nil
}
