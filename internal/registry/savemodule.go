package registry

import (
	"context"

	"tddb/internal/ast"
	"tddb/internal/parser"
	"tddb/internal/storage"
	"tddb/internal/version"
)

// componentChange is one typedef or funcdef whose compiled form differs
// from what is currently stored (spec.md §4.4 step 7).
type componentChange struct {
	name     string
	isFunc   bool
	newType  *ast.TypeNode // nil for funcdefs
	newFunc  *ast.FuncNode // nil for typedefs
	schema   []byte        // nil for funcdefs
	change   version.Change
	isNew    bool
	oldVer   string
}

// SaveModule runs the full save-module pipeline (spec.md §4.4).
func (c *Core) SaveModule(ctx context.Context, req SaveModuleRequest) (*SaveModuleResult, *Error) {
	if err := c.Owners.RequireMutate(ctx, req.Module, req.UserID); err != nil {
		return nil, wrapErr(KindNoSuchPrivilege, err, "user %q may not save module %q", req.UserID, req.Module)
	}
	exists, serr := c.Store.ModuleExists(ctx, req.Module)
	if serr != nil {
		return nil, wrapErr(KindTypeStorageError, serr, "checking module %q existence", req.Module)
	}
	if !exists {
		return nil, newErr(KindNoSuchModule, "module %q does not exist", req.Module)
	}
	supported, serr := c.Store.SupportedState(ctx, req.Module)
	if serr != nil {
		return nil, wrapErr(KindTypeStorageError, serr, "checking module %q supported state", req.Module)
	}
	if !supported {
		return nil, newErr(KindNoSuchModule, "module %q is retired", req.Module)
	}
	if req.ExpectedPreviousVersion != nil {
		cur, serr := c.Store.LastVersionIncludingUnreleased(ctx, req.Module)
		if serr != nil {
			return nil, wrapErr(KindTypeStorageError, serr, "loading current version of %q", req.Module)
		}
		if cur != *req.ExpectedPreviousVersion {
			return nil, newErr(KindConcurrentModification, "module %q changed since expectedPreviousVersion=%d (now %d)", req.Module, *req.ExpectedPreviousVersion, cur)
		}
	}

	// Step 1: rewrite includes.
	rewritten, includeNames, err := rewriteIncludes(req.SpecDocument)
	if err != nil {
		return nil, err
	}

	// Step 2: resolve include closure (outside the write lock, per spec.md
	// §5's ordering guarantee that dependency reads are released before
	// the write lock is acquired).
	resolved, err := c.resolveIncludeClosure(ctx, includeNames, req.ModuleVersionRestrictions)
	if err != nil {
		return nil, err
	}
	var includeSpecs []parser.IncludedSpec
	deps := make(map[string]depVersionInfo, len(resolved))
	includes := make(map[string]int64, len(resolved))
	for _, r := range resolved {
		includeSpecs = append(includeSpecs, r.spec)
		tv := make(map[string]string)
		mv, serr := c.Store.GetModuleVersion(ctx, r.name, r.versionTime)
		if serr != nil {
			return nil, wrapErr(KindTypeStorageError, serr, "reloading included module %q at %d", r.name, r.versionTime)
		}
		for typeName, ti := range mv.Types {
			tv[typeName] = ti.TypeVersion
		}
		deps[r.name] = depVersionInfo{versionTime: r.versionTime, typeVersion: tv}
		includes[r.name] = r.versionTime
	}

	// Step 3: compile.
	compiled, err := c.compile(rewritten, includeSpecs)
	if err != nil {
		return nil, err
	}
	if len(compiled.Service.Modules) != 1 {
		return nil, newErr(KindSpecParseError, "expected exactly one module, got %d", len(compiled.Service.Modules))
	}
	newModule := compiled.Module

	var result *SaveModuleResult
	lockErr := c.Locks.WithWriteLock(ctx, req.Module, func(ctx context.Context) error {
		r, serr := c.saveModuleLocked(ctx, req, rewritten, includes, newModule, compiled.JSONSchema, deps)
		if serr != nil {
			return serr
		}
		result = r
		return nil
	})
	if lockErr != nil {
		if e, ok := lockErr.(*Error); ok {
			return nil, e
		}
		return nil, wrapErr(KindDeadlockSuspected, lockErr, "acquiring write lock on %q", req.Module)
	}
	return result, nil
}

// saveModuleLocked runs steps 5-11 of the pipeline. It is called with the
// write lock held.
func (c *Core) saveModuleLocked(
	ctx context.Context,
	req SaveModuleRequest,
	rewrittenSpec string,
	includes map[string]int64,
	newModule *ast.Module,
	jsonSchemas map[string][]byte,
	deps map[string]depVersionInfo,
) (*SaveModuleResult, *Error) {
	// Step 5: load current ModuleInfo + compute new AST MD5.
	curVT, serr := c.Store.LastVersionIncludingUnreleased(ctx, req.Module)
	if serr != nil {
		return nil, wrapErr(KindTypeStorageError, serr, "loading current version of %q", req.Module)
	}
	curMV, serr := c.Store.GetModuleVersion(ctx, req.Module, curVT)
	if serr != nil {
		return nil, wrapErr(KindTypeStorageError, serr, "loading module version %d of %q", curVT, req.Module)
	}
	newMD5, aerr := ast.MD5Hex(newModule)
	if aerr != nil {
		return nil, wrapErr(KindSpecParseError, aerr, "hashing new AST for %q", req.Module)
	}

	oldSupportedTypes := map[string]bool{}
	for name, ti := range curMV.Types {
		if ti.Supported {
			oldSupportedTypes[name] = true
		}
	}
	oldSupportedFuncs := map[string]bool{}
	for name, fi := range curMV.Funcs {
		if fi.Supported {
			oldSupportedFuncs[name] = true
		}
	}

	// Step 6: validate caller-declared type lists.
	addedSet := map[string]bool{}
	for _, t := range req.AddedTypes {
		addedSet[t] = true
	}
	unregSet := map[string]bool{}
	for _, t := range req.UnregisteredTypes {
		unregSet[t] = true
	}
	for t := range unregSet {
		if !oldSupportedTypes[t] {
			return nil, newErr(KindSpecParseError, "unregisteredTypes contains %q which is not currently supported", t)
		}
	}
	for t := range addedSet {
		if oldSupportedTypes[t] {
			return nil, newErr(KindSpecParseError, "addedTypes contains %q which is already supported", t)
		}
		if unregSet[t] {
			return nil, newErr(KindSpecParseError, "%q appears in both addedTypes and unregisteredTypes", t)
		}
		comp := newModule.Find(t)
		if comp == nil || comp.Kind != ast.ComponentTypedef {
			return nil, newErr(KindSpecParseError, "addedTypes contains %q which is not a typedef in the new spec", t)
		}
	}

	registeredTypes := map[string]bool{}
	for t := range oldSupportedTypes {
		registeredTypes[t] = true
	}
	for t := range addedSet {
		registeredTypes[t] = true
	}
	for t := range unregSet {
		delete(registeredTypes, t)
	}

	newTypedefNames := map[string]bool{}
	for _, comp := range newModule.Typedefs() {
		newTypedefNames[comp.Name] = true
	}
	newFuncNames := map[string]bool{}
	for _, comp := range newModule.Funcdefs() {
		newFuncNames[comp.Name] = true
	}

	// Step 7: classify each component.
	var changes []componentChange
	var unregistered []string

	for name := range oldSupportedTypes {
		if registeredTypes[name] && newTypedefNames[name] {
			continue
		}
		if registeredTypes[name] {
			c.Log.Warn("type absent from new spec implicitly unregistered", "module", req.Module, "type", name)
		}
		unregistered = append(unregistered, name)
		changes = append(changes, componentChange{name: name, oldVer: curMV.Types[name].TypeVersion})
	}
	for _, comp := range newModule.Typedefs() {
		if !registeredTypes[comp.Name] {
			continue // auxiliary alias, not part of the registered surface
		}
		oldTI, existed := curMV.Types[comp.Name]
		isNew := !existed
		var oldNode *ast.TypeNode
		if existed {
			rec, serr := c.Store.GetTypeParseRecord(ctx, req.Module, comp.Name, oldTI.TypeVersion)
			if serr != nil {
				return nil, wrapErr(KindTypeStorageError, serr, "loading parse record for %s.%s", req.Module, comp.Name)
			}
			node, derr := decodeTypeNode(rec.Data)
			if derr != nil {
				return nil, wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", req.Module, comp.Name)
			}
			oldNode = node
		}
		newSchema := jsonSchemas[comp.Name]
		if !isNew {
			ch, verr := version.FindChange(oldNode, comp.Typedef)
			if verr != nil {
				return nil, wrapErr(KindSpecParseError, verr, "diffing type %s.%s", req.Module, comp.Name)
			}
			if ch == version.NoChange {
				oldSchema, serr := c.Store.GetTypeSchemaRecord(ctx, req.Module, comp.Name, oldTI.TypeVersion)
				if serr == nil && string(oldSchema.JSONSchema) == string(newSchema) {
					continue // step 7: skip, truly unchanged
				}
			}
			changes = append(changes, componentChange{name: comp.Name, newType: ast.CloneType(comp.Typedef), schema: newSchema, change: ch, oldVer: oldTI.TypeVersion})
			continue
		}
		changes = append(changes, componentChange{name: comp.Name, newType: ast.CloneType(comp.Typedef), schema: newSchema, isNew: true})
	}

	for name := range oldSupportedFuncs {
		if !newFuncNames[name] {
			c.Log.Warn("function absent from new spec implicitly unregistered", "module", req.Module, "func", name)
			changes = append(changes, componentChange{name: name, isFunc: true, oldVer: curMV.Funcs[name].FuncVersion})
		}
	}
	for _, comp := range newModule.Funcdefs() {
		oldFI, existed := curMV.Funcs[comp.Name]
		isNew := !existed
		var oldNode *ast.FuncNode
		if existed {
			rec, serr := c.Store.GetFuncParseRecord(ctx, req.Module, comp.Name, oldFI.FuncVersion)
			if serr != nil {
				return nil, wrapErr(KindTypeStorageError, serr, "loading parse record for %s.%s", req.Module, comp.Name)
			}
			node, derr := decodeFuncNode(rec.Data)
			if derr != nil {
				return nil, wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", req.Module, comp.Name)
			}
			oldNode = node
		}
		if !isNew {
			ch, verr := version.FindFuncChange(oldNode, comp.Funcdef)
			if verr != nil {
				return nil, wrapErr(KindSpecParseError, verr, "diffing func %s.%s", req.Module, comp.Name)
			}
			if ch == version.NoChange {
				continue
			}
			changes = append(changes, componentChange{name: comp.Name, isFunc: true, newFunc: ast.CloneFunc(comp.Funcdef), change: ch, oldVer: oldFI.FuncVersion})
			continue
		}
		changes = append(changes, componentChange{name: comp.Name, isFunc: true, newFunc: ast.CloneFunc(comp.Funcdef), isNew: true})
	}

	// Step 8: reference extraction, only for changed/added, non-deleted
	// components.
	walker := &refWalker{newModule: newModule, registered: registeredTypes, deps: deps}
	var typeRefs, funcRefs []storage.RefInfo
	for _, ch := range changes {
		if ch.isFunc {
			if ch.newFunc == nil {
				continue // deletion tombstone, nothing to walk
			}
			refs, rerr := walker.collectFunc(ch.name, ch.newFunc)
			if rerr != nil {
				return nil, rerr
			}
			funcRefs = append(funcRefs, refs...)
			continue
		}
		refs, rerr := walker.collect(ch.name, false, ch.newType)
		if rerr != nil {
			return nil, rerr
		}
		typeRefs = append(typeRefs, refs...)
	}

	// Step 9: no-op short-circuit.
	if curMV.ASTMd5 == newMD5 && includesEqual(curMV.Includes, includes) && len(changes) == 0 {
		if curMV.Spec == rewrittenSpec {
			return nil, newErr(KindSpecParseError, "no difference")
		}
	}

	if req.DryRun {
		return c.buildResult(req.Module, curVT, changes, unregistered), nil
	}

	// Step 10: commit.
	return c.commit(ctx, req, rewrittenSpec, newMD5, includes, curMV, changes, typeRefs, funcRefs, unregistered)
}

func includesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (c *Core) buildResult(module string, vt int64, changes []componentChange, unregistered []string) *SaveModuleResult {
	res := &SaveModuleResult{Module: module, VersionTime: vt, Types: map[string]string{}, Funcs: map[string]string{}, Unregistered: unregistered}
	for _, ch := range changes {
		if ch.isFunc {
			continue
		}
		res.Types[ch.name] = ch.oldVer
	}
	return res
}
