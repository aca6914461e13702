package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"tddb/internal/storage"
	"tddb/internal/version"
)

// TypeDefId identifies a type for a read operation (spec.md §6): always a
// module and a name, plus an optional version qualifier (at most one of
// MD5, Major-only, or Major+Minor is set).
type TypeDefId struct {
	Module string
	Name   string
	MD5    string
	Major  *int
	Minor  *int
}

// ParseTypeDefId parses "module.name" optionally suffixed
// "-<ver>" where <ver> is "<major>", "<major>.<minor>", or an MD5 hex
// string (spec.md §6).
func ParseTypeDefId(s string) (TypeDefId, error) {
	qualifier := ""
	rest := s
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		rest, qualifier = s[:i], s[i+1:]
	}
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return TypeDefId{}, fmt.Errorf("registry: malformed type id %q, expected \"module.name\"", s)
	}
	id := TypeDefId{Module: rest[:dot], Name: rest[dot+1:]}
	if qualifier == "" {
		return id, nil
	}
	if isHexMD5(qualifier) {
		id.MD5 = qualifier
		return id, nil
	}
	parts := strings.SplitN(qualifier, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return TypeDefId{}, fmt.Errorf("registry: malformed version qualifier %q in type id %q", qualifier, s)
	}
	id.Major = &major
	if len(parts) == 2 {
		minor, err := strconv.Atoi(parts[1])
		if err != nil || minor < 0 {
			return TypeDefId{}, fmt.Errorf("registry: malformed version qualifier %q in type id %q", qualifier, s)
		}
		id.Minor = &minor
	}
	return id, nil
}

func isHexMD5(s string) bool {
	if len(s) != hex.EncodedLen(md5.Size) {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ResolvedType is what ResolveType returns: the absolute version it landed
// on and that version's stored JSON schema and its MD5.
type ResolvedType struct {
	Module      string
	Name        string
	Version     string
	JSONSchema  []byte
	SchemaMD5   string
}

// ResolveType applies the TypeDefId priority order from spec.md §4.5 in a
// single ordered switch: MD5 (highest matching version) > exact
// major.minor > highest released major.x > latest supported version of
// the type in the latest released module.
func (c *Core) ResolveType(ctx context.Context, id TypeDefId) (*ResolvedType, *Error) {
	var out *ResolvedType
	err := c.Locks.WithReadLock(ctx, id.Module, true, func(ctx context.Context) error {
		supported, serr := c.Store.SupportedState(ctx, id.Module)
		if serr != nil {
			return wrapErr(KindTypeStorageError, serr, "checking module %q supported state", id.Module)
		}
		if !supported {
			return newErr(KindNoSuchModule, "module %q is retired", id.Module)
		}

		var ver string
		switch {
		case id.MD5 != "":
			versions, serr := c.Store.GetTypeVersionsByMd5(ctx, id.Module, id.Name, id.MD5)
			if serr != nil {
				return wrapErr(KindTypeStorageError, serr, "looking up %s.%s by md5", id.Module, id.Name)
			}
			if len(versions) == 0 {
				return newErr(KindNoSuchType, "no version of %s.%s has md5 %s", id.Module, id.Name, id.MD5)
			}
			ver = highestVersion(versions)

		case id.Major != nil && id.Minor != nil:
			ver = fmt.Sprintf("%d.%d", *id.Major, *id.Minor)
			exists, serr := c.Store.CheckTypeSchemaRecordExists(ctx, id.Module, id.Name, ver)
			if serr != nil {
				return wrapErr(KindTypeStorageError, serr, "checking %s.%s-%s", id.Module, id.Name, ver)
			}
			if !exists {
				return newErr(KindNoSuchType, "%s.%s has no version %s", id.Module, id.Name, ver)
			}

		case id.Major != nil:
			allVersions, serr := c.Store.GetAllTypeVersions(ctx, id.Module, id.Name)
			if serr != nil {
				return wrapErr(KindTypeStorageError, serr, "listing versions of %s.%s", id.Module, id.Name)
			}
			best, ok := highestReleasedMajor(allVersions, *id.Major)
			if !ok {
				return newErr(KindNoSuchType, "%s.%s has no released version with major %d", id.Module, id.Name, *id.Major)
			}
			ver = best

		default:
			latestVT, serr := c.Store.LastReleasedVersion(ctx, id.Module)
			if serr != nil {
				return wrapErr(KindTypeStorageError, serr, "loading latest released version of %q", id.Module)
			}
			mv, serr := c.Store.GetModuleVersion(ctx, id.Module, latestVT)
			if serr != nil {
				return wrapErr(KindTypeStorageError, serr, "loading module version %d of %q", latestVT, id.Module)
			}
			ti, ok := mv.Types[id.Name]
			if !ok || !ti.Supported {
				return newErr(KindNoSuchType, "%s.%s is not supported in the latest released version of %q", id.Module, id.Name, id.Module)
			}
			ver = ti.TypeVersion
		}

		schema, serr := c.Store.GetTypeSchemaRecord(ctx, id.Module, id.Name, ver)
		if serr != nil {
			return wrapErr(KindNoSuchType, serr, "loading schema for %s.%s-%s", id.Module, id.Name, ver)
		}
		out = &ResolvedType{Module: id.Module, Name: id.Name, Version: ver, JSONSchema: schema.JSONSchema, SchemaMD5: schema.MD5}
		return nil
	})
	if err != nil {
		return nil, toErr(err, KindTypeStorageError, "resolving type %s.%s", id.Module, id.Name)
	}
	return out, nil
}

func highestVersion(versions []string) string {
	best := version.Zero
	bestStr := versions[0]
	for _, s := range versions {
		v, err := version.Parse(s)
		if err != nil {
			continue
		}
		if v.Compare(best) >= 0 {
			best = v
			bestStr = s
		}
	}
	return bestStr
}

// highestReleasedMajor returns the highest "<major>.x" among the given
// versions that are marked released, filtered to the requested major.
func highestReleasedMajor(versions map[string]bool, major int) (string, bool) {
	best := -1
	bestStr := ""
	for s, released := range versions {
		v, err := version.Parse(s)
		if err != nil || v.Major != major || !released {
			continue
		}
		if v.Minor > best {
			best = v.Minor
			bestStr = s
		}
	}
	return bestStr, best >= 0
}

// GetModuleInfo returns the module's ModuleVersion at the given
// versionTime, or its latest released version if versionTime is 0.
// Querying the latest *unreleased* version (versionTime < 0) is
// admin-only (spec.md §4.6).
func (c *Core) GetModuleInfo(ctx context.Context, module, callerID string, versionTime int64) (*storage.ModuleVersion, *Error) {
	if versionTime < 0 {
		if err := c.Owners.RequireAdmin(ctx, callerID); err != nil {
			return nil, wrapErr(KindNoSuchPrivilege, err, "user %q may not query the unreleased latest version of %q", callerID, module)
		}
	}
	var out *storage.ModuleVersion
	err := c.Locks.WithReadLock(ctx, module, true, func(ctx context.Context) error {
		vt := versionTime
		switch {
		case vt < 0:
			var serr error
			vt, serr = c.Store.LastVersionIncludingUnreleased(ctx, module)
			if serr != nil {
				return serr
			}
		case vt == 0:
			var serr error
			vt, serr = c.Store.LastReleasedVersion(ctx, module)
			if serr != nil {
				return serr
			}
		}
		mv, serr := c.Store.GetModuleVersion(ctx, module, vt)
		if serr != nil {
			return serr
		}
		out = mv
		return nil
	})
	return out, toErr(err, KindTypeStorageError, "loading module info for %q", module)
}

// GetSchemaDocument returns the JSON schema document for an exact
// (module, typeName, typeVersion) triple.
func (c *Core) GetSchemaDocument(ctx context.Context, module, typeName, typeVersion string) ([]byte, *Error) {
	var out []byte
	err := c.Locks.WithReadLock(ctx, module, true, func(ctx context.Context) error {
		rec, serr := c.Store.GetTypeSchemaRecord(ctx, module, typeName, typeVersion)
		if serr != nil {
			return serr
		}
		out = rec.JSONSchema
		return nil
	})
	return out, toErr(err, KindNoSuchType, "loading schema document for %s.%s-%s", module, typeName, typeVersion)
}

// GetParsingDocument returns the stored AST parse-record bytes for an
// exact (module, name, version) triple, either a type or a function.
func (c *Core) GetParsingDocument(ctx context.Context, module, name, ver string, isFunc bool) ([]byte, *Error) {
	var out []byte
	err := c.Locks.WithReadLock(ctx, module, true, func(ctx context.Context) error {
		var rec *storage.ParseRecord
		var serr error
		if isFunc {
			rec, serr = c.Store.GetFuncParseRecord(ctx, module, name, ver)
		} else {
			rec, serr = c.Store.GetTypeParseRecord(ctx, module, name, ver)
		}
		if serr != nil {
			return serr
		}
		out = rec.Data
		return nil
	})
	kind := KindNoSuchType
	if isFunc {
		kind = KindNoSuchFunc
	}
	return out, toErr(err, kind, "loading parse document for %s.%s-%s", module, name, ver)
}

// GetRefs returns both the dependency-side and reference-side ref edges
// for a type or function at a specific version.
func (c *Core) GetRefs(ctx context.Context, module, name, ver string, isFunc bool) (dep, ref []storage.RefInfo, rerr *Error) {
	err := c.Locks.WithReadLock(ctx, module, true, func(ctx context.Context) error {
		var serr error
		if isFunc {
			dep, serr = c.Store.GetFuncRefsByDep(ctx, module, name, ver)
			if serr != nil {
				return serr
			}
			ref, serr = c.Store.GetFuncRefsByRef(ctx, module, name, ver)
			return serr
		}
		dep, serr = c.Store.GetTypeRefsByDep(ctx, module, name, ver)
		if serr != nil {
			return serr
		}
		ref, serr = c.Store.GetTypeRefsByRef(ctx, module, name, ver)
		return serr
	})
	return dep, ref, toErr(err, KindTypeStorageError, "loading refs for %s.%s-%s", module, name, ver)
}

// GetOwners lists the owner records for a module.
func (c *Core) GetOwners(ctx context.Context, module string) ([]storage.OwnerRecord, *Error) {
	var out []storage.OwnerRecord
	err := c.Locks.WithReadLock(ctx, module, true, func(ctx context.Context) error {
		owners, serr := c.Store.GetOwnersForModule(ctx, module)
		if serr != nil {
			return serr
		}
		out = owners
		return nil
	})
	return out, toErr(err, KindTypeStorageError, "loading owners for %q", module)
}

// ListModules lists every registered module name. Retired modules are
// included only when includeRetired is true; no privilege check is made
// here, so any caller that passes includeRetired sees them.
func (c *Core) ListModules(ctx context.Context, includeRetired bool) ([]string, *Error) {
	names, err := c.Store.AllRegisteredModules(ctx, includeRetired)
	if err != nil {
		return nil, wrapErr(KindTypeStorageError, err, "listing registered modules")
	}
	return names, nil
}
