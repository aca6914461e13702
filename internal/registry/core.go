// Package registry implements the Registry Core: the save-module pipeline
// and all read paths (spec.md §4.4, §4.5), orchestrating the Lock
// Manager, Storage Port, Parser Port, Version Engine and Ownership
// checker.
package registry

import (
	"context"
	"log/slog"

	"tddb/internal/ast"
	"tddb/internal/lock"
	"tddb/internal/owner"
	"tddb/internal/parser"
	"tddb/internal/storage"
)

// Core is the Registry Core. All exported methods are safe for concurrent
// use; the Lock Manager is the only synchronization primitive it relies on
// (spec.md §5).
type Core struct {
	Store   storage.Port
	Locks   *lock.Manager
	Owners  *owner.Checker
	Log     *slog.Logger
	Parsers ParserConfig
}

// ParserConfig selects the active Parser Port backend(s) per the
// kidl-source configuration option (spec.md §6).
type ParserConfig struct {
	Source   parser.Name
	Internal parser.Port
	External parser.Port
}

// New builds a Core. log defaults to slog.Default() if nil.
func New(store storage.Port, locks *lock.Manager, owners *owner.Checker, parsers ParserConfig, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{Store: store, Locks: locks, Owners: owners, Log: log, Parsers: parsers}
}

// compile runs the configured Parser Port backend(s), enforcing dual-parser
// equivalence when Source == Both (spec.md §9).
func (c *Core) compile(specDocument string, includes []parser.IncludedSpec) (*parser.Result, *Error) {
	switch c.Parsers.Source {
	case parser.External:
		res, err := c.Parsers.External.Compile(specDocument, includes)
		if err != nil {
			return nil, wrapErr(KindSpecParseError, err, "external parser compile failed")
		}
		return res, nil
	case parser.Both:
		internalRes, err := c.Parsers.Internal.Compile(specDocument, includes)
		if err != nil {
			return nil, wrapErr(KindSpecParseError, err, "internal parser compile failed")
		}
		externalRes, err := c.Parsers.External.Compile(specDocument, includes)
		if err != nil {
			return nil, wrapErr(KindSpecParseError, err, "external parser compile failed")
		}
		if len(internalRes.JSONSchema) != len(externalRes.JSONSchema) {
			return nil, newErr(KindSpecParseError, "dual-parser mismatch: differing type counts (%d vs %d)", len(internalRes.JSONSchema), len(externalRes.JSONSchema))
		}
		for name, doc := range internalRes.JSONSchema {
			other, ok := externalRes.JSONSchema[name]
			if !ok || string(other) != string(doc) {
				return nil, newErr(KindSpecParseError, "dual-parser mismatch on type %q", name)
			}
		}
		return internalRes, nil
	default:
		res, err := c.Parsers.Internal.Compile(specDocument, includes)
		if err != nil {
			return nil, wrapErr(KindSpecParseError, err, "internal parser compile failed")
		}
		return res, nil
	}
}

// decodeModuleAST reconstructs an *ast.Module from a committed
// ModuleVersion's per-type/per-func parse records, used when loading an
// included dependency for cross-module reference resolution (spec.md §4.4
// step 2; the Storage Port only persists per-entity parse records, not a
// whole-module AST document).
func (c *Core) decodeModuleAST(ctx context.Context, name string, mv *storage.ModuleVersion) (*ast.Module, *Error) {
	mod := &ast.Module{Name: name}
	for typeName, ti := range mv.Types {
		rec, err := c.Store.GetTypeParseRecord(ctx, name, typeName, ti.TypeVersion)
		if err != nil {
			return nil, wrapErr(KindTypeStorageError, err, "loading parse record for %s.%s-%s", name, typeName, ti.TypeVersion)
		}
		node, derr := decodeTypeNode(rec.Data)
		if derr != nil {
			return nil, wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", name, typeName)
		}
		mod.Components = append(mod.Components, &ast.Component{Kind: ast.ComponentTypedef, Name: typeName, Typedef: node})
	}
	for funcName, fi := range mv.Funcs {
		rec, err := c.Store.GetFuncParseRecord(ctx, name, funcName, fi.FuncVersion)
		if err != nil {
			return nil, wrapErr(KindTypeStorageError, err, "loading parse record for %s.%s-%s", name, funcName, fi.FuncVersion)
		}
		node, derr := decodeFuncNode(rec.Data)
		if derr != nil {
			return nil, wrapErr(KindTypeStorageError, derr, "decoding parse record for %s.%s", name, funcName)
		}
		mod.Components = append(mod.Components, &ast.Component{Kind: ast.ComponentFuncdef, Name: funcName, Funcdef: node})
	}
	return mod, nil
}
