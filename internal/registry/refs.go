package registry

import (
	"tddb/internal/ast"
	"tddb/internal/storage"
)

// depVersionInfo is what refWalker needs about one resolved include to
// fill in cross-module ref versions.
type depVersionInfo struct {
	versionTime int64
	typeVersion map[string]string // typeName -> typeVersion
}

// refWalker collects typedef references out of a new module's AST
// (spec.md §4.4 step 8). Non-terminal Typedef aliases (auxiliary names not
// in the registered set) are inlined transparently by recursing into their
// defining component's aliased expression.
type refWalker struct {
	newModule  *ast.Module
	registered map[string]bool // same-module typedef names considered "registered" in the new version
	deps       map[string]depVersionInfo
}

// collect walks one component's type expression(s), recording every
// terminal typedef reference it finds.
func (w *refWalker) collect(depName string, depIsFunc bool, n *ast.TypeNode) ([]storage.RefInfo, *Error) {
	var out []storage.RefInfo
	var walk func(n *ast.TypeNode, seen map[string]bool) *Error
	walk = func(n *ast.TypeNode, seen map[string]bool) *Error {
		if n == nil {
			return nil
		}
		switch n.Kind {
		case ast.KindTypedef:
			if n.Module != "" {
				dep, ok := w.deps[n.Module]
				if !ok {
					return newErr(KindSpecParseError, "reference to unknown included module %q from %q", n.Module, depName)
				}
				ver, ok := dep.typeVersion[n.Name]
				if !ok {
					return newErr(KindSpecParseError, "reference to unknown type %s.%s from %q", n.Module, n.Name, depName)
				}
				out = append(out, storage.RefInfo{
					DepName: depName, IsFunc: depIsFunc,
					RefModule: n.Module, RefName: n.Name, RefVersion: ver,
				})
				return nil
			}
			if w.registered[n.Name] {
				out = append(out, storage.RefInfo{
					DepName: depName, IsFunc: depIsFunc,
					RefModule: "", RefName: n.Name, RefVersion: "", // filled in by the caller once the save commits
				})
				return nil
			}
			if seen[n.Name] {
				return newErr(KindSpecParseError, "cyclic typedef alias involving %q", n.Name)
			}
			comp := w.newModule.Find(n.Name)
			if comp == nil || comp.Kind != ast.ComponentTypedef {
				return newErr(KindSpecParseError, "alias %q does not resolve to a typedef in the new spec", n.Name)
			}
			seen2 := make(map[string]bool, len(seen)+1)
			for k := range seen {
				seen2[k] = true
			}
			seen2[n.Name] = true
			return walk(comp.Typedef, seen2)

		case ast.KindList:
			return walk(n.Element, seen)
		case ast.KindMapping:
			return walk(n.Value, seen)
		case ast.KindTuple:
			for _, e := range n.Elements {
				if err := walk(e, seen); err != nil {
					return err
				}
			}
			return nil
		case ast.KindStruct:
			for _, f := range n.Fields {
				if err := walk(f.Type, seen); err != nil {
					return err
				}
			}
			return nil
		default:
			return nil
		}
	}
	if err := walk(n, map[string]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

// collectFunc gathers refs from every parameter and return type of a
// funcdef (spec.md §4.4 step 8, "for functions, collect refs from every
// parameter and return type").
func (w *refWalker) collectFunc(name string, fn *ast.FuncNode) ([]storage.RefInfo, *Error) {
	var out []storage.RefInfo
	for _, p := range fn.Params {
		refs, err := w.collect(name, true, p)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
	}
	for _, r := range fn.Returns {
		refs, err := w.collect(name, true, r)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
	}
	return out, nil
}
