package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"tddb/internal/parser"
	"tddb/internal/storage"
)

var includeLineRe = regexp.MustCompile(`^#include\s*<([^>]*)>\s*$`)

// rewriteIncludes implements spec.md §4.4 step 1: scan header lines for
// #include directives, normalize each to a bare module name, and rewrite
// the header into canonical "#include <name.types>" form. The first
// non-blank, non-include line ends the header.
func rewriteIncludes(doc string) (rewritten string, includeNames []string, err *Error) {
	lines := strings.Split(doc, "\n")
	i := 0
	var headerOut []string
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if m := includeLineRe.FindStringSubmatch(trimmed); m != nil {
			name := normalizeIncludePath(m[1])
			if name == "" {
				return "", nil, newErr(KindSpecParseError, "malformed #include on line %d", i+1)
			}
			includeNames = append(includeNames, name)
			headerOut = append(headerOut, fmt.Sprintf("#include <%s.types>", name))
			continue
		}
		if strings.HasPrefix(trimmed, "#include") {
			return "", nil, newErr(KindSpecParseError, "malformed #include on line %d", i+1)
		}
		break
	}
	headerOut = append(headerOut, "")
	body := strings.Join(lines[i:], "\n")
	return strings.Join(headerOut, "\n") + body, includeNames, nil
}

func normalizeIncludePath(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[idx+1:]
	}
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// resolvedInclude is one entry of the closure: the dependency module name,
// the versionTime it was pinned to, and its compiled AST.
type resolvedInclude struct {
	name        string
	versionTime int64
	spec        parser.IncludedSpec
}

// resolveIncludeClosure walks the include graph depth-first from roots,
// loading each dependency's ModuleVersion at either the pinned restriction
// or its latest released version (spec.md §4.4 step 2). Revisiting a
// module at a conflicting version, or a pinned-version mismatch, is a
// SpecParseError.
func (c *Core) resolveIncludeClosure(ctx context.Context, roots []string, restrictions map[string]int64) ([]resolvedInclude, *Error) {
	visited := make(map[string]int64)
	var out []resolvedInclude

	var visit func(name string) *Error
	visit = func(name string) *Error {
		wantVT, pinned := restrictions[name]

		var mv *storage.ModuleVersion
		var rerr *Error
		err := c.Locks.WithReadLock(ctx, name, true, func(ctx context.Context) error {
			var vt int64
			var e error
			if pinned {
				vt = wantVT
			} else {
				vt, e = c.Store.LastReleasedVersion(ctx, name)
				if e != nil {
					rerr = wrapErr(KindSpecParseError, e, "no released version of included module %q", name)
					return nil
				}
			}
			loaded, e := c.Store.GetModuleVersion(ctx, name, vt)
			if e != nil {
				rerr = wrapErr(KindSpecParseError, e, "cannot load included module %q at version %d", name, vt)
				return nil
			}
			mv = loaded
			return nil
		})
		if err != nil {
			return wrapErr(KindNoSuchModule, err, "resolving include %q", name)
		}
		if rerr != nil {
			return rerr
		}

		if prevVT, ok := visited[name]; ok {
			if prevVT != mv.VersionTime {
				return newErr(KindSpecParseError, "include %q resolved to conflicting versions %d and %d", name, prevVT, mv.VersionTime)
			}
			return nil
		}
		visited[name] = mv.VersionTime

		astMod, e := c.decodeModuleAST(ctx, name, mv)
		if e != nil {
			return e
		}
		out = append(out, resolvedInclude{
			name:        name,
			versionTime: mv.VersionTime,
			spec:        parser.IncludedSpec{ModuleName: name, Module: astMod},
		})

		for dep := range mv.Includes {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

