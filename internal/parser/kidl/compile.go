// Package kidl is the internal Parser Port backend: a hand-written
// recursive-descent compiler for the structural type language grammar
// (module/typedef/funcdef declarations over list/mapping/tuple/structure/
// scalar/UnspecifiedObject/qualified-reference type expressions).
package kidl

import (
	"fmt"
	"regexp"
	"strings"

	"tddb/internal/ast"
	"tddb/internal/jsonschema"
	"tddb/internal/parser"
)

// Backend implements parser.Port using the hand-written compiler in this
// package.
type Backend struct{}

func New() *Backend { return &Backend{} }

var includeRe = regexp.MustCompile(`^#include\s*<([^>]*)>\s*$`)

// Compile splits the header's #include lines from the module body, parses
// the body with the recursive-descent grammar, and generates a JSON Schema
// document for every typedef component.
func (b *Backend) Compile(specDocument string, includes []parser.IncludedSpec) (*parser.Result, error) {
	body, includeNames, err := splitHeader(specDocument)
	if err != nil {
		return nil, err
	}
	_ = includeNames // the Registry Core performs include-closure resolution; the compiler only needs the body

	toks, err := lex(body)
	if err != nil {
		return nil, err
	}
	p := &parseState{toks: toks}
	mod, err := p.parseModule()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, p.errf("unexpected %q after module declaration", p.cur().text)
	}
	mod.Includes = includeNames

	schemas := make(map[string][]byte, len(mod.Components))
	for _, c := range mod.Typedefs() {
		doc, err := jsonschema.Generate(c.Typedef)
		if err != nil {
			return nil, fmt.Errorf("kidl: generating schema for %s: %w", c.Name, err)
		}
		schemas[c.Name] = doc
	}

	return &parser.Result{
		Service:    &ast.Service{Modules: []*ast.Module{mod}},
		Module:     mod,
		JSONSchema: schemas,
	}, nil
}

// splitHeader extracts leading blank lines and #include directives,
// normalizing each include path to a bare module name (spec.md §6: "drop
// everything up to the last '/', then drop everything from the first '.'
// onward"). The first non-blank, non-include line ends the header.
func splitHeader(doc string) (body string, includeModules []string, err error) {
	lines := strings.Split(doc, "\n")
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if m := includeRe.FindStringSubmatch(line); m != nil {
			name := normalizeIncludePath(m[1])
			if name == "" {
				return "", nil, fmt.Errorf("kidl: malformed #include on line %d", i+1)
			}
			includeModules = append(includeModules, name)
			continue
		}
		if strings.HasPrefix(line, "#include") {
			return "", nil, fmt.Errorf("kidl: malformed #include on line %d", i+1)
		}
		break
	}
	return strings.Join(lines[i:], "\n"), includeModules, nil
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
