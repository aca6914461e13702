// Package parser defines the Parser Port: the contract the Registry Core
// uses to compile spec documents into an AST plus a {typeName -> JSON
// Schema} table (spec.md §4.4 step 3). Two backends implement it: kidl (a
// hand-written recursive-descent compiler for the type language) and
// avrosyntax (hamba/avro-based; selected alone by kidl-source=external and
// run beside kidl under kidl-source=both — spec.md §9 "dual-parser
// equivalence").
package parser

import (
	"tddb/internal/ast"
)

// IncludedSpec is one dependency module's already-compiled AST, supplied
// so #include resolution does not require the Parser Port to touch
// storage itself (spec.md §4.4 step 2 loads these via the Storage Port,
// then hands them to Compile).
type IncludedSpec struct {
	ModuleName string
	Module     *ast.Module
}

// Result is everything Compile produces for the primary module.
type Result struct {
	Service    *ast.Service
	Module     *ast.Module
	JSONSchema map[string][]byte // typeName -> generated JSON Schema document bytes
}

// Port compiles a rewritten spec document (already include-rewritten per
// spec.md §4.4 step 1) together with its resolved dependency modules.
// Implementations must reject specs compiling to anything other than
// exactly one service containing exactly one module.
type Port interface {
	Compile(specDocument string, includes []IncludedSpec) (*Result, error)
}

// Name identifies a Parser Port backend, matching the kidl-source
// configuration option (spec.md §6).
type Name string

const (
	Internal Name = "internal"
	External Name = "external"
	Both     Name = "both"
)
