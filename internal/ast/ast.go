// Package ast defines the structural type language the Parser Port
// compiles specification documents into: Service -> Module -> Components,
// and the node kinds the Version Engine diffs over.
package ast

// Kind discriminates the structural shape of a TypeNode.
type Kind string

const (
	KindTypedef           Kind = "typedef"
	KindList              Kind = "list"
	KindMapping           Kind = "mapping"
	KindTuple             Kind = "tuple"
	KindScalar            Kind = "scalar"
	KindUnspecifiedObject Kind = "unspecified_object"
	KindStruct            Kind = "struct"
)

// TypeNode is one node of the structural type language. Only the fields
// relevant to Kind are populated; the zero value of the rest is ignored.
type TypeNode struct {
	Kind Kind

	// KindTypedef: a named alias reference. Module is empty for an
	// intra-module reference. The kidl compiler leaves Aliased nil: a
	// *reference* to a typedef carries only its name (the diff compares
	// such references by name, the ref walk resolves them by name).
	Module  string
	Name    string
	Aliased *TypeNode

	// KindList
	Element *TypeNode

	// KindMapping: keys are always string; Value is the value type.
	Value *TypeNode

	// KindTuple
	Elements []*TypeNode

	// KindScalar
	ScalarKind   string // "int" | "float" | "string" | "boolean"
	IDAnnotation string // contents of an @id annotation, "" if absent

	// KindStruct
	Fields []StructField
}

// StructField is one field of a KindStruct node.
type StructField struct {
	Name     string
	Optional bool
	Type     *TypeNode
}

// FuncNode is a function definition: parameter types (parameter names are
// parsed but not kept, so they are not part of the diff) and an ordered
// list of return types.
type FuncNode struct {
	Name    string
	Params  []*TypeNode
	Returns []*TypeNode
}

// ComponentKind discriminates a Module's top-level components.
type ComponentKind string

const (
	ComponentTypedef ComponentKind = "typedef"
	ComponentFuncdef ComponentKind = "funcdef"
)

// Component is one top-level declaration inside a Module: either a named
// type (Typedef, itself a TypeNode aliasing some structural expression) or
// a function definition.
type Component struct {
	Kind    ComponentKind
	Name    string
	Typedef *TypeNode
	Funcdef *FuncNode
}

// Module is the AST of a single compiled spec document: its declared
// includes (bare module names, already normalized per the include
// rewriting rules) and its ordered components.
type Module struct {
	Name       string
	Includes   []string
	Components []*Component
}

// Service is the top-level compile unit the Parser Port returns: expected
// to contain exactly one Module for a valid saveModule call.
type Service struct {
	Modules []*Module
}

// Typedefs returns the module's typedef components in declaration order.
func (m *Module) Typedefs() []*Component {
	out := make([]*Component, 0, len(m.Components))
	for _, c := range m.Components {
		if c.Kind == ComponentTypedef {
			out = append(out, c)
		}
	}
	return out
}

// Funcdefs returns the module's funcdef components in declaration order.
func (m *Module) Funcdefs() []*Component {
	out := make([]*Component, 0, len(m.Components))
	for _, c := range m.Components {
		if c.Kind == ComponentFuncdef {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the named component, or nil if absent.
func (m *Module) Find(name string) *Component {
	for _, c := range m.Components {
		if c.Name == name {
			return c
		}
	}
	return nil
}
