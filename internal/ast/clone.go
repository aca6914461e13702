package ast

// CloneType deep-copies a TypeNode so the diff step and the persistence
// step never share mutable AST storage (spec.md §9, "avoid mutable AST
// sharing between the diff and persistence steps").
func CloneType(n *TypeNode) *TypeNode {
	if n == nil {
		return nil
	}
	out := *n
	out.Aliased = CloneType(n.Aliased)
	out.Element = CloneType(n.Element)
	out.Value = CloneType(n.Value)
	if n.Elements != nil {
		out.Elements = make([]*TypeNode, len(n.Elements))
		for i, e := range n.Elements {
			out.Elements[i] = CloneType(e)
		}
	}
	if n.Fields != nil {
		out.Fields = make([]StructField, len(n.Fields))
		for i, f := range n.Fields {
			out.Fields[i] = StructField{Name: f.Name, Optional: f.Optional, Type: CloneType(f.Type)}
		}
	}
	return &out
}

// CloneFunc deep-copies a FuncNode.
func CloneFunc(n *FuncNode) *FuncNode {
	if n == nil {
		return nil
	}
	out := &FuncNode{Name: n.Name}
	out.Params = make([]*TypeNode, len(n.Params))
	for i, p := range n.Params {
		out.Params[i] = CloneType(p)
	}
	out.Returns = make([]*TypeNode, len(n.Returns))
	for i, r := range n.Returns {
		out.Returns[i] = CloneType(r)
	}
	return out
}

// CloneComponent deep-copies a Component.
func CloneComponent(c *Component) *Component {
	if c == nil {
		return nil
	}
	return &Component{
		Kind:    c.Kind,
		Name:    c.Name,
		Typedef: CloneType(c.Typedef),
		Funcdef: CloneFunc(c.Funcdef),
	}
}

// CloneModule deep-copies a Module.
func CloneModule(m *Module) *Module {
	if m == nil {
		return nil
	}
	out := &Module{Name: m.Name, Includes: append([]string(nil), m.Includes...)}
	out.Components = make([]*Component, len(m.Components))
	for i, c := range m.Components {
		out.Components[i] = CloneComponent(c)
	}
	return out
}
