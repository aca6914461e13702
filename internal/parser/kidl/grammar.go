package kidl

import (
	"fmt"

	"tddb/internal/ast"
)

// parseState walks the token stream produced by lex, building an
// *ast.Module per the grammar:
//
//	moduledecl  := "module" ident "{" component* "}" ";"
//	component   := typedef | funcdef
//	typedef     := "typedef" typeexpr ident ";"
//	funcdef     := "funcdef" typeexpr ident "(" paramlist ")" ";"
//	paramlist   := (typeexpr ident ("," typeexpr ident)*)?
//	typeexpr    := scalar | "list" "<" typeexpr ">"
//	             | "mapping" "<" "string" "," typeexpr ">"
//	             | "tuple" "<" typeexpr ("," typeexpr)* ">"
//	             | "UnspecifiedObject"
//	             | "structure" "{" field* "}"
//	             | qualifiedident
//	scalar      := "int" | "float" | "string" | "boolean" ("@" "id" stringlit)?
//	field       := ("optional")? typeexpr ident ";"
//	qualifiedident := ident ("." ident)?
type parseState struct {
	toks []token
	pos  int
}

func (p *parseState) cur() token  { return p.toks[p.pos] }
func (p *parseState) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parseState) errf(format string, args ...any) error {
	return fmt.Errorf("kidl: line %d: %s", p.cur().line, fmt.Sprintf(format, args...))
}

func (p *parseState) expectIdent(text string) error {
	t := p.cur()
	if t.kind != tokIdent || t.text != text {
		return p.errf("expected %q, got %q", text, t.text)
	}
	p.advance()
	return nil
}

func (p *parseState) expectPunct(text string) error {
	t := p.cur()
	if t.kind != tokPunct || t.text != text {
		return p.errf("expected %q, got %q", text, t.text)
	}
	p.advance()
	return nil
}

func (p *parseState) expectIdentAny() (string, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return "", p.errf("expected identifier, got %q", t.text)
	}
	p.advance()
	return t.text, nil
}

func (p *parseState) atIdent(text string) bool {
	t := p.cur()
	return t.kind == tokIdent && t.text == text
}

func (p *parseState) atPunct(text string) bool {
	t := p.cur()
	return t.kind == tokPunct && t.text == text
}

func (p *parseState) parseModule() (*ast.Module, error) {
	if err := p.expectIdent("module"); err != nil {
		return nil, err
	}
	name, err := p.expectIdentAny()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	mod := &ast.Module{Name: name}
	for !p.atPunct("}") {
		if p.cur().kind == tokEOF {
			return nil, p.errf("unexpected end of input inside module %q", name)
		}
		comp, err := p.parseComponent()
		if err != nil {
			return nil, err
		}
		mod.Components = append(mod.Components, comp)
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	if err := p.expectPunct(";"); err != nil {
		return nil, err
	}
	return mod, nil
}

func (p *parseState) parseComponent() (*ast.Component, error) {
	switch {
	case p.atIdent("typedef"):
		p.advance()
		texpr, err := p.parseTypeExpr()
		if err != nil {
			return nil, err
		}
		name, err := p.expectIdentAny()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
		return &ast.Component{Kind: ast.ComponentTypedef, Name: name, Typedef: texpr}, nil

	case p.atIdent("funcdef"):
		p.advance()
		ret, err := p.parseTypeExpr()
		if err != nil {
			return nil, err
		}
		name, err := p.expectIdentAny()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		params, err := p.parseParamList()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
		return &ast.Component{
			Kind:    ast.ComponentFuncdef,
			Name:    name,
			Funcdef: &ast.FuncNode{Name: name, Params: params, Returns: []*ast.TypeNode{ret}},
		}, nil

	default:
		return nil, p.errf("expected 'typedef' or 'funcdef', got %q", p.cur().text)
	}
}

func (p *parseState) parseParamList() ([]*ast.TypeNode, error) {
	var params []*ast.TypeNode
	if p.atPunct(")") {
		return params, nil
	}
	for {
		texpr, err := p.parseTypeExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectIdentAny(); err != nil { // parameter name, not part of the diff
			return nil, err
		}
		params = append(params, texpr)
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return params, nil
}

func (p *parseState) parseTypeExpr() (*ast.TypeNode, error) {
	switch {
	case p.atIdent("list"):
		p.advance()
		if err := p.expectPunct("<"); err != nil {
			return nil, err
		}
		elem, err := p.parseTypeExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(">"); err != nil {
			return nil, err
		}
		return &ast.TypeNode{Kind: ast.KindList, Element: elem}, nil

	case p.atIdent("mapping"):
		p.advance()
		if err := p.expectPunct("<"); err != nil {
			return nil, err
		}
		if err := p.expectIdent("string"); err != nil {
			return nil, err
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
		val, err := p.parseTypeExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(">"); err != nil {
			return nil, err
		}
		return &ast.TypeNode{Kind: ast.KindMapping, Value: val}, nil

	case p.atIdent("tuple"):
		p.advance()
		if err := p.expectPunct("<"); err != nil {
			return nil, err
		}
		var elems []*ast.TypeNode
		for {
			e, err := p.parseTypeExpr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if p.atPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectPunct(">"); err != nil {
			return nil, err
		}
		return &ast.TypeNode{Kind: ast.KindTuple, Elements: elems}, nil

	case p.atIdent("UnspecifiedObject"):
		p.advance()
		return &ast.TypeNode{Kind: ast.KindUnspecifiedObject}, nil

	case p.atIdent("structure"):
		p.advance()
		if err := p.expectPunct("{"); err != nil {
			return nil, err
		}
		var fields []ast.StructField
		for !p.atPunct("}") {
			f, err := p.parseField()
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if err := p.expectPunct("}"); err != nil {
			return nil, err
		}
		return &ast.TypeNode{Kind: ast.KindStruct, Fields: fields}, nil

	case p.atIdent("int"), p.atIdent("float"), p.atIdent("string"), p.atIdent("boolean"):
		kind := p.advance().text
		node := &ast.TypeNode{Kind: ast.KindScalar, ScalarKind: kind}
		if p.atPunct("@") {
			p.advance()
			if err := p.expectIdent("id"); err != nil {
				return nil, err
			}
			t := p.cur()
			if t.kind != tokString {
				return nil, p.errf("expected string literal after @id, got %q", t.text)
			}
			p.advance()
			node.IDAnnotation = t.text
		}
		return node, nil

	case p.cur().kind == tokIdent:
		first, _ := p.expectIdentAny()
		if p.atPunct(".") {
			p.advance()
			second, err := p.expectIdentAny()
			if err != nil {
				return nil, err
			}
			return &ast.TypeNode{Kind: ast.KindTypedef, Module: first, Name: second}, nil
		}
		return &ast.TypeNode{Kind: ast.KindTypedef, Name: first}, nil

	default:
		return nil, p.errf("expected a type expression, got %q", p.cur().text)
	}
}

func (p *parseState) parseField() (ast.StructField, error) {
	optional := false
	if p.atIdent("optional") {
		p.advance()
		optional = true
	}
	texpr, err := p.parseTypeExpr()
	if err != nil {
		return ast.StructField{}, err
	}
	name, err := p.expectIdentAny()
	if err != nil {
		return ast.StructField{}, err
	}
	if err := p.expectPunct(";"); err != nil {
		return ast.StructField{}, err
	}
	return ast.StructField{Name: name, Optional: optional, Type: texpr}, nil
}
