package version

import (
	"fmt"

	"tddb/internal/ast"
)

// Change is the result of a structural diff, ordered noChange <
// backwardCompatible < notCompatible (spec.md §4.3).
type Change int

const (
	NoChange Change = iota
	BackwardCompatible
	NotCompatible
)

func (c Change) String() string {
	switch c {
	case NoChange:
		return "noChange"
	case BackwardCompatible:
		return "backwardCompatible"
	case NotCompatible:
		return "notCompatible"
	default:
		return "unknown"
	}
}

// Join combines two change results under the max ordering spec.md §4.3
// specifies for composite nodes (struct fields, tuple positions, function
// parameters/returns).
func Join(a, b Change) Change {
	if a > b {
		return a
	}
	return b
}

// SpecParseErr is returned when FindChange encounters an AST node kind it
// does not recognize (spec.md §4.3, "Unknown kind -> SpecParseError").
type SpecParseErr struct{ Msg string }

func (e *SpecParseErr) Error() string { return "SpecParseError: " + e.Msg }

// FindChange implements the per-node structural diff table in spec.md
// §4.3. Both nodes must be non-nil.
func FindChange(oldT, newT *ast.TypeNode) (Change, error) {
	if oldT == nil || newT == nil {
		return NotCompatible, &SpecParseErr{Msg: "findChange: nil type node"}
	}

	if oldT.Kind != newT.Kind {
		return NotCompatible, nil
	}

	switch oldT.Kind {
	case ast.KindTypedef:
		// Named alias: names must match, then recurse into the aliased type.
		// A by-name reference carries no Aliased, so two references with
		// matching names are compared by name alone.
		if oldT.Module != newT.Module || oldT.Name != newT.Name {
			return NotCompatible, nil
		}
		if oldT.Aliased == nil && newT.Aliased == nil {
			return NoChange, nil
		}
		return FindChange(oldT.Aliased, newT.Aliased)

	case ast.KindList:
		return FindChange(oldT.Element, newT.Element)

	case ast.KindMapping:
		// Key type is always string (spec.md §4.3 and the design-note open
		// question in §9): only the value type participates in the diff.
		return FindChange(oldT.Value, newT.Value)

	case ast.KindTuple:
		if len(oldT.Elements) != len(newT.Elements) {
			return NotCompatible, nil
		}
		result := NoChange
		for i := range oldT.Elements {
			c, err := FindChange(oldT.Elements[i], newT.Elements[i])
			if err != nil {
				return NotCompatible, err
			}
			result = Join(result, c)
		}
		return result, nil

	case ast.KindScalar:
		if oldT.ScalarKind != newT.ScalarKind {
			return NotCompatible, nil
		}
		if oldT.IDAnnotation != newT.IDAnnotation {
			return NotCompatible, nil
		}
		return NoChange, nil

	case ast.KindUnspecifiedObject:
		return NoChange, nil

	case ast.KindStruct:
		return findStructChange(oldT, newT)

	default:
		return NotCompatible, &SpecParseErr{Msg: fmt.Sprintf("unknown type node kind %q", oldT.Kind)}
	}
}

// findStructChange implements spec.md §4.3's "Struct rule".
func findStructChange(oldT, newT *ast.TypeNode) (Change, error) {
	newByName := make(map[string]ast.StructField, len(newT.Fields))
	for _, f := range newT.Fields {
		newByName[f.Name] = f
	}

	result := NoChange
	seen := make(map[string]bool, len(oldT.Fields))
	for _, of := range oldT.Fields {
		seen[of.Name] = true
		nf, ok := newByName[of.Name]
		if !ok {
			// Removed field: always notCompatible, required or optional.
			return NotCompatible, nil
		}
		if of.Optional != nf.Optional {
			return NotCompatible, nil
		}
		c, err := FindChange(of.Type, nf.Type)
		if err != nil {
			return NotCompatible, err
		}
		result = Join(result, c)
	}

	for _, nf := range newT.Fields {
		if seen[nf.Name] {
			continue
		}
		// Field present only in new.
		if nf.Optional {
			result = Join(result, BackwardCompatible)
		} else {
			return NotCompatible, nil
		}
	}

	return result, nil
}

// FindFuncChange implements spec.md §4.3's "Function diff": parameter
// count and return arity must match; pairwise diff parameters and
// returns; join all results.
func FindFuncChange(oldF, newF *ast.FuncNode) (Change, error) {
	if len(oldF.Params) != len(newF.Params) {
		return NotCompatible, nil
	}
	if len(oldF.Returns) != len(newF.Returns) {
		return NotCompatible, nil
	}

	result := NoChange
	for i := range oldF.Params {
		c, err := FindChange(oldF.Params[i], newF.Params[i])
		if err != nil {
			return NotCompatible, err
		}
		result = Join(result, c)
	}
	for i := range oldF.Returns {
		c, err := FindChange(oldF.Returns[i], newF.Returns[i])
		if err != nil {
			return NotCompatible, err
		}
		result = Join(result, c)
	}
	return result, nil
}
