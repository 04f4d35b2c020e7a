// Package query parses textual predicates such as
//
//	balance >= 100 and name startsWith "st"
//
// into core predicates. Only conjunctions of comparisons between a field
// and a literal are accepted.
package query

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/impactdev/impactor/core"
)

var operators = map[string]core.Op{
	"==":         core.OpEq,
	"!=":         core.OpNe,
	"<":          core.OpLt,
	"<=":         core.OpLte,
	">":          core.OpGt,
	">=":         core.OpGte,
	"startsWith": core.OpPrefix,
}

// flipped maps an operator to its mirror for literal-first comparisons.
var flipped = map[core.Op]core.Op{
	core.OpEq:  core.OpEq,
	core.OpNe:  core.OpNe,
	core.OpLt:  core.OpGt,
	core.OpLte: core.OpGte,
	core.OpGt:  core.OpLt,
	core.OpGte: core.OpLte,
}

// Parse parses input into a predicate. Blank input yields nil, which
// matches every record.
func Parse(input string) (*core.Predicate, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	tree, err := parser.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPredicate, err)
	}
	var conds []core.Condition
	if err := collect(tree.Node, &conds); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPredicate, err)
	}
	return core.Where(conds...), nil
}

func collect(node ast.Node, conds *[]core.Condition) error {
	bin, ok := node.(*ast.BinaryNode)
	if !ok {
		return fmt.Errorf("expected a comparison, got %s", node)
	}
	switch bin.Operator {
	case "and", "&&":
		if err := collect(bin.Left, conds); err != nil {
			return err
		}
		return collect(bin.Right, conds)
	case "or", "||":
		return fmt.Errorf("disjunctions are not supported")
	}
	op, ok := operators[bin.Operator]
	if !ok {
		return fmt.Errorf("unsupported operator %q", bin.Operator)
	}

	field, isField := bin.Left.(*ast.IdentifierNode)
	valueNode := bin.Right
	if !isField {
		field, isField = bin.Right.(*ast.IdentifierNode)
		valueNode = bin.Left
		if !isField {
			return fmt.Errorf("%s compares no field", node)
		}
		if op, ok = flipped[op]; !ok {
			return fmt.Errorf("the field of %q must come first", bin.Operator)
		}
	}
	value, err := literal(valueNode)
	if err != nil {
		return err
	}
	*conds = append(*conds, core.Condition{Field: field.Value, Op: op, Value: value})
	return nil
}

func literal(node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.StringNode:
		return n.Value, nil
	case *ast.IntegerNode:
		return int64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.UnaryNode:
		if n.Operator != "-" {
			break
		}
		switch v := n.Node.(type) {
		case *ast.IntegerNode:
			return -int64(v.Value), nil
		case *ast.FloatNode:
			return -v.Value, nil
		}
	}
	return nil, fmt.Errorf("%s is not a literal", node)
}
