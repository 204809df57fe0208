package compiler

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/tessera-analytics/tessera/go/schema"
)

// Formula expressions reference input columns as [name] and compose them
// with arithmetic, comparisons, literals, and a whitelisted function set.
// Parsing happens in two steps: column references are rewritten to synthetic
// identifiers so the text becomes a plain expression, which then parses
// through the expr grammar and lowers onto the SQL expression tree.

// scalarFuncs is the set of functions a formula may call. Aggregate and
// window forms are deliberately absent: they are only usable inside
// group_by and window nodes, where the enclosing clause gives them meaning.
var scalarFuncs = map[string]struct{}{
	"ABS": {}, "ROUND": {}, "CEIL": {}, "FLOOR": {}, "MOD": {}, "POWER": {},
	"SQRT": {}, "LOG": {}, "UPPER": {}, "LOWER": {}, "TRIM": {}, "LEFT": {},
	"RIGHT": {}, "LENGTH": {}, "CONCAT": {}, "REPLACE": {}, "CONTAINS": {},
	"YEAR": {}, "MONTH": {}, "DAY": {}, "HOUR": {}, "MINUTE": {},
	"DATE_DIFF": {}, "DATE_ADD": {}, "NOW": {},
	"COALESCE": {}, "NULLIF": {},
}

var aggregateNames = map[string]struct{}{
	"SUM": {}, "AVG": {}, "MIN": {}, "MAX": {}, "COUNT": {},
	"RANK": {}, "ROW_NUMBER": {}, "LAG": {}, "LEAD": {},
	"FIRST_VALUE": {}, "LAST_VALUE": {},
}

// ParseFormula lowers a formula expression into an Expr over |input|.
// Column references resolve through |resolve| when it knows the name, so
// formulas stack on renamed and computed columns within one SELECT.
func ParseFormula(nodeID, expression string, input schema.Columns, resolve func(string) (Expr, bool)) (Expr, error) {
	var rewritten, columns, err = rewriteColumnRefs(expression)
	if err != nil {
		return nil, errCompile(KindFormulaParse, nodeID, "%s", err)
	}
	for _, name := range columns {
		if _, ok := input.ByName(name); !ok {
			return nil, errCompile(KindUnknownColumn, nodeID,
				"formula references unknown column %q", name)
		}
	}

	tree, err := parser.Parse(rewritten)
	if err != nil {
		return nil, errCompile(KindFormulaParse, nodeID, "%s", err)
	}

	var fp = formulaParser{nodeID: nodeID, columns: columns, resolve: resolve}
	return fp.lower(tree.Node)
}

// rewriteColumnRefs replaces every [name] reference outside string literals
// with a synthetic identifier, returning the rewritten text and the
// referenced names in synthetic-identifier order.
func rewriteColumnRefs(expression string) (string, []string, error) {
	var sb strings.Builder
	var columns []string
	var runes = []rune(expression)

	for i := 0; i < len(runes); {
		var r = runes[i]
		switch r {
		case '\'', '"':
			// Copy the string literal through untouched.
			var quote = r
			sb.WriteRune(r)
			i++
			for i < len(runes) {
				sb.WriteRune(runes[i])
				if runes[i] == quote {
					i++
					break
				}
				i++
			}
		case '[':
			var j = i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j == len(runes) {
				return "", nil, fmt.Errorf("unterminated column reference at offset %d", i)
			}
			var name = strings.TrimSpace(string(runes[i+1 : j]))
			if name == "" {
				return "", nil, fmt.Errorf("empty column reference at offset %d", i)
			}
			fmt.Fprintf(&sb, "__c%d", len(columns))
			columns = append(columns, name)
			i = j + 1
		default:
			sb.WriteRune(r)
			i++
		}
	}
	return sb.String(), columns, nil
}

type formulaParser struct {
	nodeID  string
	columns []string
	resolve func(string) (Expr, bool)
}

func (fp *formulaParser) errf(format string, args ...any) error {
	return errCompile(KindFormulaParse, fp.nodeID, format, args...)
}

func (fp *formulaParser) lower(node ast.Node) (Expr, error) {
	switch n := node.(type) {
	case *ast.IntegerNode:
		return IntLiteral{Value: int64(n.Value)}, nil
	case *ast.FloatNode:
		return FloatLiteral{Value: n.Value}, nil
	case *ast.StringNode:
		return StringLiteral{Value: n.Value}, nil
	case *ast.BoolNode:
		return BoolLiteral{Value: n.Value}, nil
	case *ast.NilNode:
		return nil, fp.errf("nil literals are not supported; use COALESCE or NULLIF")

	case *ast.IdentifierNode:
		return fp.columnExpr(n.Value)

	case *ast.UnaryNode:
		operand, err := fp.lower(n.Node)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "-":
			return UnaryExpr{Op: "-", Operand: operand}, nil
		case "+":
			return operand, nil
		case "!", "not":
			return UnaryExpr{Op: "NOT", Operand: operand}, nil
		}
		return nil, fp.errf("unsupported unary operator %q", n.Operator)

	case *ast.BinaryNode:
		return fp.lowerBinary(n)

	case *ast.ConditionalNode:
		cond, err := fp.lower(n.Cond)
		if err != nil {
			return nil, err
		}
		then, err := fp.lower(n.Exp1)
		if err != nil {
			return nil, err
		}
		els, err := fp.lower(n.Exp2)
		if err != nil {
			return nil, err
		}
		return CaseExpr{Whens: []When{{Cond: cond, Then: then}}, Else: els}, nil

	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return nil, fp.errf("only plain function calls are supported")
		}
		return fp.lowerCall(callee.Value, n.Arguments)

	case *ast.BuiltinNode:
		// expr recognizes some of our whitelist (abs, trim, upper, ...) as
		// its own builtins at parse time; they lower identically.
		return fp.lowerCall(n.Name, n.Arguments)
	}
	return nil, fp.errf("unsupported expression construct %T", node)
}

func (fp *formulaParser) columnExpr(ident string) (Expr, error) {
	var idx int
	if _, err := fmt.Sscanf(ident, "__c%d", &idx); err != nil || idx < 0 || idx >= len(fp.columns) {
		return nil, fp.errf("unknown identifier %q; reference columns as [name]", ident)
	}
	var name = fp.columns[idx]
	if e, ok := fp.resolve(name); ok {
		return e, nil
	}
	return ColumnRef{Name: name}, nil
}

func (fp *formulaParser) lowerBinary(n *ast.BinaryNode) (Expr, error) {
	var left, err = fp.lower(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := fp.lower(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case "+", "-", "*", "/":
		return BinaryExpr{Op: n.Operator, Left: left, Right: right}, nil
	case "%":
		return FuncCall{Name: "MOD", Args: []Expr{left, right}}, nil
	case "^", "**":
		return FuncCall{Name: "POWER", Args: []Expr{left, right}}, nil
	case "==":
		return BinaryExpr{Op: "=", Left: left, Right: right}, nil
	case "!=", "<", "<=", ">", ">=":
		return BinaryExpr{Op: n.Operator, Left: left, Right: right}, nil
	case "&&", "and":
		return BinaryExpr{Op: "AND", Left: left, Right: right}, nil
	case "||", "or":
		return BinaryExpr{Op: "OR", Left: left, Right: right}, nil
	case "contains":
		return FuncCall{Name: "CONTAINS", Args: []Expr{left, right}}, nil
	}
	return nil, fp.errf("unsupported operator %q", n.Operator)
}

func (fp *formulaParser) lowerCall(name string, argNodes []ast.Node) (Expr, error) {
	var upper = strings.ToUpper(name)
	if _, isAgg := aggregateNames[upper]; isAgg {
		return nil, fp.errf("%s is only usable inside group_by and window nodes", upper)
	}

	var args []Expr
	for _, a := range argNodes {
		e, err := fp.lower(a)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}

	switch upper {
	case "IF":
		if len(args) != 3 {
			return nil, fp.errf("IF requires 3 arguments, has %d", len(args))
		}
		return CaseExpr{Whens: []When{{Cond: args[0], Then: args[1]}}, Else: args[2]}, nil
	case "CASE":
		// CASE(cond1, val1, cond2, val2, ..., [else]).
		if len(args) < 2 {
			return nil, fp.errf("CASE requires at least a condition and a value")
		}
		var c = CaseExpr{}
		var i = 0
		for ; i+1 < len(args); i += 2 {
			c.Whens = append(c.Whens, When{Cond: args[i], Then: args[i+1]})
		}
		if i < len(args) {
			c.Else = args[i]
		}
		return c, nil
	}

	if _, ok := scalarFuncs[upper]; !ok {
		return nil, fp.errf("unknown function %q", name)
	}
	return FuncCall{Name: upper, Args: args}, nil
}
