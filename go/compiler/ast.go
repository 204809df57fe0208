// Package compiler lowers validated workflow graphs into dispatchable SQL
// segments. All statements are built and rewritten through a small SQL AST;
// user-supplied values always bind as parameters, never as interpolated
// text.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tessera-analytics/tessera/go/schema"
)

// Param is one bound query parameter, named by placeholder index.
type Param struct {
	Name  string       `json:"name"`
	Dtype schema.Dtype `json:"dtype"`
	Value any          `json:"value"`
}

// renderContext accumulates SQL text and bound parameters for one statement
// rendering under one dialect.
type renderContext struct {
	dialect *Dialect
	sb      strings.Builder
	params  []Param
}

func (rc *renderContext) write(s string)       { rc.sb.WriteString(s) }
func (rc *renderContext) ident(name string)    { rc.sb.WriteString(rc.dialect.QuoteIdent(name)) }
func (rc *renderContext) stringLit(v string)   { rc.sb.WriteString(rc.dialect.QuoteString(v)) }
func (rc *renderContext) bind(dt schema.Dtype, v any) {
	var i = len(rc.params)
	rc.params = append(rc.params, Param{Name: fmt.Sprintf("p%d", i), Dtype: dt, Value: v})
	rc.sb.WriteString(rc.dialect.Placeholder(i, dt))
}

// Stmt is a renderable SQL statement.
type Stmt interface {
	renderStmt(rc *renderContext) error
}

// Expr is a renderable scalar expression.
type Expr interface {
	renderExpr(rc *renderContext) error
}

// FromClause is a renderable FROM production.
type FromClause interface {
	renderFrom(rc *renderContext) error
}

// Render serializes a statement to SQL text plus its bound parameters under
// the given dialect. Parameter order is the left-to-right render order, so
// rendering is deterministic for a fixed tree.
func Render(stmt Stmt, dialect *Dialect) (string, []Param, error) {
	var rc = renderContext{dialect: dialect}
	if err := stmt.renderStmt(&rc); err != nil {
		return "", nil, err
	}
	return rc.sb.String(), rc.params, nil
}

// RenderExpr serializes a bare expression, as catalog probes and tests do.
func RenderExpr(expr Expr, dialect *Dialect) (string, []Param, error) {
	var rc = renderContext{dialect: dialect}
	if err := expr.renderExpr(&rc); err != nil {
		return "", nil, err
	}
	return rc.sb.String(), rc.params, nil
}

// SelectItem is one projected column with an optional alias.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OutputName is the column name this item produces.
func (it SelectItem) OutputName() string {
	if it.Alias != "" {
		return it.Alias
	}
	if ref, ok := it.Expr.(ColumnRef); ok {
		return ref.Name
	}
	return ""
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// SelectStmt is a single SELECT.
type SelectStmt struct {
	Distinct bool
	Items    []SelectItem
	From     FromClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    *int64
	Offset   *int64
}

func (s *SelectStmt) renderStmt(rc *renderContext) error {
	rc.write("SELECT ")
	if s.Distinct {
		rc.write("DISTINCT ")
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("SELECT with no projected columns")
	}
	for i, item := range s.Items {
		if i > 0 {
			rc.write(", ")
		}
		if err := item.Expr.renderExpr(rc); err != nil {
			return err
		}
		if item.Alias != "" {
			rc.write(" AS ")
			rc.ident(item.Alias)
		}
	}
	if s.From != nil {
		rc.write(" FROM ")
		if err := s.From.renderFrom(rc); err != nil {
			return err
		}
	}
	if s.Where != nil {
		rc.write(" WHERE ")
		if err := s.Where.renderExpr(rc); err != nil {
			return err
		}
	}
	if len(s.GroupBy) > 0 {
		rc.write(" GROUP BY ")
		for i, e := range s.GroupBy {
			if i > 0 {
				rc.write(", ")
			}
			if err := e.renderExpr(rc); err != nil {
				return err
			}
		}
	}
	if s.Having != nil {
		rc.write(" HAVING ")
		if err := s.Having.renderExpr(rc); err != nil {
			return err
		}
	}
	if len(s.OrderBy) > 0 {
		rc.write(" ORDER BY ")
		for i, o := range s.OrderBy {
			if i > 0 {
				rc.write(", ")
			}
			if err := o.Expr.renderExpr(rc); err != nil {
				return err
			}
			if o.Desc {
				rc.write(" DESC")
			}
		}
	}
	if s.Limit != nil {
		rc.write(" LIMIT ")
		rc.write(strconv.FormatInt(*s.Limit, 10))
	}
	if s.Offset != nil {
		rc.write(" OFFSET ")
		rc.write(strconv.FormatInt(*s.Offset, 10))
	}
	return nil
}

// UnionStmt combines two statements with UNION [ALL].
type UnionStmt struct {
	Left  Stmt
	Right Stmt
	All   bool
}

func (u *UnionStmt) renderStmt(rc *renderContext) error {
	if err := u.Left.renderStmt(rc); err != nil {
		return err
	}
	rc.write(" UNION ")
	if u.All {
		rc.write("ALL ")
	}
	return u.Right.renderStmt(rc)
}

// TableRef names a store table.
type TableRef struct {
	Name string
}

func (t TableRef) renderFrom(rc *renderContext) error {
	rc.ident(t.Name)
	return nil
}

// SubqueryRef embeds a statement as an aliased subquery.
type SubqueryRef struct {
	Stmt  Stmt
	Alias string
}

func (s SubqueryRef) renderFrom(rc *renderContext) error {
	rc.write("(")
	if err := s.Stmt.renderStmt(rc); err != nil {
		return err
	}
	rc.write(") AS ")
	rc.ident(s.Alias)
	return nil
}

// JoinRef joins two embedded subqueries on a condition.
type JoinRef struct {
	Left       Stmt
	LeftAlias  string
	Right      Stmt
	RightAlias string
	Kind       string // INNER, LEFT, RIGHT, FULL
	On         Expr
}

func (j JoinRef) renderFrom(rc *renderContext) error {
	rc.write("(")
	if err := j.Left.renderStmt(rc); err != nil {
		return err
	}
	rc.write(") AS ")
	rc.ident(j.LeftAlias)
	rc.write(" " + j.Kind + " JOIN (")
	if err := j.Right.renderStmt(rc); err != nil {
		return err
	}
	rc.write(") AS ")
	rc.ident(j.RightAlias)
	rc.write(" ON ")
	return j.On.renderExpr(rc)
}

// ColumnRef references a column, optionally qualified.
type ColumnRef struct {
	Table string
	Name  string
}

func (c ColumnRef) renderExpr(rc *renderContext) error {
	if c.Table != "" {
		rc.ident(c.Table)
		rc.write(".")
	}
	rc.ident(c.Name)
	return nil
}

// Star projects every column of the FROM clause.
type Star struct{}

func (Star) renderExpr(rc *renderContext) error {
	rc.write("*")
	return nil
}

// BindParam renders as a dialect placeholder and records the bound value.
type BindParam struct {
	Dtype schema.Dtype
	Value any
}

func (b BindParam) renderExpr(rc *renderContext) error {
	rc.bind(b.Dtype, b.Value)
	return nil
}

// IntLiteral is a structural integer (window offsets, internal constants).
// User-supplied values bind instead.
type IntLiteral struct {
	Value int64
}

func (l IntLiteral) renderExpr(rc *renderContext) error {
	rc.write(strconv.FormatInt(l.Value, 10))
	return nil
}

// FloatLiteral is a structural float from a formula body.
type FloatLiteral struct {
	Value float64
}

func (l FloatLiteral) renderExpr(rc *renderContext) error {
	rc.write(strconv.FormatFloat(l.Value, 'g', -1, 64))
	return nil
}

// StringLiteral is a quoted string from a formula body.
type StringLiteral struct {
	Value string
}

func (l StringLiteral) renderExpr(rc *renderContext) error {
	rc.stringLit(l.Value)
	return nil
}

// BoolLiteral renders TRUE or FALSE.
type BoolLiteral struct {
	Value bool
}

func (l BoolLiteral) renderExpr(rc *renderContext) error {
	if l.Value {
		rc.write("TRUE")
	} else {
		rc.write("FALSE")
	}
	return nil
}

// BinaryExpr renders an infix operation, parenthesized.
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

func (b BinaryExpr) renderExpr(rc *renderContext) error {
	rc.write("(")
	if err := b.Left.renderExpr(rc); err != nil {
		return err
	}
	rc.write(" " + b.Op + " ")
	if err := b.Right.renderExpr(rc); err != nil {
		return err
	}
	rc.write(")")
	return nil
}

// UnaryExpr renders a prefix operation.
type UnaryExpr struct {
	Op      string // "-" or "NOT"
	Operand Expr
}

func (u UnaryExpr) renderExpr(rc *renderContext) error {
	rc.write("(" + u.Op + " ")
	if err := u.Operand.renderExpr(rc); err != nil {
		return err
	}
	rc.write(")")
	return nil
}

// FuncCall renders through the dialect's function table.
type FuncCall struct {
	Name string
	Args []Expr
}

func (f FuncCall) renderExpr(rc *renderContext) error {
	var fn, ok = rc.dialect.Funcs[f.Name]
	if !ok {
		return fmt.Errorf("function %s is not available in the %s dialect", f.Name, rc.dialect.Name)
	}
	return fn(rc, f.Args)
}

// AggCall renders an aggregation.
type AggCall struct {
	Func     string // sum, avg, min, max, count
	Arg      Expr   // nil with Star
	Star     bool
	Distinct bool
}

func (a AggCall) renderExpr(rc *renderContext) error {
	rc.write(a.Func + "(")
	if a.Distinct {
		rc.write("DISTINCT ")
	}
	if a.Star {
		rc.write("*")
	} else if err := a.Arg.renderExpr(rc); err != nil {
		return err
	}
	rc.write(")")
	return nil
}

// WindowCall renders a window function with its OVER clause.
type WindowCall struct {
	Func        string
	Args        []Expr
	PartitionBy []Expr
	OrderBy     []OrderItem
}

func (w WindowCall) renderExpr(rc *renderContext) error {
	rc.write(w.Func + "(")
	for i, a := range w.Args {
		if i > 0 {
			rc.write(", ")
		}
		if err := a.renderExpr(rc); err != nil {
			return err
		}
	}
	rc.write(") OVER (")
	if len(w.PartitionBy) > 0 {
		rc.write("PARTITION BY ")
		for i, e := range w.PartitionBy {
			if i > 0 {
				rc.write(", ")
			}
			if err := e.renderExpr(rc); err != nil {
				return err
			}
		}
	}
	if len(w.OrderBy) > 0 {
		if len(w.PartitionBy) > 0 {
			rc.write(" ")
		}
		rc.write("ORDER BY ")
		for i, o := range w.OrderBy {
			if i > 0 {
				rc.write(", ")
			}
			if err := o.Expr.renderExpr(rc); err != nil {
				return err
			}
			if o.Desc {
				rc.write(" DESC")
			}
		}
	}
	rc.write(")")
	return nil
}

// When is one branch of a CaseExpr.
type When struct {
	Cond Expr
	Then Expr
}

// CaseExpr renders CASE WHEN ... THEN ... [ELSE ...] END.
type CaseExpr struct {
	Whens []When
	Else  Expr
}

func (c CaseExpr) renderExpr(rc *renderContext) error {
	rc.write("CASE")
	for _, w := range c.Whens {
		rc.write(" WHEN ")
		if err := w.Cond.renderExpr(rc); err != nil {
			return err
		}
		rc.write(" THEN ")
		if err := w.Then.renderExpr(rc); err != nil {
			return err
		}
	}
	if c.Else != nil {
		rc.write(" ELSE ")
		if err := c.Else.renderExpr(rc); err != nil {
			return err
		}
	}
	rc.write(" END")
	return nil
}

// IsNull renders IS [NOT] NULL.
type IsNull struct {
	Operand Expr
	Negate  bool
}

func (n IsNull) renderExpr(rc *renderContext) error {
	rc.write("(")
	if err := n.Operand.renderExpr(rc); err != nil {
		return err
	}
	if n.Negate {
		rc.write(" IS NOT NULL)")
	} else {
		rc.write(" IS NULL)")
	}
	return nil
}

// InList renders IN (...).
type InList struct {
	Operand Expr
	Values  []Expr
}

func (in InList) renderExpr(rc *renderContext) error {
	rc.write("(")
	if err := in.Operand.renderExpr(rc); err != nil {
		return err
	}
	rc.write(" IN (")
	for i, v := range in.Values {
		if i > 0 {
			rc.write(", ")
		}
		if err := v.renderExpr(rc); err != nil {
			return err
		}
	}
	rc.write("))")
	return nil
}

// Between renders BETWEEN lo AND hi.
type Between struct {
	Operand Expr
	Lo      Expr
	Hi      Expr
}

func (b Between) renderExpr(rc *renderContext) error {
	rc.write("(")
	if err := b.Operand.renderExpr(rc); err != nil {
		return err
	}
	rc.write(" BETWEEN ")
	if err := b.Lo.renderExpr(rc); err != nil {
		return err
	}
	rc.write(" AND ")
	if err := b.Hi.renderExpr(rc); err != nil {
		return err
	}
	rc.write(")")
	return nil
}

// Like renders operand LIKE pattern.
type Like struct {
	Operand Expr
	Pattern Expr
}

func (l Like) renderExpr(rc *renderContext) error {
	rc.write("(")
	if err := l.Operand.renderExpr(rc); err != nil {
		return err
	}
	rc.write(" LIKE ")
	if err := l.Pattern.renderExpr(rc); err != nil {
		return err
	}
	rc.write(")")
	return nil
}

// RawFunc renders name(args...) verbatim; dialect tables use it for plain
// spellings.
func renderPlainCall(rc *renderContext, name string, args []Expr) error {
	rc.write(name + "(")
	for i, a := range args {
		if i > 0 {
			rc.write(", ")
		}
		if err := a.renderExpr(rc); err != nil {
			return err
		}
	}
	rc.write(")")
	return nil
}

// andAll folds conditions with AND. nil for an empty set.
func andAll(conds []Expr) Expr {
	return foldBool("AND", conds)
}

// orAll folds conditions with OR. nil for an empty set.
func orAll(conds []Expr) Expr {
	return foldBool("OR", conds)
}

func foldBool(op string, conds []Expr) Expr {
	if len(conds) == 0 {
		return nil
	}
	var out = conds[0]
	for _, c := range conds[1:] {
		out = BinaryExpr{Op: op, Left: out, Right: c}
	}
	return out
}
