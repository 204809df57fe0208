package compiler

import (
	"github.com/tessera-analytics/tessera/go/graph"
)

// Page returns a copy of the segment wrapped for dispatch:
//
//	SELECT * FROM (<inner>) AS _ [WHERE <filters>] LIMIT <limit> OFFSET <offset>
//
// Runtime filters apply against the segment's output schema by name; the
// wrapper is built through the AST and re-rendered, so filter values bind
// as parameters in the segment's dialect.
func (s *Segment) Page(limit, offset int64, filters []graph.FilterCondition) (*Segment, error) {
	var out = *s

	if s.TargetStore == StorePoint {
		return pagePoint(&out, filters)
	}
	if s.stmt == nil || s.dialect == nil {
		return nil, errCompile(KindInvalidConfig, "", "segment carries no statement tree")
	}

	var wrapped = &SelectStmt{
		Items: []SelectItem{{Expr: Star{}}},
		From:  SubqueryRef{Stmt: s.stmt, Alias: "_"},
	}
	for _, c := range filters {
		e, err := conditionExpr("", c, s.Output, func(string) (Expr, bool) { return nil, false })
		if err != nil {
			return nil, err
		}
		if wrapped.Where == nil {
			wrapped.Where = e
		} else {
			wrapped.Where = BinaryExpr{Op: "AND", Left: wrapped.Where, Right: e}
		}
	}
	if limit > 0 {
		wrapped.Limit = &limit
	}
	if offset > 0 {
		wrapped.Offset = &offset
	}

	sql, params, err := Render(wrapped, s.dialect)
	if err != nil {
		return nil, errCompile(KindInvalidConfig, "", "rendering page wrapper: %s", err)
	}
	out.SQL, out.Params = sql, params
	out.Limit, out.Offset = wrapped.Limit, wrapped.Offset
	out.stmt, out.dialect = wrapped, s.dialect
	return &out, nil
}

// pagePoint resolves the lookup key of a point segment from the runtime
// filters: the condition on the declared key column with operator "="
// supplies the key value.
func pagePoint(s *Segment, filters []graph.FilterCondition) (*Segment, error) {
	for _, c := range filters {
		if c.Column == s.Key && c.Operator == "=" {
			col, ok := s.Output.ByName(s.Key)
			if !ok {
				return nil, errCompile(KindUnknownColumn, "",
					"point key %q not in segment output", s.Key)
			}
			v, err := coerceValue("", s.Key, col.Dtype, c.Value)
			if err != nil {
				return nil, err
			}
			s.Params = []Param{{Name: "key", Dtype: col.Dtype, Value: v}}
			return s, nil
		}
	}
	return nil, errCompile(KindInvalidFilter, "",
		"point lookup requires an equality filter on key column %q", s.Key)
}
