package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tessera-analytics/tessera/go/schema"
)

var formulaInput = schema.Columns{
	{Name: "symbol", Dtype: schema.DtypeString},
	{Name: "price", Dtype: schema.DtypeFloat64},
	{Name: "quantity", Dtype: schema.DtypeInt64},
	{Name: "ts", Dtype: schema.DtypeDatetime},
}

func noResolve(string) (Expr, bool) { return nil, false }

func renderFormula(t *testing.T, expression string, dialect *Dialect) string {
	t.Helper()
	var e, err = ParseFormula("f1", expression, formulaInput, noResolve)
	require.NoError(t, err)
	sql, _, err := RenderExpr(e, dialect)
	require.NoError(t, err)
	return sql
}

func TestFormulaArithmetic(t *testing.T) {
	require.Equal(t,
		`(("price" * "quantity") + 1)`,
		renderFormula(t, "[price] * [quantity] + 1", SQLite))
	require.Equal(t,
		`("quantity" % 3)`,
		renderFormula(t, "[quantity] % 3", SQLite))
	require.Equal(t,
		`(- "price")`,
		renderFormula(t, "-[price]", SQLite))
}

func TestFormulaFunctions(t *testing.T) {
	require.Equal(t,
		`round("price", 2)`,
		renderFormula(t, "ROUND([price], 2)", SQLite))
	require.Equal(t,
		`("symbol" || '!')`,
		renderFormula(t, "CONCAT([symbol], '!')", SQLite))
	require.Equal(t,
		`concat("symbol", '!')`,
		renderFormula(t, "CONCAT([symbol], '!')", ClickHouse))
	require.Equal(t,
		`coalesce("price", 0)`,
		renderFormula(t, "COALESCE([price], 0)", SQLite))
}

func TestFormulaConditionals(t *testing.T) {
	require.Equal(t,
		`CASE WHEN ("price" > 100) THEN 'high' ELSE 'low' END`,
		renderFormula(t, "IF([price] > 100, 'high', 'low')", SQLite))
	require.Equal(t,
		`CASE WHEN ("price" > 100) THEN 'high' WHEN ("price" > 10) THEN 'mid' ELSE 'low' END`,
		renderFormula(t, "CASE([price] > 100, 'high', [price] > 10, 'mid', 'low')", SQLite))
}

func TestFormulaDateFunctionsPerDialect(t *testing.T) {
	require.Equal(t, `toYear("ts")`, renderFormula(t, "YEAR([ts])", ClickHouse))
	require.Equal(t,
		`CAST(strftime('%Y', "ts") AS INTEGER)`,
		renderFormula(t, "YEAR([ts])", SQLite))
	require.Equal(t,
		`dateDiff('day', "ts", now())`,
		renderFormula(t, "DATE_DIFF('day', [ts], NOW())", ClickHouse))
	require.Equal(t,
		`dateadd('d', 7, "ts")`,
		renderFormula(t, "DATE_ADD('day', 7, [ts])", QuestDB))
}

func TestFormulaRejectsUnknownColumn(t *testing.T) {
	var _, err = ParseFormula("f1", "[missing] + 1", formulaInput, noResolve)
	var cErr *CompileError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindUnknownColumn, cErr.Kind)
}

func TestFormulaRejectsAggregates(t *testing.T) {
	var _, err = ParseFormula("f1", "SUM([price])", formulaInput, noResolve)
	var cErr *CompileError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindFormulaParse, cErr.Kind)
	require.Contains(t, cErr.Detail, "group_by")
}

func TestFormulaRejectsUnknownFunction(t *testing.T) {
	var _, err = ParseFormula("f1", "EXPLODE([price])", formulaInput, noResolve)
	var cErr *CompileError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindFormulaParse, cErr.Kind)
}

func TestFormulaParseFailure(t *testing.T) {
	var _, err = ParseFormula("f1", "[price] +", formulaInput, noResolve)
	var cErr *CompileError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindFormulaParse, cErr.Kind)

	_, err = ParseFormula("f1", "[price", formulaInput, noResolve)
	require.ErrorAs(t, err, &cErr)
	require.Contains(t, cErr.Detail, "unterminated")
}

func TestFormulaBracketInsideStringLiteral(t *testing.T) {
	require.Equal(t,
		`('[x]' || "symbol")`,
		renderFormula(t, "CONCAT('[x]', [symbol])", SQLite))
}
