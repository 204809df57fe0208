package compiler

import (
	"fmt"
	"strings"

	"github.com/tessera-analytics/tessera/go/schema"
)

// TokenPair is a matched pair of delimiters around identifiers.
type TokenPair struct {
	Left  string
	Right string
}

// FuncRenderer emits one formula function under a dialect.
type FuncRenderer func(rc *renderContext, args []Expr) error

// Dialect holds everything that differs between the SQL variants a segment
// may target: identifier quoting, parameter placeholders, string quoting,
// and per-function spellings.
type Dialect struct {
	Name        string
	IdentQuotes TokenPair
	Placeholder func(index int, dtype schema.Dtype) string
	QuoteString func(string) string
	Funcs       map[string]FuncRenderer
	// RandFunc orders rows randomly for sample nodes.
	RandFunc string
}

// QuoteIdent delimits an identifier, doubling any embedded right delimiter.
func (d *Dialect) QuoteIdent(name string) string {
	var escaped = strings.ReplaceAll(name, d.IdentQuotes.Right, d.IdentQuotes.Right+d.IdentQuotes.Right)
	return d.IdentQuotes.Left + escaped + d.IdentQuotes.Right
}

// DefaultQuoteString single-quotes a string, doubling embedded quotes.
func DefaultQuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ClickHouseTypedPlaceholder renders {pN:Type} placeholders, the native
// parameter form of the analytical store's HTTP interface.
func ClickHouseTypedPlaceholder(index int, dtype schema.Dtype) string {
	return fmt.Sprintf("{p%d:%s}", index, ClickHouseType(dtype))
}

// ClickHouseType maps an engine dtype onto the analytical store's type name.
func ClickHouseType(dtype schema.Dtype) string {
	switch dtype {
	case schema.DtypeInt64:
		return "Int64"
	case schema.DtypeFloat64:
		return "Float64"
	case schema.DtypeBool:
		return "Bool"
	case schema.DtypeDatetime:
		return "DateTime64(3)"
	default:
		return "String"
	}
}

// PostgresPositionalPlaceholder renders $1, $2, ... placeholders.
func PostgresPositionalPlaceholder(index int, _ schema.Dtype) string {
	return fmt.Sprintf("$%d", index+1)
}

// QuestionMarkPlaceholder renders ? placeholders.
func QuestionMarkPlaceholder(_ int, _ schema.Dtype) string {
	return "?"
}

func plain(name string) FuncRenderer {
	return func(rc *renderContext, args []Expr) error {
		return renderPlainCall(rc, name, args)
	}
}

// unitArg extracts the leading unit literal of DATE_DIFF / DATE_ADD.
func unitArg(fname string, args []Expr) (string, []Expr, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("%s requires a unit argument", fname)
	}
	lit, ok := args[0].(StringLiteral)
	if !ok {
		return "", nil, fmt.Errorf("%s unit must be a string literal", fname)
	}
	var unit = strings.ToLower(lit.Value)
	switch unit {
	case "year", "month", "day", "hour", "minute", "second":
	default:
		return "", nil, fmt.Errorf("%s: unknown unit %q", fname, lit.Value)
	}
	return unit, args[1:], nil
}

func requireArgs(fname string, args []Expr, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s requires %d argument(s), has %d", fname, n, len(args))
	}
	return nil
}

// baseFuncs are the spellings shared by every dialect. Dialect constructors
// copy this table and override the divergent entries.
func baseFuncs() map[string]FuncRenderer {
	var fns = map[string]FuncRenderer{
		"ABS":      plain("abs"),
		"ROUND":    plain("round"),
		"CEIL":     plain("ceil"),
		"FLOOR":    plain("floor"),
		"SQRT":     plain("sqrt"),
		"POWER":    plain("power"),
		"LOG":      plain("ln"),
		"UPPER":    plain("upper"),
		"LOWER":    plain("lower"),
		"TRIM":     plain("trim"),
		"LENGTH":   plain("length"),
		"REPLACE":  plain("replace"),
		"CONCAT":   plain("concat"),
		"LEFT":     plain("left"),
		"RIGHT":    plain("right"),
		"COALESCE": plain("coalesce"),
		"NULLIF":   plain("nullif"),
		"YEAR":     plain("year"),
		"MONTH":    plain("month"),
		"DAY":      plain("day"),
		"HOUR":     plain("hour"),
		"MINUTE":   plain("minute"),
	}
	fns["MOD"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("MOD", args, 2); err != nil {
			return err
		}
		return BinaryExpr{Op: "%", Left: args[0], Right: args[1]}.renderExpr(rc)
	}
	fns["NOW"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("NOW", args, 0); err != nil {
			return err
		}
		rc.write("now()")
		return nil
	}
	return fns
}

// ClickHouse is the analytical-store dialect.
var ClickHouse = newClickHouseDialect()

func newClickHouseDialect() *Dialect {
	var fns = baseFuncs()
	fns["LOG"] = plain("log")
	fns["POWER"] = plain("pow")
	fns["REPLACE"] = plain("replaceAll")
	fns["YEAR"] = plain("toYear")
	fns["MONTH"] = plain("toMonth")
	fns["DAY"] = plain("toDayOfMonth")
	fns["HOUR"] = plain("toHour")
	fns["MINUTE"] = plain("toMinute")
	fns["CONTAINS"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("CONTAINS", args, 2); err != nil {
			return err
		}
		rc.write("(position(")
		if err := args[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := args[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(") > 0)")
		return nil
	}
	fns["DATE_DIFF"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_DIFF", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_DIFF", rest, 2); err != nil {
			return err
		}
		rc.write("dateDiff(" + DefaultQuoteString(unit) + ", ")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(")")
		return nil
	}
	fns["DATE_ADD"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_ADD", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_ADD", rest, 2); err != nil {
			return err
		}
		var fn = map[string]string{
			"year": "addYears", "month": "addMonths", "day": "addDays",
			"hour": "addHours", "minute": "addMinutes", "second": "addSeconds",
		}[unit]
		rc.write(fn + "(")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(")")
		return nil
	}
	return &Dialect{
		Name:        "clickhouse",
		IdentQuotes: TokenPair{Left: `"`, Right: `"`},
		Placeholder: ClickHouseTypedPlaceholder,
		QuoteString: DefaultQuoteString,
		Funcs:       fns,
		RandFunc:    "rand()",
	}
}

// QuestDB is the live-store dialect, spoken over the PostgreSQL wire
// protocol.
var QuestDB = newQuestDBDialect()

func newQuestDBDialect() *Dialect {
	var fns = baseFuncs()
	fns["CONTAINS"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("CONTAINS", args, 2); err != nil {
			return err
		}
		rc.write("(strpos(")
		if err := args[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := args[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(") > 0)")
		return nil
	}
	fns["DATE_DIFF"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_DIFF", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_DIFF", rest, 2); err != nil {
			return err
		}
		rc.write("datediff(" + DefaultQuoteString(questUnit(unit)) + ", ")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(")")
		return nil
	}
	fns["DATE_ADD"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_ADD", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_ADD", rest, 2); err != nil {
			return err
		}
		rc.write("dateadd(" + DefaultQuoteString(questUnit(unit)) + ", ")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(")")
		return nil
	}
	return &Dialect{
		Name:        "questdb",
		IdentQuotes: TokenPair{Left: `"`, Right: `"`},
		Placeholder: PostgresPositionalPlaceholder,
		QuoteString: DefaultQuoteString,
		Funcs:       fns,
		RandFunc:    "rnd_double()",
	}
}

// questUnit maps a unit word to QuestDB's single-character period codes.
func questUnit(unit string) string {
	switch unit {
	case "year":
		return "y"
	case "month":
		return "M"
	case "day":
		return "d"
	case "hour":
		return "h"
	case "minute":
		return "m"
	default:
		return "s"
	}
}

// SQLite is the test dialect: scenario tests compile against it and execute
// the result in-process.
var SQLite = newSQLiteDialect()

func newSQLiteDialect() *Dialect {
	var fns = baseFuncs()
	fns["POWER"] = plain("pow")
	fns["LEFT"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("LEFT", args, 2); err != nil {
			return err
		}
		rc.write("substr(")
		if err := args[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", 1, ")
		if err := args[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(")")
		return nil
	}
	fns["RIGHT"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("RIGHT", args, 2); err != nil {
			return err
		}
		rc.write("substr(")
		if err := args[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", -(")
		if err := args[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write("))")
		return nil
	}
	fns["CONCAT"] = func(rc *renderContext, args []Expr) error {
		if len(args) == 0 {
			return fmt.Errorf("CONCAT requires at least one argument")
		}
		rc.write("(")
		for i, a := range args {
			if i > 0 {
				rc.write(" || ")
			}
			if err := a.renderExpr(rc); err != nil {
				return err
			}
		}
		rc.write(")")
		return nil
	}
	fns["CONTAINS"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("CONTAINS", args, 2); err != nil {
			return err
		}
		rc.write("(instr(")
		if err := args[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", ")
		if err := args[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(") > 0)")
		return nil
	}
	var strftimeUnit = map[string]string{
		"year": "%Y", "month": "%m", "day": "%d", "hour": "%H", "minute": "%M",
	}
	for name, format := range strftimeUnit {
		var f = format
		fns[strings.ToUpper(name)] = func(rc *renderContext, args []Expr) error {
			if err := requireArgs("date part", args, 1); err != nil {
				return err
			}
			rc.write("CAST(strftime(" + DefaultQuoteString(f) + ", ")
			if err := args[0].renderExpr(rc); err != nil {
				return err
			}
			rc.write(") AS INTEGER)")
			return nil
		}
	}
	fns["DATE_DIFF"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_DIFF", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_DIFF", rest, 2); err != nil {
			return err
		}
		var perDay = map[string]int64{"day": 1, "hour": 24, "minute": 1440, "second": 86400}
		mult, ok := perDay[unit]
		if !ok {
			return fmt.Errorf("DATE_DIFF: unit %q is not supported by the sqlite dialect", unit)
		}
		rc.write("CAST((julianday(")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(") - julianday(")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(fmt.Sprintf(")) * %d AS INTEGER)", mult))
		return nil
	}
	fns["DATE_ADD"] = func(rc *renderContext, args []Expr) error {
		unit, rest, err := unitArg("DATE_ADD", args)
		if err != nil {
			return err
		}
		if err := requireArgs("DATE_ADD", rest, 2); err != nil {
			return err
		}
		rc.write("datetime(")
		if err := rest[1].renderExpr(rc); err != nil {
			return err
		}
		rc.write(", (")
		if err := rest[0].renderExpr(rc); err != nil {
			return err
		}
		rc.write(") || " + DefaultQuoteString(" "+unit+"s") + ")")
		return nil
	}
	fns["NOW"] = func(rc *renderContext, args []Expr) error {
		if err := requireArgs("NOW", args, 0); err != nil {
			return err
		}
		rc.write("datetime('now')")
		return nil
	}
	return &Dialect{
		Name:        "sqlite",
		IdentQuotes: TokenPair{Left: `"`, Right: `"`},
		Placeholder: QuestionMarkPlaceholder,
		QuoteString: DefaultQuoteString,
		Funcs:       fns,
		RandFunc:    "RANDOM()",
	}
}
