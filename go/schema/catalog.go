package schema

import (
	"strings"
	"time"
)

// TableSchema describes one table of a backing store as exposed to the
// canvas for data_source configuration.
type TableSchema struct {
	Store   string  `json:"store"`
	Table   string  `json:"table"`
	Columns Columns `json:"columns"`
}

// Catalog is the merged materialization of the backing stores' system
// catalogs. It is cached in the fast store and refreshed on demand or on a
// schedule.
type Catalog struct {
	Tables      []TableSchema `json:"tables"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// Table returns the named table of the named store.
func (c *Catalog) Table(store, table string) (TableSchema, bool) {
	for _, t := range c.Tables {
		if t.Store == store && t.Table == table {
			return t, true
		}
	}
	return TableSchema{}, false
}

// nativeDtypes maps lower-cased store-native type names onto engine dtypes.
// ClickHouse spellings and PostgreSQL-family spellings (QuestDB speaks the
// latter) both appear; unsigned widths collapse into int64.
var nativeDtypes = map[string]Dtype{
	"string": DtypeString, "fixedstring": DtypeString, "uuid": DtypeString,
	"varchar": DtypeString, "text": DtypeString, "char": DtypeString, "symbol": DtypeString,
	"int8": DtypeInt64, "int16": DtypeInt64, "int32": DtypeInt64, "int64": DtypeInt64,
	"uint8": DtypeInt64, "uint16": DtypeInt64, "uint32": DtypeInt64, "uint64": DtypeInt64,
	"int": DtypeInt64, "bigint": DtypeInt64, "smallint": DtypeInt64, "integer": DtypeInt64, "long": DtypeInt64,
	"float32": DtypeFloat64, "float64": DtypeFloat64, "decimal": DtypeFloat64,
	"float": DtypeFloat64, "double": DtypeFloat64, "double precision": DtypeFloat64, "real": DtypeFloat64, "numeric": DtypeFloat64,
	"bool": DtypeBool, "boolean": DtypeBool,
	"date": DtypeDatetime, "date32": DtypeDatetime, "datetime": DtypeDatetime, "datetime64": DtypeDatetime,
	"timestamp": DtypeDatetime, "timestamp with time zone": DtypeDatetime, "timestamptz": DtypeDatetime,
}

// DtypeFromNative maps a store-native type name onto the engine dtype.
// Parameterized spellings such as DateTime64(3) or Nullable(String) reduce
// to their base name; Nullable wrappers are reported via the second result.
func DtypeFromNative(native string) (Dtype, bool, bool) {
	var name = strings.TrimSpace(native)
	var nullable bool

	var lower = strings.ToLower(name)
	if strings.HasPrefix(lower, "nullable(") && strings.HasSuffix(name, ")") {
		name = name[len("Nullable(") : len(name)-1]
		nullable = true
		lower = strings.ToLower(name)
	}
	if i := strings.IndexByte(lower, '('); i >= 0 {
		lower = lower[:i]
	}

	dtype, ok := nativeDtypes[lower]
	return dtype, nullable, ok
}
