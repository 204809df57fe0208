package router

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/schema"
)

// catalogBudget bounds system-catalog probes.
var catalogBudget = Budget{WallTime: 10 * time.Second}

// Catalog queries the backing stores' system catalogs and merges them into
// the engine's schema catalog, mapping native type names onto dtypes. A
// store that cannot be reached contributes nothing; the merged catalog is
// still usable for the stores that answered.
func (r *Router) Catalog(ctx context.Context) (*schema.Catalog, error) {
	var catalog = &schema.Catalog{RefreshedAt: time.Now().UTC()}

	if r.analytical != nil {
		tables, err := r.analyticalTables(ctx)
		if err != nil {
			log.WithError(err).Warn("analytical store catalog probe failed")
		} else {
			catalog.Tables = append(catalog.Tables, tables...)
		}
	}
	if r.live != nil {
		tables, err := r.liveTables(ctx)
		if err != nil {
			log.WithError(err).Warn("live store catalog probe failed")
		} else {
			catalog.Tables = append(catalog.Tables, tables...)
		}
	}

	if len(catalog.Tables) == 0 {
		return nil, fmt.Errorf("no backing store answered the catalog probe")
	}
	return catalog, nil
}

func (r *Router) analyticalTables(ctx context.Context) ([]schema.TableSchema, error) {
	var result, err = r.analytical.Query(ctx,
		`SELECT table, name, type FROM system.columns WHERE database = currentDatabase() ORDER BY table, position`,
		nil, catalogBudget)
	if err != nil {
		return nil, err
	}

	var byTable = make(map[string]*schema.TableSchema)
	var order []string
	for _, row := range result.Rows {
		table, _ := row["table"].(string)
		name, _ := row["name"].(string)
		native, _ := row["type"].(string)
		if table == "" || name == "" {
			continue
		}
		dtype, nullable, ok := schema.DtypeFromNative(native)
		if !ok {
			continue // Unrepresentable column types are invisible to the canvas.
		}
		t, seen := byTable[table]
		if !seen {
			t = &schema.TableSchema{Store: string(compiler.StoreAnalytical), Table: table}
			byTable[table] = t
			order = append(order, table)
		}
		t.Columns = append(t.Columns, schema.Column{Name: name, Dtype: dtype, Nullable: nullable})
	}

	var out = make([]schema.TableSchema, 0, len(order))
	for _, name := range order {
		out = append(out, *byTable[name])
	}
	return out, nil
}

func (r *Router) liveTables(ctx context.Context) ([]schema.TableSchema, error) {
	var names, err = r.live.Query(ctx, `SELECT table_name FROM tables() ORDER BY table_name`, nil, catalogBudget)
	if err != nil {
		return nil, err
	}

	var out []schema.TableSchema
	for _, row := range names.Rows {
		table, _ := row["table_name"].(string)
		if table == "" {
			continue
		}
		cols, err := r.live.Query(ctx,
			fmt.Sprintf(`SELECT "column", "type" FROM table_columns(%s)`, compiler.DefaultQuoteString(table)),
			nil, catalogBudget)
		if err != nil {
			return nil, err
		}
		var t = schema.TableSchema{Store: string(compiler.StoreLive), Table: table}
		for _, c := range cols.Rows {
			name, _ := c["column"].(string)
			native, _ := c["type"].(string)
			dtype, nullable, ok := schema.DtypeFromNative(native)
			if !ok {
				continue
			}
			t.Columns = append(t.Columns, schema.Column{Name: name, Dtype: dtype, Nullable: nullable})
		}
		if len(t.Columns) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}
