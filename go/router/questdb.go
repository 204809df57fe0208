package router

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/schema"
)

// QuestDBClient speaks the live store's PostgreSQL wire protocol through a
// pgx pool. Statements carry positional $N parameters; the wall-time budget
// rides on the context deadline, which pgx propagates as query
// cancellation.
type QuestDBClient struct {
	pool *pgxpool.Pool
}

// NewQuestDBClient wraps an established pool.
func NewQuestDBClient(pool *pgxpool.Pool) *QuestDBClient {
	return &QuestDBClient{pool: pool}
}

var _ SQLClient = (*QuestDBClient)(nil)

func (c *QuestDBClient) Query(ctx context.Context, sql string, params []compiler.Param, budget Budget) (*QueryResult, error) {
	if budget.WallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.WallTime)
		defer cancel()
	}

	var args = make([]any, len(params))
	for i, p := range params {
		args[i] = p.Value
	}

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &RouterError{Kind: KindQueryFailed, Target: compiler.StoreLive, Err: err}
	}
	defer rows.Close()

	var result = &QueryResult{SourceStore: compiler.StoreLive}
	var fields = rows.FieldDescriptions()
	for _, f := range fields {
		result.Columns = append(result.Columns, ResultColumn{
			Name:  string(f.Name),
			Dtype: dtypeFromOID(f.DataTypeOID),
		})
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &RouterError{Kind: KindQueryFailed, Target: compiler.StoreLive, Err: err}
		}
		var row = make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &RouterError{Kind: KindStoreUnavailable, Target: compiler.StoreLive, Err: err}
	}
	result.TotalRows = int64(len(result.Rows))
	return result, nil
}

// Ping probes the pool for readiness checks.
func (c *QuestDBClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// dtypeFromOID maps the wire protocol's common type OIDs onto engine
// dtypes.
func dtypeFromOID(oid uint32) schema.Dtype {
	switch oid {
	case 20, 21, 23, 26: // int8, int2, int4, oid
		return schema.DtypeInt64
	case 700, 701, 1700: // float4, float8, numeric
		return schema.DtypeFloat64
	case 16: // bool
		return schema.DtypeBool
	case 1082, 1114, 1184: // date, timestamp, timestamptz
		return schema.DtypeDatetime
	default:
		return schema.DtypeString
	}
}
