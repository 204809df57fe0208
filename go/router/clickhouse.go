package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tessera-analytics/tessera/go/compiler"
	"github.com/tessera-analytics/tessera/go/schema"
)

// ClickHouseClient speaks the analytical store's HTTP interface. Queries
// are read-only; parameters travel as typed param_pN form values matching
// the {pN:Type} placeholders the compiler renders, and execution budgets
// append as per-query settings. Calls route through a circuit breaker: an
// open breaker short-circuits to store_unavailable without touching the
// store.
type ClickHouseClient struct {
	endpoint string
	database string
	user     string
	password string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewClickHouseClient builds a client for the given HTTP endpoint.
func NewClickHouseClient(endpoint, database, user, password string) *ClickHouseClient {
	return &ClickHouseClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		database: database,
		user:     user,
		password: password,
		http:     &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "clickhouse",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("analytical store circuit breaker state changed")
			},
			// Query failures are store answers, not outages; only
			// connectivity-class errors count toward tripping.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var rErr *RouterError
				return errors.As(err, &rErr) && rErr.Kind == KindQueryFailed
			},
		}),
	}
}

var _ SQLClient = (*ClickHouseClient)(nil)

// chResponse is the store's FORMAT JSON envelope.
type chResponse struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
	Rows int64            `json:"rows"`
}

func (c *ClickHouseClient) Query(ctx context.Context, sql string, params []compiler.Param, budget Budget) (*QueryResult, error) {
	if budget.WallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.WallTime)
		defer cancel()
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.query(ctx, sql, params, budget)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RouterError{Kind: KindStoreUnavailable, Target: compiler.StoreAnalytical, Err: err}
		}
		var rErr *RouterError
		if errors.As(err, &rErr) {
			return nil, rErr
		}
		return nil, &RouterError{Kind: KindStoreUnavailable, Target: compiler.StoreAnalytical, Err: err}
	}
	return out.(*QueryResult), nil
}

func (c *ClickHouseClient) query(ctx context.Context, sql string, params []compiler.Param, budget Budget) (*QueryResult, error) {
	var form = url.Values{}
	form.Set("query", sql+" FORMAT JSON")
	for _, p := range params {
		form.Set("param_"+p.Name, paramText(p))
	}

	var q = url.Values{}
	if c.database != "" {
		q.Set("database", c.database)
	}
	q.Set("readonly", "1")
	if budget.WallTime > 0 {
		q.Set("max_execution_time", strconv.FormatFloat(budget.WallTime.Seconds(), 'f', 3, 64))
	}
	if budget.MaxMemoryBytes > 0 {
		q.Set("max_memory_usage", strconv.FormatInt(budget.MaxMemoryBytes, 10))
	}
	if budget.MaxScanRows > 0 {
		q.Set("max_rows_to_read", strconv.FormatInt(budget.MaxScanRows, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/?"+q.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// The store reports query errors as text with a non-200 status.
		return nil, &RouterError{
			Kind:   KindQueryFailed,
			Target: compiler.StoreAnalytical,
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var ch chResponse
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, &RouterError{Kind: KindQueryFailed, Target: compiler.StoreAnalytical,
			Err: fmt.Errorf("decoding response: %w", err)}
	}

	var result = &QueryResult{Rows: ch.Data, TotalRows: ch.Rows}
	for _, m := range ch.Meta {
		dtype, _, ok := schema.DtypeFromNative(m.Type)
		if !ok {
			dtype = schema.DtypeString
		}
		result.Columns = append(result.Columns, ResultColumn{Name: m.Name, Dtype: dtype})
	}
	return result, nil
}

func paramText(p compiler.Param) string {
	switch v := p.Value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Ping probes the store for readiness checks.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analytical store ping: status %d", resp.StatusCode)
	}
	return nil
}
