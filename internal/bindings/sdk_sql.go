package bindings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/quasar/internal/datum"
)

type sqlReference struct {
	Connection string `json:"Connection"`
	Table      string `json:"Table,omitempty"`
}

// SQLClient is a deferred SQL binding. The pool is opened on first use from
// the DSN held in the app setting named by Connection.
type SQLClient struct {
	Connection string
	Table      string

	once sync.Once
	pool *pgxpool.Pool
	err  error
}

// NewSQLClient parses model binding data into a client.
func NewSQLClient(m *datum.ModelBindingData) (*SQLClient, error) {
	if m == nil {
		return nil, fmt.Errorf("sql model binding data is empty")
	}
	var ref sqlReference
	if err := json.Unmarshal(m.Content, &ref); err != nil {
		return nil, fmt.Errorf("invalid sql model binding content: %w", err)
	}
	if ref.Connection == "" {
		return nil, fmt.Errorf("sql model binding requires Connection")
	}
	return &SQLClient{Connection: ref.Connection, Table: ref.Table}, nil
}

// Pool returns the connection pool, opening it on first call.
func (c *SQLClient) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	c.once.Do(func() {
		dsn := os.Getenv(c.Connection)
		if dsn == "" {
			c.err = fmt.Errorf("app setting %q holds no postgres DSN", c.Connection)
			return
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			c.err = fmt.Errorf("create postgres pool: %w", err)
			return
		}
		c.pool = pool
	})
	return c.pool, c.err
}

// Query runs sql and returns each row as a column-name map.
func (c *SQLClient) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	pool, err := c.Pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

// Exec runs a statement and returns the number of affected rows.
func (c *SQLClient) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	pool, err := c.Pool(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *SQLClient) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// SQL binds deferred *SQLClient inputs and writes JSON rows to outputs.
type SQL struct{}

func (SQL) Deferred(t TypeRef) bool { return t == TypeSQLClient }

func (SQL) CheckInput(t TypeRef) bool {
	switch t {
	case TypeSQLClient, TypeSlice, TypeString, TypeAny:
		return true
	}
	return false
}

func (SQL) CheckOutput(t TypeRef) bool {
	switch t {
	case TypeMap, TypeSlice, TypeString, TypeAny:
		return true
	}
	return false
}

func (SQL) Decode(d datum.Datum, t TypeRef, _ map[string]datum.Datum) (any, error) {
	if t == TypeSQLClient {
		if d.Type != datum.TypeModelBindingData {
			return nil, decodeError(d, t)
		}
		return NewSQLClient(d.Value.(*datum.ModelBindingData))
	}
	return decodeBasic(d, t)
}

func (SQL) Encode(v any, _ TypeRef) (datum.Datum, error) {
	if s, ok := v.(string); ok {
		return datum.JSON(s), nil
	}
	if v == nil || !jsonShaped(v) {
		return datum.Datum{}, encodeError(v, "sql")
	}
	raw, err := marshalJSON(v)
	if err != nil {
		return datum.Datum{}, err
	}
	return datum.JSON(raw), nil
}
