// Package sql provides the SQL connector over database/sql, backed by
// SQLite (modernc) or PostgreSQL (pgx).
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mpataki/relay/internal/connector"
)

const Name = "sql"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Connector struct {
	*connector.Mux
	db     *sql.DB
	driver string
}

// Open connects to the database and builds the connector
func Open(driver, dsn string) (*Connector, error) {
	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return New(db, driver), nil
}

// New wraps an existing database handle
func New(db *sql.DB, driver string) *Connector {
	c := &Connector{
		Mux:    connector.NewMux(Name),
		db:     db,
		driver: driver,
	}
	args := connector.Optional("args", connector.TypeArray)

	c.Handle(connector.ActionSpec{
		Name:        "query",
		Description: "Run a query and return its rows",
		Params: []connector.ParamSpec{
			connector.Required("query", connector.TypeString), args,
		},
	}, c.query)
	c.Handle(connector.ActionSpec{
		Name:        "execute",
		Description: "Run a statement and report affected rows",
		Params: []connector.ParamSpec{
			connector.Required("statement", connector.TypeString), args,
		},
	}, c.execute)
	c.Handle(connector.ActionSpec{
		Name:        "insert_row",
		Description: "Insert one row built from a column/value mapping",
		Params: []connector.ParamSpec{
			connector.Required("table", connector.TypeString),
			connector.Required("values", connector.TypeObject),
		},
	}, c.insertRow)
	return c
}

func (c *Connector) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return connector.Wrap("unavailable", err)
	}
	return nil
}

func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) query(ctx context.Context, params map[string]any) (map[string]any, error) {
	q, err := connector.String(params, "query", true)
	if err != nil {
		return nil, err
	}
	args, err := bindArgs(params)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, dbError(err)
	}

	result := []any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, dbError(err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	colList := make([]any, len(cols))
	for i, col := range cols {
		colList[i] = col
	}
	return map[string]any{
		"rows":    result,
		"columns": colList,
		"count":   len(result),
	}, nil
}

func (c *Connector) execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	stmt, err := connector.String(params, "statement", true)
	if err != nil {
		return nil, err
	}
	args, err := bindArgs(params)
	if err != nil {
		return nil, err
	}
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, dbError(err)
	}
	return c.execResult(res), nil
}

func (c *Connector) insertRow(ctx context.Context, params map[string]any) (map[string]any, error) {
	table, err := connector.String(params, "table", true)
	if err != nil {
		return nil, err
	}
	values, err := connector.Object(params, "values", true)
	if err != nil {
		return nil, err
	}
	stmt, args, err := c.buildInsert(table, values)
	if err != nil {
		return nil, err
	}

	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, dbError(err)
	}
	out := c.execResult(res)
	out["table"] = table
	return out, nil
}

func (c *Connector) buildInsert(table string, values map[string]any) (string, []any, error) {
	if !identPattern.MatchString(table) {
		return "", nil, connector.Failf("invalid_identifier",
			"invalid table name %q", table)
	}
	if len(values) == 0 {
		return "", nil, connector.Failf("invalid_values", "no values to insert")
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if !identPattern.MatchString(col) {
			return "", nil, connector.Failf("invalid_identifier",
				"invalid column name %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		marks[i] = c.placeholder(i + 1)
		args[i] = bindValue(values[col])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return stmt, args, nil
}

func (c *Connector) placeholder(n int) string {
	if c.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (c *Connector) execResult(res sql.Result) map[string]any {
	out := map[string]any{}
	if n, err := res.RowsAffected(); err == nil {
		out["rows_affected"] = n
	}
	if c.driver == DriverSQLite {
		if id, err := res.LastInsertId(); err == nil {
			out["last_insert_id"] = id
		}
	}
	return out
}

func bindArgs(params map[string]any) ([]any, error) {
	args, err := connector.List(params, "args")
	if err != nil {
		return nil, err
	}
	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = bindValue(a)
	}
	return bound, nil
}

// bindValue flattens nested values that drivers cannot bind directly
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return v
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func dbError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return connector.Wrap("database", err)
}
