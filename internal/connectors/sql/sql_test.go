package sql_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/connector"
	sqlconn "github.com/mpataki/relay/internal/connectors/sql"
	"github.com/mpataki/relay/internal/errs"
)

func newConnector(t *testing.T) *sqlconn.Connector {
	t.Helper()
	c, err := sqlconn.Open(sqlconn.DriverSQLite,
		filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Invoke(context.Background(), "execute", map[string]any{
		"statement": `CREATE TABLE orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer TEXT NOT NULL,
			total REAL,
			meta TEXT
		)`,
	})
	require.NoError(t, err)
	return c
}

func TestInsertRowAndQuery(t *testing.T) {
	c := newConnector(t)
	ctx := context.Background()

	out, err := c.Invoke(ctx, "insert_row", map[string]any{
		"table": "orders",
		"values": map[string]any{
			"customer": "acme",
			"total":    12.5,
			"meta":     map[string]any{"rush": true},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["rows_affected"])
	assert.EqualValues(t, 1, out["last_insert_id"])
	assert.Equal(t, "orders", out["table"])

	out, err = c.Invoke(ctx, "query", map[string]any{
		"query": "SELECT customer, total, meta FROM orders WHERE customer = ?",
		"args":  []any{"acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	row := out["rows"].([]any)[0].(map[string]any)
	assert.Equal(t, "acme", row["customer"])
	assert.Equal(t, 12.5, row["total"])
	assert.JSONEq(t, `{"rush": true}`, row["meta"].(string))
}

func TestExecute(t *testing.T) {
	c := newConnector(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := c.Invoke(ctx, "insert_row", map[string]any{
			"table": "orders", "values": map[string]any{"customer": name},
		})
		require.NoError(t, err)
	}

	out, err := c.Invoke(ctx, "execute", map[string]any{
		"statement": "DELETE FROM orders WHERE customer != ?",
		"args":      []any{"a"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["rows_affected"])
}

func TestInsertRowRejectsBadIdentifiers(t *testing.T) {
	c := newConnector(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		table  string
		values map[string]any
	}{
		{"table_injection", "orders; DROP TABLE orders", map[string]any{"customer": "x"}},
		{"column_injection", "orders", map[string]any{"customer) VALUES ('x'); --": "x"}},
		{"no_values", "orders", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(ctx, "insert_row", map[string]any{
				"table": tt.table, "values": tt.values,
			})
			var ce *connector.Error
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestDatabaseErrorsAreConnectorFailures(t *testing.T) {
	c := newConnector(t)
	_, err := c.Invoke(context.Background(), "query", map[string]any{
		"query": "SELECT * FROM missing_table",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnector, connector.Classify(err).Kind)
	assert.Equal(t, "database", connector.Classify(err).Code)
}

func TestMissingParams(t *testing.T) {
	c := newConnector(t)
	_, err := c.Invoke(context.Background(), "insert_row", map[string]any{
		"table": "orders",
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPingAndUnsupportedDriver(t *testing.T) {
	c := newConnector(t)
	assert.NoError(t, c.Ping(context.Background()))

	_, err := sqlconn.Open("oracle", "x")
	assert.Error(t, err)
}
