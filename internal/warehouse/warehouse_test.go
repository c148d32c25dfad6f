package warehouse

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variantgroup/variant-analytics/internal/config"
)

func TestTable_Accessors(t *testing.T) {
	table := &Table{
		Columns: []string{"App_Name", "Plan_Name", "Net_LTV"},
		Rows: [][]any{
			{"JF", "JF2788ST", 12.5},
			{"AT", "AT1001", 9.0},
		},
		FetchedAt: time.Now().Add(-time.Hour),
	}

	assert.Equal(t, 2, table.NumRows())
	assert.Equal(t, 1, table.ColumnIndex("Plan_Name"))
	assert.Equal(t, -1, table.ColumnIndex("Missing"))

	plans, ok := table.Column("Plan_Name")
	require.True(t, ok)
	assert.Equal(t, []any{"JF2788ST", "AT1001"}, plans)

	_, ok = table.Column("Missing")
	assert.False(t, ok)

	age := table.Age(time.Now())
	assert.InDelta(t, time.Hour.Seconds(), age.Seconds(), 5)
}

func TestTable_ColumnToleratesShortRows(t *testing.T) {
	table := &Table{
		Columns: []string{"plan", "value"},
		Rows: [][]any{
			{"JF2788ST", 42.0},
			{"AT1001"},
			{},
		},
	}

	values, ok := table.Column("value")
	require.True(t, ok)
	assert.Equal(t, []any{42.0, nil, nil}, values)
}

func TestTable_JSONRoundTrip(t *testing.T) {
	fetched := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)
	table := &Table{
		Columns:   []string{"plan", "value"},
		Rows:      [][]any{{"JF2788ST", 42.0}},
		FetchedAt: fetched,
	}

	data, err := json.Marshal(table)
	require.NoError(t, err)

	var decoded Table
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, table.Columns, decoded.Columns)
	assert.Equal(t, table.Rows, decoded.Rows)
	assert.True(t, fetched.Equal(decoded.FetchedAt))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(errors.New("syntax error at or near SELECT")))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(fmt.Errorf("wrapped: %w", context.Canceled)))

	assert.True(t, isTransient(driver.ErrBadConn))
	assert.True(t, isTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransient(errors.New("write: broken pipe")))
}

func TestNewSQLGateway_RequiresDSN(t *testing.T) {
	_, err := NewSQLGateway(config.WarehouseConfig{Driver: "postgres"})
	assert.Error(t, err)
}
