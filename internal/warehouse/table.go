package warehouse

import "time"

// Table is a materialized query result: ordered columns, rows in query
// order, and the moment the data was fetched from the warehouse. Tables
// are replaced whole, never patched in place.
type Table struct {
	Columns   []string  `json:"columns"`
	Rows      [][]any   `json:"rows"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NumRows returns the number of rows in the table.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// Age reports how long ago the table was fetched.
func (t *Table) Age(now time.Time) time.Duration {
	return now.Sub(t.FetchedAt)
}

// ColumnIndex returns the position of the named column, or -1 when the
// column does not exist.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns all values of the named column in row order. The second
// return is false when the column does not exist. Rows shorter than the
// column set (a truncated cached payload) contribute nil, keeping the
// result aligned with NumRows.
func (t *Table) Column(name string) ([]any, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	values := make([]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		if idx >= len(row) {
			values = append(values, nil)
			continue
		}
		values = append(values, row[idx])
	}
	return values, true
}
