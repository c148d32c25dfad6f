// Package warehouse wraps the analytical query engine behind a single
// run-query contract. The warehouse is the origin tier of the dataset
// cache: a query failure here means the data is unavailable, there is no
// further fallback.
package warehouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver for the SQL gateway
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// ErrUnavailable is returned when the warehouse cannot be reached or the
// query failed after retries.
var ErrUnavailable = errors.New("warehouse unavailable")

// Gateway runs a SQL query and returns the resulting table.
type Gateway interface {
	Query(ctx context.Context, query string) (*Table, error)
}

// SQLGateway is the database/sql implementation of Gateway.
type SQLGateway struct {
	db         *sqlx.DB
	timeout    time.Duration
	maxRetries int
	logger     *logrus.Entry
}

// NewSQLGateway opens a pooled connection to the warehouse and verifies it
// with a ping.
func NewSQLGateway(cfg config.WarehouseConfig) (*SQLGateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse DSN is required")
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	return &SQLGateway{
		db:         db,
		timeout:    cfg.QueryTimeout,
		maxRetries: cfg.MaxRetries,
		logger:     logrus.WithField("component", "warehouse"),
	}, nil
}

// Query runs the statement and materializes the full result set. Transient
// connection errors are retried up to the configured bound; anything that
// still fails surfaces as ErrUnavailable wrapping the cause.
func (g *SQLGateway) Query(ctx context.Context, query string) (*Table, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var table *Table
	var err error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		table, err = g.runQuery(ctx, query)
		if err == nil {
			return table, nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
		g.logger.WithError(err).WithField("attempt", attempt+1).
			Warn("warehouse query failed, retrying")
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (g *SQLGateway) runQuery(ctx context.Context, query string) (*Table, error) {
	start := time.Now()
	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	table := &Table{
		Columns:   columns,
		Rows:      make([][]any, 0, 64),
		FetchedAt: time.Now().UTC(),
	}

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// Drivers hand back []byte for text columns; keep the
			// serialized form stable across the JSON round trip.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	g.logger.WithFields(logrus.Fields{
		"rows":     len(table.Rows),
		"duration": time.Since(start),
	}).Debug("warehouse query completed")

	return table, nil
}

// Close releases the connection pool.
func (g *SQLGateway) Close() error {
	return g.db.Close()
}

// isTransient reports whether the error is worth retrying. Syntax and
// logical errors are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
