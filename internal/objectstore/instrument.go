package objectstore

import (
	"context"
	"errors"

	"github.com/variantgroup/variant-analytics/internal/metrics"
)

// instrumentedGateway counts every backend operation in the
// objectstore_ops_total metric family, labeled by op and result.
type instrumentedGateway struct {
	next Gateway
	m    *metrics.Metrics
}

// Instrument wraps gw with per-operation counters.
func Instrument(gw Gateway, m *metrics.Metrics) Gateway {
	return &instrumentedGateway{next: gw, m: m}
}

func (g *instrumentedGateway) observe(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	g.m.StoreOpsTotal.WithLabelValues(op, result).Inc()
}

func (g *instrumentedGateway) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := g.next.Get(ctx, key)
	g.observe("get", err)
	return data, err
}

func (g *instrumentedGateway) Put(ctx context.Context, key string, data []byte) error {
	err := g.next.Put(ctx, key, data)
	g.observe("put", err)
	return err
}

func (g *instrumentedGateway) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := g.next.List(ctx, prefix)
	g.observe("list", err)
	return keys, err
}

func (g *instrumentedGateway) Delete(ctx context.Context, key string) error {
	err := g.next.Delete(ctx, key)
	g.observe("delete", err)
	return err
}
