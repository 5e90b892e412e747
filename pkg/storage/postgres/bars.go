package postgres

import (
	"context"
	"fmt"
	"time"

	"profilefeed/pkg/market"
)

// BarStore reads bar history for backfills. It never writes.
type BarStore struct {
	client *PostgresClient
	period string
}

// NewBarStore serves bars of one period, e.g. "30m".
func NewBarStore(client *PostgresClient, period string) *BarStore {
	return &BarStore{client: client, period: period}
}

// Bars returns the bars of key with from <= start < to, oldest first.
func (s *BarStore) Bars(ctx context.Context, key market.CompositeKey, from, to time.Time) ([]market.Bar, error) {
	var records []BarRecord
	err := s.client.DB.WithContext(ctx).
		Where("source = ? AND symbol = ? AND period = ? AND start >= ? AND start < ?",
			key.Source, key.Symbol, s.period, from.UTC(), to.UTC()).
		Order("start ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", key, err)
	}

	out := make([]market.Bar, len(records))
	for i, r := range records {
		out[i] = r.Bar()
	}
	return out, nil
}
