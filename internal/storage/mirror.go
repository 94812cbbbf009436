package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// StatusMirror publishes the latest reference price and channel snapshots to
// Redis with a TTL so out-of-process readers see fresh state or nothing.
type StatusMirror struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStatusMirror wraps rdb. Keys are namespaced under prefix.
func NewStatusMirror(rdb *redis.Client, prefix string, ttl time.Duration) *StatusMirror {
	if prefix == "" {
		prefix = "stablepeg"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StatusMirror{rdb: rdb, prefix: prefix, ttl: ttl}
}

type mirroredPrice struct {
	Price      decimal.Decimal `json:"price"`
	CapturedAt time.Time       `json:"captured_at"`
}

// PublishPrice stores the latest reference price.
func (m *StatusMirror) PublishPrice(ctx context.Context, price decimal.Decimal, capturedAt time.Time) error {
	data, err := json.Marshal(mirroredPrice{Price: price, CapturedAt: capturedAt})
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, m.priceKey(), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("publish price: %w", err)
	}
	return nil
}

// LatestPrice reads the mirrored price. redis.Nil is returned when absent.
func (m *StatusMirror) LatestPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	data, err := m.rdb.Get(ctx, m.priceKey()).Bytes()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	var p mirroredPrice
	if err := json.Unmarshal(data, &p); err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("decode mirrored price: %w", err)
	}
	return p.Price, p.CapturedAt, nil
}

// PublishChannel stores one channel snapshot, encoded as JSON.
func (m *StatusMirror) PublishChannel(ctx context.Context, channelID string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, m.channelKey(channelID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("publish channel %s: %w", channelID, err)
	}
	return nil
}

// DropChannel removes a channel snapshot.
func (m *StatusMirror) DropChannel(ctx context.Context, channelID string) error {
	return m.rdb.Del(ctx, m.channelKey(channelID)).Err()
}

// Close releases the client.
func (m *StatusMirror) Close() error {
	return m.rdb.Close()
}

func (m *StatusMirror) priceKey() string             { return fmt.Sprintf("%s:price", m.prefix) }
func (m *StatusMirror) channelKey(id string) string { return fmt.Sprintf("%s:channel:%s", m.prefix, id) }
