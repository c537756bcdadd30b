package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror receives every published event for durable or cross-process fan-out.
type Mirror interface {
	Append(traceID string, evt Event)
}

const (
	mirrorStreamPrefix = "fathom:events:"
	mirrorMaxLen       = 1024
	mirrorTimeout      = 2 * time.Second
	mirrorTTL          = 24 * time.Hour
)

// RedisMirror appends events to a per-trace Redis Stream so restarted
// gateways and external consumers can catch up. Appends are best-effort;
// Redis being down never blocks publishing.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

func (m *RedisMirror) Append(traceID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	key := mirrorStreamPrefix + traceID
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: mirrorMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     evt.Seq,
			"type":    evt.Type,
			"step":    evt.Step,
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Debug("event mirror append failed",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		return
	}
	m.client.Expire(ctx, key, mirrorTTL)
}

// Read returns up to count mirrored events after the given stream ID.
// An empty or "0" afterID reads from the beginning.
func (m *RedisMirror) Read(ctx context.Context, traceID, afterID string, count int64) ([]redis.XMessage, error) {
	start := "-"
	if afterID != "" && afterID != "0" {
		start = "(" + afterID
	}
	return m.client.XRangeN(ctx, mirrorStreamPrefix+traceID, start, "+", count).Result()
}
