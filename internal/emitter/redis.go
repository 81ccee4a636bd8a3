// Package emitter mirrors bus events to external systems.
package emitter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "relay:events"

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 100000

// Config holds Redis sink configuration.
type Config struct {
	URL    string
	Stream string
	MaxLen int64
}

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	rdb    redis.Cmdable
	closer func() error
	stream string
	maxLen int64
}

var _ events.Sink = (*RedisSink)(nil)

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg Config) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisSinkWithClient(rdb, cfg.Stream, cfg.MaxLen)
	s.closer = rdb.Close
	return s, nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(rdb redis.Cmdable, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Name implements events.Sink.
func (s *RedisSink) Name() string { return "redis" }

// Emit implements events.Sink.
func (s *RedisSink) Emit(ctx context.Context, ev events.Event) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Close implements events.Sink.
func (s *RedisSink) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// streamValues flattens an event into stream entry fields.
func streamValues(ev events.Event) map[string]interface{} {
	v := map[string]interface{}{
		"event_id":  ev.ID,
		"seq":       strconv.FormatUint(ev.Seq, 10),
		"type":      string(ev.Type),
		"timestamp": strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
		"data":      string(ev.Data),
	}
	m := ev.Metadata
	for key, val := range map[string]string{
		"order_hash": m.OrderHash,
		"swap_id":    m.SwapID,
		"resolver":   m.Resolver,
		"chain_id":   m.ChainID,
		"status":     m.Status,
		"error":      m.Error,
	} {
		if val != "" {
			v[key] = val
		}
	}
	if m.Urgent {
		v["urgent"] = "1"
	}
	return v
}
