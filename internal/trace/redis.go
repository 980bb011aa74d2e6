package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisStream = "tally:spans"

// RedisConfig configures the Redis stream exporter.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string // default: tally:spans
	MaxLen      int64  // approximate stream cap; 0 means unbounded
	DialTimeout time.Duration
}

// RedisExporter appends spans to a Redis stream with XADD.
type RedisExporter struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisExporter connects to Redis and verifies the connection.
func NewRedisExporter(ctx context.Context, cfg RedisConfig) (*RedisExporter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis exporter requires an address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: durationOr(cfg.DialTimeout, 5*time.Second),
	})

	pingCtx, cancel := context.WithTimeout(ctx, durationOr(cfg.DialTimeout, 5*time.Second))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisExporterFromClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewRedisExporterFromClient wraps an existing client.
func NewRedisExporterFromClient(client *redis.Client, stream string, maxLen int64) *RedisExporter {
	if stream == "" {
		stream = defaultRedisStream
	}
	return &RedisExporter{client: client, stream: stream, maxLen: maxLen}
}

func (e *RedisExporter) Export(ctx context.Context, spans []ClosedSpan) error {
	if len(spans) == 0 {
		return nil
	}

	pipe := e.client.Pipeline()
	for _, s := range spans {
		values, err := redisValues(s)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			MaxLen: e.maxLen,
			Approx: e.maxLen > 0,
			Values: values,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append spans to %s: %w", e.stream, err)
	}
	return nil
}

func (e *RedisExporter) Close() error {
	return e.client.Close()
}

// redisValues lifts the fields consumers filter on next to the full span JSON.
func redisValues(s ClosedSpan) (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode span %s: %w", s.ID, err)
	}
	values := map[string]interface{}{
		"span_id":     s.ID,
		"trace_id":    s.TraceID,
		"name":        s.Name,
		"kind":        string(s.Kind),
		"outcome":     string(s.Outcome),
		"duration_ms": strconv.FormatInt(s.DurationMs, 10),
		"span":        string(data),
	}
	if s.ParentID != "" {
		values["parent_id"] = s.ParentID
	}
	return values, nil
}

var _ Exporter = (*RedisExporter)(nil)
