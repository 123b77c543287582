package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists audit events to a Redis list so multiple pods share one
// audit view. The single-process deployment runs without it; main.go wires it
// only when REDIS_ADDR is set.
type RedisStore struct {
	rdb *redis.Client
	key string
	cap int64
}

// NewRedisStore connects to Redis and verifies connectivity before returning.
// The caller decides whether a connection failure means fall back to local
// JSONL or abort.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis audit store connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, key: "copilot:audit", cap: 10000}, nil
}

// Append pushes the event onto the audit list, trimming to the retention cap.
func (s *RedisStore) Append(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, -s.cap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Tail returns up to n most recent events, oldest first.
func (s *RedisStore) Tail(ctx context.Context, n int64) ([]Event, error) {
	raw, err := s.rdb.LRange(ctx, s.key, -n, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
