package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore is a durable Store backed by Redis, suitable for resuming
// streams across server instances and restarts. Events live in a list per
// stream together with a sequence counter; both expire after ttl so
// abandoned streams clean themselves up.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	ttl      time.Duration
	capacity int64
}

type redisEvent struct {
	Index uint64 `json:"i"`
	Data  []byte `json:"d"`
}

// NewRedisStore creates a Redis-backed store. Empty prefix defaults to
// "mcp:", non-positive ttl disables expiry and non-positive capacity falls
// back to DefaultStreamCapacity.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration, capacity int64) *RedisStore {
	if prefix == "" {
		prefix = "mcp:"
	}
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, capacity: capacity}
}

func (s *RedisStore) keyEvents(sessionID string, streamID uint64) string {
	return fmt.Sprintf("%sevents:%s:%d", s.prefix, sessionID, streamID)
}

func (s *RedisStore) keySeq(sessionID string, streamID uint64) string {
	return fmt.Sprintf("%sseq:%s:%d", s.prefix, sessionID, streamID)
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, streamID uint64, data []byte) (uint64, error) {
	seq, err := s.rdb.Incr(ctx, s.keySeq(sessionID, streamID)).Result()
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(&redisEvent{Index: uint64(seq), Data: data})
	if err != nil {
		return 0, err
	}
	key := s.keyEvents(sessionID, streamID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.capacity, -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, s.keySeq(sessionID, streamID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *RedisStore) Replay(ctx context.Context, sessionID string, streamID uint64, after uint64, sink func(index uint64, data []byte) error) error {
	items, err := s.rdb.LRange(ctx, s.keyEvents(sessionID, streamID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	for _, item := range items {
		stored := &redisEvent{}
		if err := json.Unmarshal([]byte(item), stored); err != nil {
			return fmt.Errorf("failed to decode stored event: %w", err)
		}
		if stored.Index <= after {
			continue
		}
		if err := sink(stored.Index, stored.Data); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Trim(ctx context.Context, sessionID string, streamID uint64, upTo uint64) error {
	key := s.keyEvents(sessionID, streamID)
	items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	keep := 0
	for _, item := range items {
		stored := &redisEvent{}
		if err := json.Unmarshal([]byte(item), stored); err != nil {
			return fmt.Errorf("failed to decode stored event: %w", err)
		}
		if stored.Index > upTo {
			break
		}
		keep++
	}
	if keep == 0 {
		return nil
	}
	if keep == len(items) {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.LTrim(ctx, key, int64(keep), -1).Err()
}

// String returns a diagnostic representation of the store config.
func (s *RedisStore) String() string {
	return fmt.Sprintf("RedisStore{prefix=%s ttl=%s capacity=%d}", s.prefix, s.ttl, s.capacity)
}
