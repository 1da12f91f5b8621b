package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/viant/mcprpc/auth"
)

var (
	_ GrantStore  = (*RedisStore)(nil)
	_ ClientStore = (*RedisClients)(nil)
)

// RedisStore is a durable GrantStore backed by Redis.
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	idleTTL     time.Duration
	maxTTL      time.Duration
	rotateGrace time.Duration
}

// NewRedisStore creates a Redis-backed grant store.
func NewRedisStore(rdb *redis.Client, prefix string, idleTTL, maxTTL, rotateGrace time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "oauth:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, idleTTL: idleTTL, maxTTL: maxTTL, rotateGrace: rotateGrace}
}

func (s *RedisStore) keyGrant(id string) string   { return s.prefix + "grant:" + id }
func (s *RedisStore) keyFamily(fid string) string { return s.prefix + "family:" + fid }

func (s *RedisStore) Put(ctx context.Context, g *Grant) error {
	now := time.Now()
	s.applyDefaults(g, now)
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	ttl := ttlFor(g, now)
	if err := s.rdb.Set(ctx, s.keyGrant(g.ID), data, ttl).Err(); err != nil {
		return err
	}
	// keep family membership around as long as any member exists
	return s.rdb.SAdd(ctx, s.keyFamily(g.FamilyID), g.ID).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Grant, error) {
	raw, err := s.rdb.Get(ctx, s.keyGrant(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.decode(ctx, id, raw)
}

func (s *RedisStore) Consume(ctx context.Context, id string) (*Grant, error) {
	raw, err := s.rdb.GetDel(ctx, s.keyGrant(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	g := &Grant{}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	_ = s.rdb.SRem(ctx, s.keyFamily(g.FamilyID), id).Err()
	if expired(g, time.Now()) {
		return nil, ErrNotFound
	}
	return g, nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	g, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	g.LastUsedAt = at
	if s.idleTTL > 0 {
		newExp := at.Add(s.idleTTL)
		if !g.MaxExpiresAt.IsZero() && newExp.After(g.MaxExpiresAt) {
			newExp = g.MaxExpiresAt
		}
		g.ExpiresAt = newExp
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyGrant(id), data, ttlFor(g, time.Now())).Err()
}

func (s *RedisStore) Rotate(ctx context.Context, oldID string, newGrant *Grant) (string, error) {
	old, err := s.Get(ctx, oldID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	ng := cloneGrant(newGrant)
	if ng.ID == "" {
		id, err := NewToken()
		if err != nil {
			return "", err
		}
		ng.ID = id
	}
	ng.FamilyID = old.FamilyID
	s.applyDefaults(ng, now)
	data, err := json.Marshal(ng)
	if err != nil {
		return "", err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyGrant(ng.ID), data, ttlFor(ng, now))
	pipe.SAdd(ctx, s.keyFamily(ng.FamilyID), ng.ID)
	if s.rotateGrace > 0 {
		// rewrite the old grant with a successor marker and shrink it to the
		// grace window
		old.SetMeta(metaSuccessor, ng.ID)
		old.ExpiresAt = now.Add(s.rotateGrace)
		oldData, err := json.Marshal(old)
		if err != nil {
			return "", err
		}
		pipe.Set(ctx, s.keyGrant(oldID), oldData, s.rotateGrace)
	} else {
		pipe.Del(ctx, s.keyGrant(oldID))
		pipe.SRem(ctx, s.keyFamily(old.FamilyID), oldID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return ng.ID, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	g, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.keyGrant(id)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, s.keyFamily(g.FamilyID), id).Err()
}

func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string) error {
	key := s.keyFamily(familyID)
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.keyGrant(id))
	}
	pipe.Del(ctx, key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) applyDefaults(g *Grant, now time.Time) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.LastUsedAt.IsZero() {
		g.LastUsedAt = now
	}
	if g.ExpiresAt.IsZero() && s.idleTTL > 0 {
		g.ExpiresAt = now.Add(s.idleTTL)
	}
	if g.MaxExpiresAt.IsZero() && s.maxTTL > 0 {
		g.MaxExpiresAt = now.Add(s.maxTTL)
	}
}

func (s *RedisStore) decode(ctx context.Context, id string, raw []byte) (*Grant, error) {
	g := &Grant{}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	if expired(g, time.Now()) {
		_ = s.Revoke(ctx, id)
		return nil, ErrNotFound
	}
	return g, nil
}

func ttlFor(g *Grant, now time.Time) time.Duration {
	var until time.Time
	switch {
	case !g.ExpiresAt.IsZero() && !g.MaxExpiresAt.IsZero():
		if g.ExpiresAt.Before(g.MaxExpiresAt) {
			until = g.ExpiresAt
		} else {
			until = g.MaxExpiresAt
		}
	case !g.ExpiresAt.IsZero():
		until = g.ExpiresAt
	case !g.MaxExpiresAt.IsZero():
		until = g.MaxExpiresAt
	default:
		return 0 // no TTL
	}
	if until.Before(now) {
		return time.Second
	}
	return time.Until(until)
}

// String returns a diagnostic representation of the store config.
func (s *RedisStore) String() string {
	return fmt.Sprintf("RedisStore{prefix=%s idleTTL=%s maxTTL=%s grace=%s}", s.prefix, s.idleTTL, s.maxTTL, s.rotateGrace)
}

// RedisClients is a ClientStore backed by Redis.
type RedisClients struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClients creates a Redis-backed client registry.
func NewRedisClients(rdb *redis.Client, prefix string) *RedisClients {
	if prefix == "" {
		prefix = "oauth:"
	}
	return &RedisClients{rdb: rdb, prefix: prefix}
}

func (s *RedisClients) keyClient(id string) string { return s.prefix + "client:" + id }

func (s *RedisClients) PutClient(ctx context.Context, client *auth.ClientInfo) error {
	data, err := json.Marshal(client)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyClient(client.ClientID), data, 0).Err()
}

func (s *RedisClients) GetClient(ctx context.Context, clientID string) (*auth.ClientInfo, error) {
	raw, err := s.rdb.Get(ctx, s.keyClient(clientID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	client := &auth.ClientInfo{}
	if err := json.Unmarshal(raw, client); err != nil {
		return nil, err
	}
	return client, nil
}
