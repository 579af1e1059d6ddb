package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per origin, with the block's remaining lifetime
// as the key's TTL, plus an index set used by All.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "blocklist"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the clock used to turn expiry times into TTLs.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) key(originIP string) string { return s.prefix + ":ip:" + originIP }
func (s *RedisStore) index() string              { return s.prefix + ":index" }

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	var ttl time.Duration
	if !e.Permanent && e.ExpiresAt != nil {
		ttl = e.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// Already expired: nothing to store, but it must replace any
			// earlier entry.
			if err := s.Delete(ctx, e.OriginIP); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode block entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(e.OriginIP), data, ttl)
		pipe.SAdd(ctx, s.index(), e.OriginIP)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put block: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, originIP string) (Entry, error) {
	data, err := s.client.Get(ctx, s.key(originIP)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis get block: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode block entry: %w", err)
	}
	return e, nil
}

func (s *RedisStore) Delete(ctx context.Context, originIP string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(originIP))
		pipe.SRem(ctx, s.index(), originIP)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete block: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every stored entry. Index members whose key has expired are
// removed from the index as a side effect.
func (s *RedisStore) All(ctx context.Context) ([]Entry, error) {
	ips, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list blocks: %w", err)
	}
	if len(ips) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ips))
	for i, ip := range ips {
		keys[i] = s.key(ip)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list blocks: %w", err)
	}

	var (
		out   []Entry
		stale []any
	)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ips[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode block entry %s: %w", ips[i], err)
		}
		out = append(out, e)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.index(), stale...).Err(); err != nil {
			return out, fmt.Errorf("redis prune block index: %w", err)
		}
	}
	return out, nil
}
