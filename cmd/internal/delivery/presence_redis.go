package delivery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL bounds how long a connection counts as online without a refresh.
const DefaultPresenceTTL = 90 * time.Second

// lastSeenRetention is how long a last-seen stamp outlives the user's last activity.
const lastSeenRetention = 30 * 24 * time.Hour

// RedisPresence tracks connections in one sorted set per user, plus a last-seen stamp:
//
//	courier:presence:conns:<user_id>  member=conn_id  score=expiry (unix ms)
//	courier:presence:seen:<user_id>   unix ms of the last online/refresh/offline
//
// Expired members are pruned on read, so a node that dies without cleaning up only
// keeps its users online until the TTL runs out.
type RedisPresence struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// RedisPresenceOption customizes RedisPresence.
type RedisPresenceOption func(*RedisPresence)

// WithPresenceTTL overrides DefaultPresenceTTL.
func WithPresenceTTL(ttl time.Duration) RedisPresenceOption {
	return func(p *RedisPresence) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithPresencePrefix overrides the key prefix (default "courier:presence:").
func WithPresencePrefix(prefix string) RedisPresenceOption {
	return func(p *RedisPresence) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

func NewRedisPresence(rdb redis.UniversalClient, opts ...RedisPresenceOption) (*RedisPresence, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	p := &RedisPresence{
		rdb:    rdb,
		ttl:    DefaultPresenceTTL,
		prefix: "courier:presence:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RedisPresence) key(userID string) string     { return p.prefix + "conns:" + userID }
func (p *RedisPresence) seenKey(userID string) string { return p.prefix + "seen:" + userID }

func (p *RedisPresence) Online(ctx context.Context, userID, connID string) error {
	now := p.now()
	key := p.key(userID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(p.ttl).UnixMilli()), Member: connID})
		pipe.PExpire(ctx, key, p.ttl)
		pipe.Set(ctx, p.seenKey(userID), now.UnixMilli(), lastSeenRetention)
		return nil
	})
	return err
}

func (p *RedisPresence) Refresh(ctx context.Context, userID, connID string) error {
	return p.Online(ctx, userID, connID)
}

func (p *RedisPresence) Offline(ctx context.Context, userID, connID string) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, p.key(userID), connID)
		pipe.Set(ctx, p.seenKey(userID), p.now().UnixMilli(), lastSeenRetention)
		return nil
	})
	return err
}

func (p *RedisPresence) Status(ctx context.Context, userIDs ...string) (map[string]Presence, error) {
	out := make(map[string]Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	cutoff := strconv.FormatInt(p.now().UnixMilli(), 10)
	counts := make([]*redis.IntCmd, len(userIDs))
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, u := range userIDs {
			key := p.key(u)
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			counts[i] = pipe.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, u := range userIDs {
		if counts[i].Val() > 0 {
			out[u] = PresenceOnline
		} else {
			out[u] = PresenceOffline
		}
	}
	return out, nil
}

func (p *RedisPresence) LastSeen(ctx context.Context, userIDs ...string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = p.seenKey(u)
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
