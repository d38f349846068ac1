// Package redisstore implements store.Store on top of Redis, using
// github.com/redis/go-redis/v9 — the client every Redis-backed example in
// this corpus (fairyhunter13-ai-cv-evaluator, jordigilh-kubernaut,
// neurobridge-backend) standardizes on.
//
// Hashes, sorted sets, sets, streams and pub/sub map onto their native
// Redis counterparts one-to-one; TTL is EXPIRE; the atomic conditional
// remove the broker's claim protocol relies on is a plain ZREM — Redis
// already executes single commands atomically, so no Lua script is needed
// for it. The one place a genuine check-then-act needs a script is
// RefreshHeartbeatIfActive, which borrows the Lua-token-bucket pattern
// fairyhunter13's internal/service/ratelimiter/redis_lua_limiter.go uses
// for its rate limiter.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
)

// Store adapts a *redis.Client to store.Store.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-configured go-redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial connects to addr (host:port) with the given password/DB selector.
func Dial(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: dial %s: %w", addr, wrap(err))
	}
	return New(rdb), nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	// Any network/IO error from go-redis bubbles up as a generic error;
	// client_golang and go-redis don't export a typed "connection refused"
	// so we classify conservatively: anything that isn't redis.Nil and
	// isn't a context error is treated as a store outage per §7.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrap(s.rdb.HSet(ctx, key, args...).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrap(err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap(s.rdb.HDel(ctx, key, fields...).Err())
}

func (s *Store) HKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}
	return keys, nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return wrap(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return wrap(s.rdb.ZRem(ctx, key, member).Err())
}

func (s *Store) ZRevRange(ctx context.Context, key string, count int64) ([]store.ScoredMember, error) {
	if count <= 0 {
		count = 1
	}
	res, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, count-1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]store.ScoredMember, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, store.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *Store) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.rdb.ZRevRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap(err)
	}
	return rank, true, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.rdb.SAdd(ctx, key, args...).Err())
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.rdb.SRem(ctx, key, args...).Err())
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

func (s *Store) XAdd(ctx context.Context, key string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
	if err != nil {
		return "", wrap(err)
	}
	return id, nil
}

func (s *Store) XRange(ctx context.Context, key, start, end string) ([]store.StreamEntry, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	msgs, err := s.rdb.XRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]store.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, store.StreamEntry{ID: m.ID, Fields: fields})
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return wrap(s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) (store.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, wrap(err)
	}
	return &subscription{pubsub: pubsub, ch: make(chan store.Message, 64), stop: make(chan struct{})}, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// ConditionalRemove is the single linearization point: ZREM reports how
// many members it actually removed. Exactly one worker observes true for
// any given job ID, because Redis serializes the command.
func (s *Store) ConditionalRemove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// heartbeatRefreshScript extends a worker's heartbeat TTL only if the
// worker still appears in the active-workers set, closing the race where a
// reclaim sweep deletes a worker between the registry's liveness check and
// the TTL write. Modeled on fairyhunter13-ai-cv-evaluator's Lua token
// bucket (internal/service/ratelimiter/redis_lua_limiter.go): the only
// other spot in this codebase where a check-then-act needs to be atomic
// across two keys.
var heartbeatRefreshScript = redis.NewScript(`
local heartbeat_key = KEYS[1]
local active_set_key = KEYS[2]
local worker_id = ARGV[1]
local ttl_seconds = tonumber(ARGV[2])
local now_iso = ARGV[3]

if redis.call("SISMEMBER", active_set_key, worker_id) == 0 then
  return 0
end

redis.call("SET", heartbeat_key, now_iso, "EX", ttl_seconds)
return 1
`)

// RefreshHeartbeatIfActive extends the worker's heartbeat key's TTL, but
// only if the worker is still listed in the active-workers set. Returns
// false if the worker had already been reclaimed.
func (s *Store) RefreshHeartbeatIfActive(ctx context.Context, heartbeatKey, activeSetKey, workerID string, ttl time.Duration, nowISO string) (bool, error) {
	res, err := heartbeatRefreshScript.Run(ctx, s.rdb, []string{heartbeatKey, activeSetKey}, workerID, int(ttl.Seconds()), nowISO).Result()
	if err != nil {
		return false, wrap(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan store.Message
	stop   chan struct{}
	once   bool
}

func (sub *subscription) Channel() <-chan store.Message {
	if !sub.once {
		sub.once = true
		go sub.pump()
	}
	return sub.ch
}

func (sub *subscription) pump() {
	defer close(sub.ch)
	native := sub.pubsub.Channel()
	for {
		select {
		case <-sub.stop:
			return
		case msg, ok := <-native:
			if !ok {
				return
			}
			select {
			case sub.ch <- store.Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-sub.stop:
				return
			}
		}
	}
}

func (sub *subscription) Close() error {
	close(sub.stop)
	return sub.pubsub.Close()
}
