package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"channelhub/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a hash at {prefix}:pubsub:{id} and indexes
// pending records in one sorted set per kind at {prefix}:pubsub:active:{kind},
// scored by createdAt in unix microseconds.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed queue store. All keys are namespaced
// with prefix.
func NewRedisStore(opts *redis.Options, prefix string) (*RedisStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}
	return &RedisStore{rdb: redis.NewClient(opts), prefix: prefix}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":pubsub:" + id
}

func (s *RedisStore) activeKey(kind domain.TaskKind) string {
	return s.prefix + ":pubsub:active:" + string(kind)
}

// KEYS: record hash, prop set, tax set. ARGV: id, prop, tax, data, created_at.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'prop', ARGV[2], 'tax', ARGV[3], 'data', ARGV[4], 'created_at', ARGV[5])
if ARGV[2] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
end
if ARGV[3] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`)

// KEYS: record hash, kind set. ARGV: flag field, id.
// Returns nil for a missing record, otherwise the hash after the update plus
// a trailing "deleted" pair when the record was removed.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], ARGV[1], '0')
redis.call('ZREM', KEYS[2], ARGV[2])
local rec = redis.call('HGETALL', KEYS[1])
if redis.call('HGET', KEYS[1], 'prop') == '0' and redis.call('HGET', KEYS[1], 'tax') == '0' then
  redis.call('DEL', KEYS[1])
  table.insert(rec, 'deleted')
  table.insert(rec, '1')
end
return rec
`)

func (s *RedisStore) Insert(ctx context.Context, rec domain.PubSubRecord) error {
	keys := []string{s.recordKey(rec.ID), s.activeKey(domain.TaskProp), s.activeKey(domain.TaskTax)}
	created := strconv.FormatInt(rec.CreatedAt.UnixMicro(), 10)
	n, err := insertScript.Run(ctx, s.rdb, keys,
		rec.ID, strconv.Itoa(rec.Prop), strconv.Itoa(rec.Tax), string(rec.Data), created,
	).Int()
	if err != nil {
		return domain.Persistence("redis insert", err)
	}
	if n == 0 {
		return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("record %q already exists", rec.ID)}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.PubSubRecord, error) {
	hash, err := s.rdb.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, domain.Persistence("redis get", err)
	}
	// HGetAll returns an empty map for missing keys
	if len(hash) == 0 {
		return nil, &domain.NotFoundError{Kind: "pubsub record", ID: id}
	}
	return hashToRecord(hash)
}

func (s *RedisStore) ListActive(ctx context.Context, kind domain.TaskKind) ([]domain.PubSubRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.activeKey(kind), 0, -1).Result()
	if err != nil {
		return nil, domain.Persistence("redis list", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, domain.Persistence("redis list", err)
	}

	recs := make([]domain.PubSubRecord, 0, len(ids))
	for _, cmd := range cmds {
		hash := cmd.Val()
		// retired between ZRANGE and HGETALL
		if len(hash) == 0 {
			continue
		}
		rec, err := hashToRecord(hash)
		if err != nil {
			return nil, err
		}
		if rec.Flag(kind) == 1 {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, kind domain.TaskKind) (domain.PubSubRecord, bool, error) {
	keys := []string{s.recordKey(id), s.activeKey(kind)}
	vals, err := completeScript.Run(ctx, s.rdb, keys, string(kind), id).StringSlice()
	if errors.Is(err, redis.Nil) {
		return domain.PubSubRecord{}, false, &domain.NotFoundError{Kind: "pubsub record", ID: id}
	}
	if err != nil {
		return domain.PubSubRecord{}, false, domain.Persistence("redis complete", err)
	}

	hash := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		hash[vals[i]] = vals[i+1]
	}
	_, deleted := hash["deleted"]
	rec, err := hashToRecord(hash)
	if err != nil {
		return domain.PubSubRecord{}, false, err
	}
	return *rec, deleted, nil
}

func (s *RedisStore) Depth(ctx context.Context, kind domain.TaskKind) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.activeKey(kind)).Result()
	if err != nil {
		return 0, domain.Persistence("redis depth", err)
	}
	return int(n), nil
}

func hashToRecord(hash map[string]string) (*domain.PubSubRecord, error) {
	prop, err := strconv.Atoi(hash["prop"])
	if err != nil {
		return nil, fmt.Errorf("invalid prop flag %q: %w", hash["prop"], err)
	}
	tax, err := strconv.Atoi(hash["tax"])
	if err != nil {
		return nil, fmt.Errorf("invalid tax flag %q: %w", hash["tax"], err)
	}
	created, err := strconv.ParseInt(hash["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", hash["created_at"], err)
	}
	rec := &domain.PubSubRecord{
		ID:        hash["id"],
		Prop:      prop,
		Tax:       tax,
		CreatedAt: time.UnixMicro(created),
	}
	if d := hash["data"]; d != "" {
		rec.Data = []byte(d)
	}
	return rec, nil
}
