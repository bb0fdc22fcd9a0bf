package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leadscout/scrapecore/internal/model"
)

// RedisStore implements Store's cache and queue-entry surface over Redis.
// cmd/scrapecored uses it only as the Provider Cache's L2 layer; its
// queue-entry methods are not wired into the binary. Session/business/
// checkpoint durability is left to PostgresStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Provider cache L2 ---

func (s *RedisStore) GetCacheEntry(ctx context.Context, phone string) (*model.CacheEntry, error) {
	key := GlobalKey(ResourceCache, phone)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) SetCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := GlobalKey(ResourceCache, entry.Phone)
	return s.client.Set(ctx, key, raw, entry.TTL).Err()
}

// --- Queue manager entries ---

func (s *RedisStore) UpsertQueueEntry(ctx context.Context, entry model.QueueEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := GlobalKey(ResourceQueueEntry, entry.SessionID)
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return err
	}
	if entry.Status == model.QueueWaiting {
		return s.client.ZAdd(ctx, waitingSetKey, redis.Z{Score: float64(entry.Position), Member: entry.SessionID}).Err()
	}
	return s.client.ZRem(ctx, waitingSetKey, entry.SessionID).Err()
}

func (s *RedisStore) ListWaitingQueueEntries(ctx context.Context) ([]model.QueueEntry, error) {
	ids, err := s.client.ZRange(ctx, waitingSetKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.QueueEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, GlobalKey(ResourceQueueEntry, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e model.QueueEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) DeleteQueueEntry(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, GlobalKey(ResourceQueueEntry, sessionID)).Err(); err != nil {
		return err
	}
	return s.client.ZRem(ctx, waitingSetKey, sessionID).Err()
}

const waitingSetKey = "scrapecore:queue:waiting"

// releaseScript deletes key only if its value still matches the caller's
// lease token, preventing a stale owner from releasing a lease it no longer
// holds.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// renewScript extends a lease's TTL only if the caller still owns it.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return 0
end
`

// RedisCoordinator implements Coordinator with SET NX EX for acquisition and
// ownership-checked Lua scripts for renewal and release.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator wraps an already-connected client.
func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := c.client.Eval(ctx, renewScript, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	_, err := c.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	return err
}
