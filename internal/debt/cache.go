package debt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "debt:cache:version"
	bumpChannel     = "debt.ledger.bump"
)

// advanceVersionScript only ever moves the version forward, so a late bump
// message cannot bring back entries of an older version.
var advanceVersionScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local incoming = tonumber(ARGV[1])
if current < incoming then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// Cache is a versioned read-through cache for ledger reads. Bump drops every
// entry at once by moving the version forward.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"debt"}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader. Concurrent
// misses on the same key share one loader call.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("debt cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundTrip(value, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	raw, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

// Bump invalidates every cached entry by incrementing the version and
// publishing the new value.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// InvalidateAccount deletes the cached entries of one account together with
// the cached list pages, which embed its balance.
func (c *Cache) InvalidateAccount(ctx context.Context, ref AccountRef) error {
	if c == nil || c.client == nil {
		return nil
	}
	var keys []string
	for _, pattern := range []string{fmt.Sprintf("debt:*:%s:%d:*", ref.Type, ref.ID), "debt:masters:*"} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// ListenForInvalidation follows version bumps published by other instances.
func (c *Cache) ListenForInvalidation(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
					_, _ = c.advanceVersion(ctx, ver)
				}
			}
		}
	}()
	return nil
}

// advanceVersion sets the version to ver when ver is newer and reports
// whether it moved.
func (c *Cache) advanceVersion(ctx context.Context, ver int64) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	moved, err := advanceVersionScript.Run(ctx, c.client, []string{cacheVersionKey}, ver).Int()
	if err != nil {
		return false, err
	}
	return moved == 1, nil
}

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func keyMaster(ref AccountRef) []string {
	return []string{"master", string(ref.Type), strconv.FormatInt(ref.ID, 10)}
}

func keyPeriods(ref AccountRef) []string {
	return []string{"periods", string(ref.Type), strconv.FormatInt(ref.ID, 10)}
}

func keyMasterList(filter ListFilter) []string {
	kind := string(filter.Type)
	if kind == "" {
		kind = "all"
	}
	return []string{"masters", kind, strconv.Itoa(filter.Limit), strconv.Itoa(filter.Offset)}
}
