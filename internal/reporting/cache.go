package reporting

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

// BumpChannel carries "<tenant>:<version>" after every committed mutation.
const BumpChannel = "ledger.reports.bump"

// Cache stores rendered reports in Redis under a per-tenant version.
// Bumping the version orphans every key of the tenant; TTL collects them.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func versionKey(tenantID string) string {
	return fmt.Sprintf("ledger:%s:reports:version", tenantID)
}

// Version returns the tenant's cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context, tenantID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(tenantID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so concurrent initialisers agree on 1 without clobbering a bump
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key for a tenant report with the current version.
func (c *Cache) BuildKey(ctx context.Context, tenantID string, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"ledger", tenantID, "reports"}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
// Concurrent misses on the same key share one loader call.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("reporting: loader required")
	}
	if c == nil || c.client == nil {
		return decodeInto(ctx, loader, dest)
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
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

func decodeInto(ctx context.Context, loader func(context.Context) (any, error), dest any) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates the tenant's reports by incrementing its version and publishing an event.
func (c *Cache) Bump(ctx context.Context, tenantID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(tenantID)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, tenantID+":"+strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to bump notifications from another Redis
// (for example a replica region) and mirrors them into this client.
// onBump, when set, is called after each applied notification.
func (c *Cache) ListenForInvalidation(ctx context.Context, source redis.UniversalClient, onBump func(tenantID string, version int64)) error {
	if c == nil || c.client == nil || source == nil {
		return nil
	}
	pubsub := source.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
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
				tenantID, ver, ok := parseBump(msg.Payload)
				if !ok {
					continue
				}
				current, err := c.client.Get(ctx, versionKey(tenantID)).Int64()
				if err != nil && !errors.Is(err, redis.Nil) {
					continue
				}
				if ver > current {
					_ = c.client.Set(ctx, versionKey(tenantID), ver, 0).Err()
				}
				if onBump != nil {
					onBump(tenantID, ver)
				}
			}
		}
	}()
	return nil
}

func parseBump(payload string) (string, int64, bool) {
	idx := strings.LastIndexByte(payload, ':')
	if idx <= 0 {
		return "", 0, false
	}
	ver, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return payload[:idx], ver, true
}
