package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ErrLockBusy indicates another writer holds one of the requested keys.
var ErrLockBusy = shared.Classify(shared.ErrConcurrency, "platform/cache: lock held by another writer")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker acquires short-lived exclusive keys in Redis. Acquisition never waits.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLocker builds a Locker; ttl bounds how long a crashed holder blocks others.
func NewLocker(client redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes every key in sorted order and returns a release func.
// On the first busy key all previously taken keys are released and ErrLockBusy is returned.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ordered := shared.SortedUnique(keys)
	held := make([]string, 0, len(ordered))
	release := func() {
		// release with a fresh context so a cancelled caller still frees its keys
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(rctx, l.client, []string{held[i]}, token).Err()
		}
	}
	for _, key := range ordered {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			release()
			return nil, fmt.Errorf("platform/cache: lock %s: %w", key, err)
		}
		if !ok {
			release()
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
		}
		held = append(held, key)
	}
	return release, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
