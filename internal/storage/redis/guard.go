// Package redis implements the purchase idempotency guard on Redis.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

const (
	keyPrefix    = "purchase:idempotency:"
	pendingValue = "pending"

	// DefaultKeyTTL is used when NewGuard is given a non-positive TTL.
	DefaultKeyTTL = 24 * time.Hour
)

// claimScript sets the key if absent and otherwise returns its value. An
// empty reply means the key was claimed by this call.
var claimScript = goredis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return ''
end
return redis.call('GET', KEYS[1])
`)

var _ purchase.IdempotencyGuard = (*Guard)(nil)

// Guard implements purchase.IdempotencyGuard. A claimed key holds "pending"
// until the purchase id is recorded; both states expire after the TTL.
type Guard struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewGuard returns a Guard storing keys in client.
func NewGuard(client goredis.UniversalClient, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &Guard{client: client, ttl: ttl}
}

// Claim implements purchase.IdempotencyGuard.
func (g *Guard) Claim(ctx context.Context, key string) (int64, bool, error) {
	val, err := claimScript.Run(ctx, g.client,
		[]string{keyPrefix + key}, pendingValue, g.ttl.Milliseconds(),
	).Text()
	if err != nil {
		return 0, false, errors.Wrapf(err, "claim %q", key)
	}
	return parseClaim(val)
}

// Complete implements purchase.IdempotencyGuard.
func (g *Guard) Complete(ctx context.Context, key string, purchaseID int64) error {
	if err := g.client.Set(ctx, keyPrefix+key, purchaseID, g.ttl).Err(); err != nil {
		return errors.Wrapf(err, "complete %q", key)
	}
	return nil
}

// Release implements purchase.IdempotencyGuard.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrapf(err, "release %q", key)
	}
	return nil
}

func parseClaim(val string) (purchaseID int64, claimed bool, err error) {
	switch val {
	case "":
		return 0, true, nil
	case pendingValue:
		return 0, false, nil
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse stored purchase id %q", val)
	}
	return id, false, nil
}

// NewClient connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
