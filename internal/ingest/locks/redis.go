package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/searchforge/ingestmgr/pkg/redis"
)

// keyPrefix namespaces lock keys away from other Redis users.
const keyPrefix = "ingestlock:"

// Redis is a cluster-wide lock registry backed by SET NX with per-holder
// tokens. The TTL bounds the damage of a crashed holder; callers hold locks
// only for the duration of one document operation.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	spin   time.Duration
	token  string
}

// NewRedis creates a registry on the given client. ttl is the lock lease
// duration; it must exceed the longest expected hold.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	buf := make([]byte, 16)
	rand.Read(buf)
	return &Redis{
		client: client,
		ttl:    ttl,
		spin:   20 * time.Millisecond,
		token:  hex.EncodeToString(buf),
	}
}

// Acquire claims every name in sorted order, spinning with a short delay on
// contention. On error or cancellation, names already claimed are released.
func (r *Redis) Acquire(ctx context.Context, names []string) error {
	wanted := sortedUnique(names)
	for i, name := range wanted {
		if err := r.acquireOne(ctx, name); err != nil {
			r.Release(context.WithoutCancel(ctx), wanted[:i])
			return err
		}
	}
	return nil
}

func (r *Redis) acquireOne(ctx context.Context, name string) error {
	t := time.NewTicker(r.spin)
	defer t.Stop()
	for {
		ok, err := r.client.AcquireToken(ctx, keyPrefix+name, r.token, r.ttl)
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", name, err)
		}
		if ok {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees every name the caller holds.
func (r *Redis) Release(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range sortedUnique(names) {
		if err := r.client.ReleaseToken(ctx, keyPrefix+name, r.token); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
