package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Lease is a best-effort mutual exclusion token. Holders must still be
// correct without it; it only saves redundant work.
type Lease struct {
	RDB   *redis.Client
	Owner string
}

func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.RDB.SetNX(ctx, fmt.Sprintf(KeyLease, name), l.Owner, ttl).Result()
	return ok, errors.Wrapf(err, "acquire lease %s", name)
}

// Dedup remembers processed message ids for TTLDedup.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

// First reports whether id is seen for the first time, marking it seen.
func (d *Dedup) First(ctx context.Context, id string) (bool, error) {
	ok, err := d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), 1, TTLDedup).Result()
	return ok, errors.Wrapf(err, "dedup %s", id)
}

// Forget clears a mark so a failed message can be processed again.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return errors.Wrapf(d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, id)).Err(), "forget %s", id)
}
