package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a read-through shortcut in front of the order store. Postgres
// stays the source of truth; every failure here is logged and treated as a
// miss.
type Cache struct {
	RDB *redis.Client
	Log *zap.Logger
}

func (c *Cache) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Cache) OrderStatus(ctx context.Context, orderID string) ([]byte, bool) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log().Warn("order status cache read", zap.String("order_id", orderID), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

// setIfCurrent stores a rendering unless a newer order version has already
// been seen, so a read that raced a transition cannot re-cache the old view.
var setIfCurrent = redis.NewScript(`
local seen = tonumber(redis.call('GET', KEYS[2]) or '-1')
if tonumber(ARGV[1]) < seen then
  return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidate raises the version floor and drops the rendering.
var invalidate = redis.NewScript(`
local seen = tonumber(redis.call('GET', KEYS[2]) or '-1')
if tonumber(ARGV[1]) > seen then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

func statusKeys(orderID string) []string {
	return []string{fmt.Sprintf(KeyOrderStatus, orderID), fmt.Sprintf(KeyOrderStatusVersion, orderID)}
}

// SetOrderStatus caches the rendering of an order at the given version.
func (c *Cache) SetOrderStatus(ctx context.Context, orderID string, version int, body []byte) {
	err := setIfCurrent.Run(ctx, c.RDB, statusKeys(orderID), version, body, TTLStatusCache.Milliseconds()).Err()
	if err != nil {
		c.log().Warn("order status cache write", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Invalidate drops the cached rendering after a state change that produced
// version.
func (c *Cache) Invalidate(ctx context.Context, orderID string, version int) {
	err := invalidate.Run(ctx, c.RDB, statusKeys(orderID), version, TTLStatusCache.Milliseconds()).Err()
	if err != nil {
		c.log().Warn("order status cache invalidate", zap.String("order_id", orderID), zap.Error(err))
	}
}

// OrderForExternalID returns the order id a checkout key already produced.
func (c *Cache) OrderForExternalID(ctx context.Context, externalID string) (string, bool) {
	id, err := c.RDB.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID)).Result()
	if err != nil {
		return "", false
	}
	return id, true
}

func (c *Cache) RememberExternalID(ctx context.Context, externalID, orderID string) {
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID), orderID, TTLIdempotency).Err(); err != nil {
		c.log().Warn("idempotency key write", zap.String("external_id", externalID), zap.Error(err))
	}
}
