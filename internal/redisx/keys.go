package redisx

import "time"

const (
	// Idempotency create order: idem:order:create:{external_id} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cache status order: order_status:{order_id} -> rendered order JSON
	KeyOrderStatus = "order_status:%s"

	// Highest order version seen by the cache: order_status_ver:{order_id} -> version
	KeyOrderStatusVersion = "order_status_ver:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Worker leases: lease:{name} -> owner
	KeyLease = "lease:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
