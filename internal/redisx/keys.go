package redisx

import "time"

const (
	// Idempotency for box reveals: idem:reveal:{external_id} -> item_id
	KeyIdemReveal = "idem:reveal:%s"

	// Read caches: {kind}_status:{id} -> JSON snapshot
	KeyItemStatus    = "item_status:%s"
	KeyListingStatus = "listing_status:%s"
	KeyTradeStatus   = "trade_status:%s"

	// Dedup for event consumers: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 30 * time.Second
	TTLDedup       = 48 * time.Hour
)
