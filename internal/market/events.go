package market

import (
	"encoding/json"
	"time"
)

const (
	EventItemRevealed   = "ItemRevealed"
	EventListingCreated = "ListingCreated"
	EventListingClosed  = "ListingClosed"
	EventTradeProposed  = "TradeProposed"
	EventTradeAccepted  = "TradeAccepted"
	EventTradeCompleted = "TradeCompleted"
	EventTradeRejected  = "TradeRejected"
	EventTradeReverted  = "TradeReverted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "exchange-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // listing_id for trade events
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload per event ----

type ItemRevealedPayload struct {
	ItemID     string `json:"item_id"`
	UserID     string `json:"user_id"`
	BoxID      string `json:"box_id"`
	ProductID  string `json:"product_id"`
	Rarity     string `json:"rarity"`
	Secret     bool   `json:"secret"`
	ExternalID string `json:"external_id"`
}

type ListingCreatedPayload struct {
	ListingID string    `json:"listing_id"`
	ItemID    string    `json:"item_id"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ListingClosedPayload struct {
	ListingID string `json:"listing_id"`
	ItemID    string `json:"item_id"`
	Reason    string `json:"reason"` // CANCELLED | EXPIRED | COMPLETED
}

type TradeProposedPayload struct {
	TradeID        string   `json:"trade_id"`
	ListingID      string   `json:"listing_id"`
	RequesterID    string   `json:"requester_id"`
	OfferedItemIDs []string `json:"offered_item_ids"`
}

type TradeAcceptedPayload struct {
	TradeID   string    `json:"trade_id"`
	ListingID string    `json:"listing_id"`
	OwnerID   string    `json:"owner_id"`
	HeldUntil time.Time `json:"held_until"`
}

type TradeCompletedPayload struct {
	TradeID        string   `json:"trade_id"`
	ListingID      string   `json:"listing_id"`
	ListingItemID  string   `json:"listing_item_id"`
	OfferedItemIDs []string `json:"offered_item_ids"`
	OwnerID        string   `json:"owner_id"`
	RequesterID    string   `json:"requester_id"`
}

type TradeRejectedPayload struct {
	TradeID   string `json:"trade_id"`
	ListingID string `json:"listing_id"`
	By        string `json:"by"` // OWNER | REQUESTER
}

// TradeReverted is published by the reconciliation sweep when an
// accepted trade never reached both-locked in time.
type TradeRevertedPayload struct {
	TradeID   string `json:"trade_id"`
	ListingID string `json:"listing_id"`
	Reason    string `json:"reason"` // LOCK_TIMEOUT
}
