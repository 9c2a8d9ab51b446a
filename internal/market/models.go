package market

import "time"

type InventoryItem struct {
	ID          string
	OwnerID     string
	ProductID   string
	BoxID       string // empty when the item did not come from a reveal
	ExternalID  string // idempotency key of the reveal that created it
	Rarity      string
	Secret      bool
	Status      ItemStatus
	Quantity    int
	ReservedQty int
	LockRef     string     // negotiation currently holding the item, "" when free
	HeldFrom    ItemStatus // status to restore on release, "" when free
	HoldUntil   *time.Time
	ShipmentID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ArchivedAt  *time.Time
}

// Locked reports whether the item is held by an active negotiation.
// LockRef and the ON_HOLD status move together; see Store.LockItem.
func (it *InventoryItem) Locked() bool { return it.LockRef != "" }

type Listing struct {
	ID        string
	ItemID    string
	OwnerID   string
	Status    ListingStatus
	Terms     string // free-form: asking price or desired items
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

type TradeRequest struct {
	ID              string
	ListingID       string
	RequesterID     string
	OfferedItemIDs  []string
	Status          TradeStatus
	OwnerLocked     bool
	RequesterLocked bool
	RequestedAt     time.Time
	RespondedAt     *time.Time
	LockedAt        *time.Time
	UpdatedAt       time.Time
}

// BothLocked is the gate for completion: the swap runs only once
// both parties have committed.
func (t *TradeRequest) BothLocked() bool { return t.OwnerLocked && t.RequesterLocked }
