package market

import (
	"context"
	"sync"
	"time"

	"blindbox-exchange/internal/reveal"
)

// MemStore is the in-memory Store used by tests and local runs. One
// mutex plays the role of the database transaction: every operation's
// checks and writes happen under it, so the lock semantics match the
// Postgres implementation.
type MemStore struct {
	mu         sync.Mutex
	items      map[string]*InventoryItem
	byExternal map[string]string // reveal external_id -> item id
	listings   map[string]*Listing
	trades     map[string]*TradeRequest
	configs    map[string]reveal.Config

	// Clock is swapped for a fixed clock in tests.
	Clock func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:      make(map[string]*InventoryItem),
		byExternal: make(map[string]string),
		listings:   make(map[string]*Listing),
		trades:     make(map[string]*TradeRequest),
		configs:    make(map[string]reveal.Config),
		Clock:      time.Now,
	}
}

func copyItem(it *InventoryItem) *InventoryItem {
	c := *it
	if it.HoldUntil != nil {
		h := *it.HoldUntil
		c.HoldUntil = &h
	}
	if it.ArchivedAt != nil {
		a := *it.ArchivedAt
		c.ArchivedAt = &a
	}
	return &c
}

func copyListing(l *Listing) *Listing {
	c := *l
	return &c
}

func copyTrade(t *TradeRequest) *TradeRequest {
	c := *t
	c.OfferedItemIDs = append([]string(nil), t.OfferedItemIDs...)
	if t.RespondedAt != nil {
		r := *t.RespondedAt
		c.RespondedAt = &r
	}
	if t.LockedAt != nil {
		l := *t.LockedAt
		c.LockedAt = &l
	}
	return &c
}

// ---- items ----

func (s *MemStore) CreateItem(_ context.Context, it *InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// dedup on external_id: a retried reveal gets the existing item back
	if it.ExternalID != "" {
		if id, ok := s.byExternal[it.ExternalID]; ok {
			*it = *copyItem(s.items[id])
			return nil
		}
	}

	now := s.Clock()
	c := copyItem(it)
	if c.Quantity == 0 {
		c.Quantity = 1
	}
	if c.Status == "" {
		c.Status = ItemAvailable
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	s.items[c.ID] = c
	if c.ExternalID != "" {
		s.byExternal[c.ExternalID] = c.ID
	}
	*it = *copyItem(c)
	return nil
}

func (s *MemStore) Item(_ context.Context, id string) (*InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(it), nil
}

func (s *MemStore) ItemByExternalID(_ context.Context, externalID string) (*InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(s.items[id]), nil
}

func (s *MemStore) LockItem(_ context.Context, itemID, negotiationID string, holdUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.LockRef == negotiationID {
		return nil // safe retry
	}
	if it.LockRef != "" {
		return ErrAlreadyLocked
	}
	if !it.Status.Lockable() {
		return ErrItemNotEligible
	}
	it.HeldFrom = it.Status
	it.Status = ItemOnHold
	it.LockRef = negotiationID
	it.HoldUntil = &holdUntil
	it.ReservedQty = it.Quantity
	it.UpdatedAt = s.Clock()
	return nil
}

func (s *MemStore) ReleaseItem(_ context.Context, itemID, negotiationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.LockRef == "" {
		return nil // already released
	}
	if it.LockRef != negotiationID {
		return ErrLockMismatch
	}
	releaseLocked(it, s.Clock())
	return nil
}

// caller holds s.mu
func releaseLocked(it *InventoryItem, now time.Time) {
	it.Status = it.HeldFrom
	if it.Status == "" {
		it.Status = ItemAvailable
	}
	it.HeldFrom = ""
	it.LockRef = ""
	it.HoldUntil = nil
	it.ReservedQty = 0
	it.UpdatedAt = now
}

func (s *MemStore) TransferItem(_ context.Context, itemID, fromUserID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.OwnerID != fromUserID {
		return ErrOwnershipMismatch
	}
	transferLocked(it, toUserID, s.Clock())
	return nil
}

// caller holds s.mu; transfer implies release of any hold.
func transferLocked(it *InventoryItem, toUserID string, now time.Time) {
	it.OwnerID = toUserID
	it.Status = ItemAvailable
	it.HeldFrom = ""
	it.LockRef = ""
	it.HoldUntil = nil
	it.ReservedQty = 0
	it.UpdatedAt = now
}

func (s *MemStore) SweepExpiredHolds(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, it := range s.items {
		if it.LockRef == "" || it.HoldUntil == nil || it.HoldUntil.After(now) {
			continue
		}
		releaseLocked(it, s.Clock())
		released = append(released, it.ID)
	}
	return released, nil
}

func (s *MemStore) ArchiveSettledItems(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var archived []string
	now := s.Clock()
	for _, it := range s.items {
		if it.Status != ItemSold && it.Status != ItemDelivered {
			continue
		}
		if it.UpdatedAt.After(before) {
			continue
		}
		it.Status = ItemArchived
		at := now
		it.ArchivedAt = &at
		it.UpdatedAt = now
		archived = append(archived, it.ID)
	}
	return archived, nil
}

// ---- listings ----

func (s *MemStore) CreateListing(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[l.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.OwnerID != l.OwnerID {
		return ErrItemNotOwned
	}
	if it.Status != ItemAvailable {
		return ErrItemNotListable
	}

	now := s.Clock()
	it.Status = ItemListed
	it.UpdatedAt = now

	c := copyListing(l)
	c.Status = ListingOpen
	c.CreatedAt = now
	c.UpdatedAt = now
	s.listings[c.ID] = c
	*l = *copyListing(c)
	return nil
}

func (s *MemStore) Listing(_ context.Context, id string) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return copyListing(l), nil
}

func (s *MemStore) CancelListing(_ context.Context, listingID, byUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if l.OwnerID != byUserID {
		return ErrItemNotOwned
	}
	if l.Status != ListingOpen {
		return ErrListingNotOpen
	}

	now := s.Clock()
	l.Status = ListingCancelled
	l.UpdatedAt = now
	if it, ok := s.items[l.ItemID]; ok && it.Status == ItemListed {
		it.Status = ItemAvailable
		it.UpdatedAt = now
	}
	return nil
}

func (s *MemStore) TransitionListing(_ context.Context, listingID string, from, to ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if l.Status != from {
		return ErrListingNotOpen
	}
	l.Status = to
	l.UpdatedAt = s.Clock()
	return nil
}

func (s *MemStore) ExpireStaleListings(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, l := range s.listings {
		if l.Status != ListingOpen || l.ExpiresAt.After(now) {
			continue
		}
		l.Status = ListingExpired
		l.UpdatedAt = s.Clock()
		if it, ok := s.items[l.ItemID]; ok && it.Status == ItemListed && it.LockRef == "" {
			it.Status = ItemAvailable
			it.UpdatedAt = s.Clock()
		}
		expired = append(expired, l.ID)
	}
	return expired, nil
}

// ---- trades ----

func (s *MemStore) CreateTrade(_ context.Context, t *TradeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[t.ListingID]
	if !ok {
		return ErrListingNotFound
	}
	if l.Status != ListingOpen {
		return ErrListingNotOpen
	}
	for _, id := range t.OfferedItemIDs {
		it, ok := s.items[id]
		if !ok || it.OwnerID != t.RequesterID || it.Status != ItemAvailable || it.LockRef != "" {
			return ErrOfferedItemNotEligible
		}
	}

	now := s.Clock()
	c := copyTrade(t)
	c.Status = TradePending
	c.RequestedAt = now
	c.UpdatedAt = now
	s.trades[c.ID] = c
	*t = *copyTrade(c)
	return nil
}

func (s *MemStore) Trade(_ context.Context, id string) (*TradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (s *MemStore) UpdateTrade(_ context.Context, t *TradeRequest, expect TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Status != expect {
		return ErrRequestNotAcceptable
	}
	c := copyTrade(t)
	c.RequestedAt = cur.RequestedAt
	c.UpdatedAt = s.Clock()
	s.trades[t.ID] = c
	*t = *copyTrade(c)
	return nil
}

func (s *MemStore) LockTradeParty(_ context.Context, tradeID string, owner bool) (*TradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if t.Status != TradeAccepted {
		return nil, ErrRequestNotAcceptable
	}
	if owner {
		t.OwnerLocked = true
	} else {
		t.RequesterLocked = true
	}
	now := s.Clock()
	if t.BothLocked() && t.LockedAt == nil {
		at := now
		t.LockedAt = &at
	}
	t.UpdatedAt = now
	return copyTrade(t), nil
}

func (s *MemStore) TradesStuckInAccepted(_ context.Context, cutoff time.Time) ([]*TradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TradeRequest
	for _, t := range s.trades {
		if t.Status != TradeAccepted || t.RespondedAt == nil || t.RespondedAt.After(cutoff) {
			continue
		}
		out = append(out, copyTrade(t))
	}
	return out, nil
}

func (s *MemStore) CompleteTradeSwap(_ context.Context, t *TradeRequest, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if trade.Status != TradeAccepted {
		return ErrRequestNotAcceptable
	}
	listing, ok := s.listings[l.ID]
	if !ok {
		return ErrListingNotFound
	}
	if listing.Status != ListingLocked {
		return ErrRequestNotAcceptable
	}

	// Verify everything before touching anything: the swap is
	// all-or-nothing.
	lit, ok := s.items[listing.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if lit.LockRef != trade.ID {
		return ErrLockMismatch
	}
	if lit.OwnerID != listing.OwnerID {
		return ErrOwnershipMismatch
	}
	offered := make([]*InventoryItem, 0, len(trade.OfferedItemIDs))
	for _, id := range trade.OfferedItemIDs {
		it, ok := s.items[id]
		if !ok {
			return ErrItemNotFound
		}
		if it.LockRef != trade.ID {
			return ErrLockMismatch
		}
		if it.OwnerID != trade.RequesterID {
			return ErrOwnershipMismatch
		}
		offered = append(offered, it)
	}

	now := s.Clock()
	transferLocked(lit, trade.RequesterID, now)
	for _, it := range offered {
		transferLocked(it, listing.OwnerID, now)
	}
	listing.Status = ListingCompleted
	listing.UpdatedAt = now
	trade.Status = TradeCompleted
	trade.OwnerLocked = true
	trade.RequesterLocked = true
	trade.UpdatedAt = now

	*t = *copyTrade(trade)
	*l = *copyListing(listing)
	return nil
}

// ---- box configs ----

func (s *MemStore) SaveBoxConfig(_ context.Context, cfg reveal.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.BoxID] = cfg
	return nil
}

func (s *MemStore) BoxConfig(_ context.Context, boxID string) (reveal.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[boxID]
	if !ok {
		return reveal.Config{}, reveal.ErrConfigInvalid
	}
	return cfg, nil
}
