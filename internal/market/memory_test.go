package market

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestStore(t *testing.T) (*MemStore, time.Time) {
	t.Helper()
	s := NewMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Clock = fixedClock(now)
	return s, now
}

func seedItem(t *testing.T, s *MemStore, id, owner string, status ItemStatus) *InventoryItem {
	t.Helper()
	it := &InventoryItem{ID: id, OwnerID: owner, ProductID: "prod-" + id}
	if err := s.CreateItem(context.Background(), it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if status != ItemAvailable {
		s.mu.Lock()
		s.items[id].Status = status
		s.mu.Unlock()
	}
	return it
}

func TestLockItem(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	holdUntil := now.Add(2 * time.Minute)

	if err := s.LockItem(ctx, "x", "neg-1", holdUntil); err != nil {
		t.Fatalf("LockItem: %v", err)
	}
	it, _ := s.Item(ctx, "x")
	if it.Status != ItemOnHold || it.LockRef != "neg-1" || it.HeldFrom != ItemAvailable {
		t.Fatalf("after lock: %+v", it)
	}
	if it.HoldUntil == nil || !it.HoldUntil.Equal(holdUntil) {
		t.Fatalf("hold_until = %v, want %v", it.HoldUntil, holdUntil)
	}

	// same negotiation: safe retry
	if err := s.LockItem(ctx, "x", "neg-1", holdUntil); err != nil {
		t.Fatalf("re-lock by holder: %v", err)
	}
	// different negotiation: refused
	if err := s.LockItem(ctx, "x", "neg-2", holdUntil); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second lock = %v, want ErrAlreadyLocked", err)
	}
}

func TestLockItemNotEligible(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "sold", "alice", ItemSold)

	if err := s.LockItem(ctx, "sold", "neg-1", now.Add(time.Minute)); !errors.Is(err, ErrItemNotEligible) {
		t.Fatalf("LockItem = %v, want ErrItemNotEligible", err)
	}
	if err := s.LockItem(ctx, "missing", "neg-1", now.Add(time.Minute)); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("LockItem = %v, want ErrItemNotFound", err)
	}
}

func TestConcurrentLockExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.LockItem(ctx, "x", "neg-"+strconv.Itoa(i), now.Add(time.Minute))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyLocked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestReleaseItem(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemListed)
	if err := s.LockItem(ctx, "x", "neg-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("LockItem: %v", err)
	}

	// wrong negotiation must not clear a newer lock
	if err := s.ReleaseItem(ctx, "x", "neg-2"); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("ReleaseItem = %v, want ErrLockMismatch", err)
	}

	if err := s.ReleaseItem(ctx, "x", "neg-1"); err != nil {
		t.Fatalf("ReleaseItem: %v", err)
	}
	it, _ := s.Item(ctx, "x")
	if it.Status != ItemListed || it.LockRef != "" || it.HoldUntil != nil || it.HeldFrom != "" {
		t.Fatalf("after release: %+v", it)
	}

	// releasing again is a no-op
	if err := s.ReleaseItem(ctx, "x", "neg-1"); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestTransferItem(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)

	if err := s.TransferItem(ctx, "x", "mallory", "bob"); !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("TransferItem = %v, want ErrOwnershipMismatch", err)
	}
	if err := s.TransferItem(ctx, "x", "alice", "bob"); err != nil {
		t.Fatalf("TransferItem: %v", err)
	}
	it, _ := s.Item(ctx, "x")
	if it.OwnerID != "bob" || it.Status != ItemAvailable {
		t.Fatalf("after transfer: %+v", it)
	}
}

func TestSweepExpiredHolds(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "expired", "alice", ItemListed)
	seedItem(t, s, "fresh", "alice", ItemAvailable)

	if err := s.LockItem(ctx, "expired", "neg-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("LockItem: %v", err)
	}
	if err := s.LockItem(ctx, "fresh", "neg-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("LockItem: %v", err)
	}

	released, err := s.SweepExpiredHolds(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SweepExpiredHolds: %v", err)
	}
	if len(released) != 1 || released[0] != "expired" {
		t.Fatalf("released = %v, want [expired]", released)
	}

	it, _ := s.Item(ctx, "expired")
	if it.Status != ItemListed || it.LockRef != "" {
		t.Fatalf("expired item not restored: %+v", it)
	}
	it, _ = s.Item(ctx, "fresh")
	if it.Status != ItemOnHold || it.LockRef != "neg-2" {
		t.Fatalf("fresh hold disturbed: %+v", it)
	}
}

func TestCreateListing(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)

	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if l.Status != ListingOpen {
		t.Fatalf("listing status = %s", l.Status)
	}
	it, _ := s.Item(ctx, "x")
	if it.Status != ItemListed {
		t.Fatalf("item status = %s, want LISTED", it.Status)
	}

	// already listed: not listable again
	err := s.CreateListing(ctx, &Listing{ID: "l2", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)})
	if !errors.Is(err, ErrItemNotListable) {
		t.Fatalf("second listing = %v, want ErrItemNotListable", err)
	}
	// not the owner
	seedItem(t, s, "y", "bob", ItemAvailable)
	err = s.CreateListing(ctx, &Listing{ID: "l3", ItemID: "y", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)})
	if !errors.Is(err, ErrItemNotOwned) {
		t.Fatalf("foreign listing = %v, want ErrItemNotOwned", err)
	}
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	if err := s.CancelListing(ctx, "l1", "bob"); !errors.Is(err, ErrItemNotOwned) {
		t.Fatalf("cancel by stranger = %v, want ErrItemNotOwned", err)
	}
	if err := s.CancelListing(ctx, "l1", "alice"); err != nil {
		t.Fatalf("CancelListing: %v", err)
	}
	it, _ := s.Item(ctx, "x")
	if it.Status != ItemAvailable {
		t.Fatalf("item status = %s, want AVAILABLE", it.Status)
	}
	if err := s.CancelListing(ctx, "l1", "alice"); !errors.Is(err, ErrListingNotOpen) {
		t.Fatalf("double cancel = %v, want ErrListingNotOpen", err)
	}
}

func TestExpireStaleListings(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	expired, err := s.ExpireStaleListings(ctx, now.Add(30*time.Minute))
	if err != nil || len(expired) != 0 {
		t.Fatalf("early expiry = %v, %v", expired, err)
	}

	expired, err = s.ExpireStaleListings(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpireStaleListings: %v", err)
	}
	if len(expired) != 1 || expired[0] != "l1" {
		t.Fatalf("expired = %v, want [l1]", expired)
	}
	got, _ := s.Listing(ctx, "l1")
	if got.Status != ListingExpired {
		t.Fatalf("listing status = %s, want EXPIRED", got.Status)
	}
	it, _ := s.Item(ctx, "x")
	if it.Status != ItemAvailable {
		t.Fatalf("item status = %s, want AVAILABLE", it.Status)
	}
}

func TestCreateTradeValidation(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	seedItem(t, s, "y", "bob", ItemAvailable)
	seedItem(t, s, "z", "carol", ItemAvailable)
	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	// offered item not owned by requester
	err := s.CreateTrade(ctx, &TradeRequest{ID: "t1", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"z"}})
	if !errors.Is(err, ErrOfferedItemNotEligible) {
		t.Fatalf("CreateTrade = %v, want ErrOfferedItemNotEligible", err)
	}

	tr := &TradeRequest{ID: "t2", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"y"}}
	if err := s.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if tr.Status != TradePending {
		t.Fatalf("trade status = %s, want PENDING", tr.Status)
	}

	// listing no longer open
	if err := s.CancelListing(ctx, "l1", "alice"); err != nil {
		t.Fatalf("CancelListing: %v", err)
	}
	err = s.CreateTrade(ctx, &TradeRequest{ID: "t3", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"y"}})
	if !errors.Is(err, ErrListingNotOpen) {
		t.Fatalf("CreateTrade = %v, want ErrListingNotOpen", err)
	}
}

func TestUpdateTradeCAS(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	seedItem(t, s, "y", "bob", ItemAvailable)
	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	tr := &TradeRequest{ID: "t1", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"y"}}
	if err := s.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	tr.Status = TradeAccepted
	if err := s.UpdateTrade(ctx, tr, TradePending); err != nil {
		t.Fatalf("UpdateTrade: %v", err)
	}
	// stale expectation loses
	tr2 := *tr
	tr2.Status = TradeRejected
	if err := s.UpdateTrade(ctx, &tr2, TradePending); !errors.Is(err, ErrRequestNotAcceptable) {
		t.Fatalf("stale UpdateTrade = %v, want ErrRequestNotAcceptable", err)
	}
}

func TestLockTradeParty(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "x", "alice", ItemAvailable)
	seedItem(t, s, "y", "bob", ItemAvailable)
	l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	tr := &TradeRequest{ID: "t1", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"y"}}
	if err := s.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	// only ACCEPTED requests take lock flags
	if _, err := s.LockTradeParty(ctx, "t1", true); !errors.Is(err, ErrRequestNotAcceptable) {
		t.Fatalf("flip on pending = %v, want ErrRequestNotAcceptable", err)
	}
	tr.Status = TradeAccepted
	if err := s.UpdateTrade(ctx, tr, TradePending); err != nil {
		t.Fatalf("UpdateTrade: %v", err)
	}

	got, err := s.LockTradeParty(ctx, "t1", true)
	if err != nil {
		t.Fatalf("owner flip: %v", err)
	}
	if !got.OwnerLocked || got.RequesterLocked || got.LockedAt != nil {
		t.Fatalf("after owner flip: %+v", got)
	}

	// the second flip must not clear the first flag
	got, err = s.LockTradeParty(ctx, "t1", false)
	if err != nil {
		t.Fatalf("requester flip: %v", err)
	}
	if !got.OwnerLocked || !got.RequesterLocked || got.LockedAt == nil {
		t.Fatalf("after requester flip: %+v", got)
	}

	// flips are idempotent; locked_at keeps its first stamp
	first := *got.LockedAt
	got, err = s.LockTradeParty(ctx, "t1", true)
	if err != nil {
		t.Fatalf("repeat flip: %v", err)
	}
	if !got.BothLocked() || !got.LockedAt.Equal(first) {
		t.Fatalf("after repeat flip: %+v", got)
	}

	if _, err := s.LockTradeParty(ctx, "missing", true); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("missing trade = %v, want ErrTradeNotFound", err)
	}
}

func TestConcurrentLockTradePartyKeepsBothFlags(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		s, now := newTestStore(t)
		seedItem(t, s, "x", "alice", ItemAvailable)
		seedItem(t, s, "y", "bob", ItemAvailable)
		l := &Listing{ID: "l1", ItemID: "x", OwnerID: "alice", ExpiresAt: now.Add(time.Hour)}
		if err := s.CreateListing(ctx, l); err != nil {
			t.Fatalf("CreateListing: %v", err)
		}
		tr := &TradeRequest{ID: "t1", ListingID: "l1", RequesterID: "bob", OfferedItemIDs: []string{"y"}}
		if err := s.CreateTrade(ctx, tr); err != nil {
			t.Fatalf("CreateTrade: %v", err)
		}
		tr.Status = TradeAccepted
		if err := s.UpdateTrade(ctx, tr, TradePending); err != nil {
			t.Fatalf("UpdateTrade: %v", err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, owner := range []bool{true, false} {
			wg.Add(1)
			go func(owner bool) {
				defer wg.Done()
				<-start
				if _, err := s.LockTradeParty(ctx, "t1", owner); err != nil {
					t.Errorf("iter %d: flip owner=%v: %v", i, owner, err)
				}
			}(owner)
		}
		close(start)
		wg.Wait()

		got, _ := s.Trade(ctx, "t1")
		if !got.OwnerLocked || !got.RequesterLocked {
			t.Fatalf("iter %d: lost flag: owner=%v requester=%v", i, got.OwnerLocked, got.RequesterLocked)
		}
	}
}

func TestArchiveSettledItems(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	seedItem(t, s, "old-sold", "alice", ItemSold)
	seedItem(t, s, "held", "alice", ItemAvailable)

	archived, err := s.ArchiveSettledItems(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ArchiveSettledItems: %v", err)
	}
	if len(archived) != 1 || archived[0] != "old-sold" {
		t.Fatalf("archived = %v, want [old-sold]", archived)
	}
	it, _ := s.Item(ctx, "old-sold")
	if it.Status != ItemArchived || it.ArchivedAt == nil {
		t.Fatalf("after archive: %+v", it)
	}
}
