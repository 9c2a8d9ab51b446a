package sweeper

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/trading"
)

type countPublisher struct{ n int }

func (p *countPublisher) Publish(_, _ []byte, _ ...kafkago.Header) { p.n++ }

type fixture struct {
	store *market.MemStore
	svc   *trading.Service
	sw    *Sweeper
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: market.NewMemStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.Clock = clock
	f.svc = &trading.Service{
		Store:   f.store,
		Log:     zap.NewNop(),
		HoldFor: 2 * time.Minute,
		Clock:   clock,
	}
	f.sw = &Sweeper{
		Store:  f.store,
		Trades: f.svc,
		Log:    zap.NewNop(),
		Cfg: Config{
			TradeTimeout:    2 * time.Minute,
			AuditHour:       4,
			AuditTimezone:   "Asia/Tokyo",
			AuditFallbackTZ: "UTC",
			AuditRetention:  30 * 24 * time.Hour,
		},
		ServiceName: "exchange-sweeper",
		Clock:       clock,
	}
	return f
}

func (f *fixture) seedAcceptedTrade(t *testing.T) *market.TradeRequest {
	t.Helper()
	ctx := context.Background()
	for _, it := range []struct{ id, owner string }{{"item-x", "alice"}, {"item-y", "bob"}} {
		if err := f.store.CreateItem(ctx, &market.InventoryItem{ID: it.id, OwnerID: it.owner, ProductID: "p"}); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
	l, err := f.svc.CreateListing(ctx, "item-x", "alice", "", 24*time.Hour)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	tr, err := f.svc.Propose(ctx, l.ID, "bob", []string{"item-y"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.svc.Accept(ctx, tr.ID, "alice"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return tr
}

func TestSweepStalledTrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := f.seedAcceptedTrade(t)

	// Inside the window: nothing to do.
	f.now = f.now.Add(time.Minute)
	f.sw.sweepStalledTrades(ctx)
	got, _ := f.store.Trade(ctx, tr.ID)
	if got.Status != market.TradeAccepted {
		t.Fatalf("trade reverted early: %+v", got)
	}

	// Past the window: reverted to PENDING with the hold released.
	f.now = f.now.Add(2 * time.Minute)
	f.sw.sweepStalledTrades(ctx)
	got, _ = f.store.Trade(ctx, tr.ID)
	if got.Status != market.TradePending || got.RespondedAt != nil {
		t.Fatalf("after sweep: %+v", got)
	}
	it, _ := f.store.Item(ctx, "item-x")
	if it.LockRef != "" || it.Status != market.ItemListed {
		t.Fatalf("hold not released: %+v", it)
	}
}

func TestSweepStalledSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := f.seedAcceptedTrade(t)
	if err := f.svc.LockParty(ctx, tr.ID, trading.PartyOwner); err != nil {
		t.Fatalf("LockParty: %v", err)
	}
	if err := f.svc.LockParty(ctx, tr.ID, trading.PartyRequester); err != nil {
		t.Fatalf("LockParty: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	f.sw.sweepStalledTrades(ctx)
	got, _ := f.store.Trade(ctx, tr.ID)
	if got.Status != market.TradeCompleted {
		t.Fatalf("completed trade disturbed: %+v", got)
	}
}

func TestSweepStaleListingsPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &countPublisher{}
	f.sw.ListingEvents = pub

	if err := f.store.CreateItem(ctx, &market.InventoryItem{ID: "item-x", OwnerID: "alice", ProductID: "p"}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if _, err := f.svc.CreateListing(ctx, "item-x", "alice", "", time.Hour); err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	f.now = f.now.Add(2 * time.Hour)
	f.sw.sweepStaleListings(ctx)
	if pub.n != 1 {
		t.Fatalf("published %d events, want 1", pub.n)
	}
	it, _ := f.store.Item(ctx, "item-x")
	if it.Status != market.ItemAvailable {
		t.Fatalf("item status = %s, want AVAILABLE", it.Status)
	}
}

func TestAuditArchivesSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.store.CreateItem(ctx, &market.InventoryItem{ID: "sold", OwnerID: "alice", ProductID: "p", Status: market.ItemSold}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := f.store.CreateItem(ctx, &market.InventoryItem{ID: "live", OwnerID: "alice", ProductID: "p"}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	// Still inside the retention window.
	f.sw.audit(ctx)
	it, _ := f.store.Item(ctx, "sold")
	if it.Status != market.ItemSold {
		t.Fatalf("archived inside retention: %+v", it)
	}

	f.now = f.now.Add(31 * 24 * time.Hour)
	f.sw.audit(ctx)
	it, _ = f.store.Item(ctx, "sold")
	if it.Status != market.ItemArchived {
		t.Fatalf("item status = %s, want ARCHIVED", it.Status)
	}
	it, _ = f.store.Item(ctx, "live")
	if it.Status != market.ItemAvailable {
		t.Fatalf("live item disturbed: %+v", it)
	}
}

// A sweeper without a logger must still sweep; every log call goes
// through the nil-defaulting accessor.
func TestRunOnceWithoutLogger(t *testing.T) {
	ctx := context.Background()
	store := market.NewMemStore()
	sw := &Sweeper{
		Store:  store,
		Trades: &trading.Service{Store: store},
		Cfg: Config{
			TradeTimeout:    2 * time.Minute,
			AuditTimezone:   "Not/AZone", // forces the fallback warning path
			AuditFallbackTZ: "UTC",
			AuditRetention:  time.Hour,
		},
	}

	if err := store.CreateItem(ctx, &market.InventoryItem{ID: "x", OwnerID: "alice", ProductID: "p"}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := store.LockItem(ctx, "x", "neg-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("LockItem: %v", err)
	}

	sw.RunOnce(ctx)
	if loc := sw.auditLocation(); loc != time.UTC {
		t.Fatalf("auditLocation = %v, want UTC", loc)
	}
	it, _ := store.Item(ctx, "x")
	if it.Status != market.ItemAvailable || it.LockRef != "" {
		t.Fatalf("expired hold survived RunOnce: %+v", it)
	}
}

func TestNextHour(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before target same day",
			now:  time.Date(2026, 3, 1, 2, 30, 0, 0, loc),
			want: time.Date(2026, 3, 1, 4, 0, 0, 0, loc),
		},
		{
			name: "after target rolls to next day",
			now:  time.Date(2026, 3, 1, 10, 0, 0, 0, loc),
			want: time.Date(2026, 3, 2, 4, 0, 0, 0, loc),
		},
		{
			name: "exactly at target rolls to next day",
			now:  time.Date(2026, 3, 1, 4, 0, 0, 0, loc),
			want: time.Date(2026, 3, 2, 4, 0, 0, 0, loc),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextHour(tc.now, 4); !got.Equal(tc.want) {
				t.Fatalf("nextHour = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAuditLocationFallback(t *testing.T) {
	f := newFixture(t)

	f.sw.Cfg.AuditTimezone = "Asia/Tokyo"
	if loc := f.sw.auditLocation(); loc.String() != "Asia/Tokyo" {
		t.Fatalf("location = %s, want Asia/Tokyo", loc)
	}

	f.sw.Cfg.AuditTimezone = "Not/AZone"
	if loc := f.sw.auditLocation(); loc.String() != "UTC" {
		t.Fatalf("fallback location = %s, want UTC", loc)
	}

	f.sw.Cfg.AuditFallbackTZ = "Also/Bad"
	if loc := f.sw.auditLocation(); loc != time.UTC {
		t.Fatalf("last-resort location = %s, want UTC", loc)
	}
}
