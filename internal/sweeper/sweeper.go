// Package sweeper runs the recurring reconciliation sweeps: stalled
// trade reverts, expired hold releases, stale listing expiry, and the
// daily lifecycle audit. Every sweep goes through the public store and
// protocol operations, so it fights for locks on equal terms with
// live traffic.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/trading"
)

const tickTimeout = 5 * time.Minute

type Config struct {
	TradeTimeout    time.Duration // accepted-to-both-locked window
	TradeInterval   time.Duration
	HoldInterval    time.Duration
	ListingInterval time.Duration
	AuditHour       int    // local target hour of the daily audit
	AuditTimezone   string // e.g. "Asia/Tokyo"
	AuditFallbackTZ string // used when AuditTimezone fails to load
	AuditRetention  time.Duration
}

type Sweeper struct {
	Store         market.Store
	Trades        *trading.Service
	ListingEvents trading.Publisher
	Log           *zap.Logger
	Cfg           Config
	ServiceName   string

	// Clock is swapped for a fixed clock in tests.
	Clock func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Sweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Run starts every sweep loop and blocks until ctx is cancelled. All
// waits are cancellable; shutdown never blocks on a sleeping sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.Cfg.TradeInterval, s.sweepStalledTrades) })
	g.Go(func() error { return s.loop(ctx, s.Cfg.HoldInterval, s.sweepExpiredHolds) })
	g.Go(func() error { return s.loop(ctx, s.Cfg.ListingInterval, s.sweepStaleListings) })
	g.Go(func() error { return s.auditLoop(ctx) })
	return g.Wait()
}

// loop ticks at the given interval. A failed tick is logged and the
// loop proceeds to its next scheduled run regardless.
func (s *Sweeper) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(ctx, tickTimeout)
			sweep(tctx)
			cancel()
		}
	}
}

// RunOnce executes every sweep immediately. Used at startup and by
// tests.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweepStalledTrades(ctx)
	s.sweepExpiredHolds(ctx)
	s.sweepStaleListings(ctx)
	s.audit(ctx)
}

func (s *Sweeper) sweepStalledTrades(ctx context.Context) {
	cutoff := s.now().Add(-s.Cfg.TradeTimeout)
	stuck, err := s.Store.TradesStuckInAccepted(ctx, cutoff)
	if err != nil {
		s.log().Error("trade sweep read failed", zap.Error(err))
		return
	}
	for _, t := range stuck {
		err := s.Trades.RevertStalled(ctx, t.ID)
		switch {
		case err == nil:
			s.log().Info("stalled trade reverted", zap.String("trade_id", t.ID))
		case errors.Is(err, market.ErrRequestNotAcceptable):
			// progressed between snapshot and revert; leave it
		default:
			// one bad row never aborts the batch
			s.log().Error("trade revert failed", zap.String("trade_id", t.ID), zap.Error(err))
		}
	}
}

func (s *Sweeper) sweepExpiredHolds(ctx context.Context) {
	released, err := s.Store.SweepExpiredHolds(ctx, s.now())
	if err != nil {
		s.log().Error("hold sweep failed", zap.Error(err))
		return
	}
	if len(released) > 0 {
		s.log().Info("expired holds released", zap.Int("count", len(released)), zap.Strings("item_ids", released))
	}
}

func (s *Sweeper) sweepStaleListings(ctx context.Context) {
	expired, err := s.Store.ExpireStaleListings(ctx, s.now())
	if err != nil {
		s.log().Error("listing sweep failed", zap.Error(err))
		return
	}
	for _, id := range expired {
		l, err := s.Store.Listing(ctx, id)
		if err != nil {
			s.log().Error("expired listing read failed", zap.String("listing_id", id), zap.Error(err))
			continue
		}
		s.publishClosed(l)
		s.log().Info("stale listing expired", zap.String("listing_id", id))
	}
}

// auditLoop fires the lifecycle audit once a day at the configured
// local hour.
func (s *Sweeper) auditLoop(ctx context.Context) error {
	loc := s.auditLocation()
	for {
		now := s.now().In(loc)
		wait := nextHour(now, s.Cfg.AuditHour).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		tctx, cancel := context.WithTimeout(ctx, tickTimeout)
		s.audit(tctx)
		cancel()
	}
}

func (s *Sweeper) audit(ctx context.Context) {
	before := s.now().Add(-s.Cfg.AuditRetention)
	archived, err := s.Store.ArchiveSettledItems(ctx, before)
	if err != nil {
		s.log().Error("lifecycle audit failed", zap.Error(err))
		return
	}
	if len(archived) > 0 {
		s.log().Info("settled items archived", zap.Int("count", len(archived)))
	}
	// The interval sweeps are the primary path; the audit re-runs them
	// as a net for anything missed while the process was down.
	s.sweepExpiredHolds(ctx)
	s.sweepStaleListings(ctx)
}

func (s *Sweeper) auditLocation() *time.Location {
	loc, err := time.LoadLocation(s.Cfg.AuditTimezone)
	if err == nil {
		return loc
	}
	s.log().Warn("audit timezone lookup failed, using fallback",
		zap.String("timezone", s.Cfg.AuditTimezone), zap.String("fallback", s.Cfg.AuditFallbackTZ), zap.Error(err))
	loc, err = time.LoadLocation(s.Cfg.AuditFallbackTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// nextHour returns the next occurrence of the target hour strictly
// after now, in now's location.
func nextHour(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Sweeper) publishClosed(l *market.Listing) {
	if s.ListingEvents == nil {
		return
	}
	ev := market.Envelope{
		EventID:       uuid.NewString(),
		EventType:     market.EventListingClosed,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: l.ID,
		Payload: kafkax.MustMarshal(market.ListingClosedPayload{
			ListingID: l.ID, ItemID: l.ItemID, Reason: "EXPIRED",
		}),
	}
	s.ListingEvents.Publish(market.PartitionKey(l.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(market.EventListingClosed)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
