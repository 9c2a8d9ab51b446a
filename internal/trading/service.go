// Package trading implements the listing and trade-negotiation
// protocol on top of the market store. All concurrency control lives
// in the store; this layer sequences the protocol and compensates on
// partial failure.
package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
)

// Party identifies which side of a negotiation is acting.
type Party string

const (
	PartyOwner     Party = "OWNER"
	PartyRequester Party = "REQUESTER"
)

// Publisher dispatches an event fire-and-forget. A failed dispatch
// never rolls back the state transition that produced it.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Store         market.Store
	ListingEvents Publisher // market.listing topic
	TradeEvents   Publisher // market.trade topic
	Log           *zap.Logger
	ServiceName   string

	// HoldFor bounds how long an accepted trade may keep the listed
	// item on hold before the sweep reverts it.
	HoldFor time.Duration

	// Clock is swapped for a fixed clock in tests.
	Clock func() time.Time
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// ---- listings ----

func (s *Service) CreateListing(ctx context.Context, itemID, ownerID, terms string, ttl time.Duration) (*market.Listing, error) {
	l := &market.Listing{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		OwnerID:   ownerID,
		Terms:     terms,
		ExpiresAt: s.now().Add(ttl),
	}
	if err := s.Store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	s.publish(s.ListingEvents, market.EventListingCreated, l.ID, market.ListingCreatedPayload{
		ListingID: l.ID, ItemID: l.ItemID, OwnerID: l.OwnerID, ExpiresAt: l.ExpiresAt,
	})
	return l, nil
}

func (s *Service) CancelListing(ctx context.Context, listingID, byUserID string) error {
	l, err := s.Store.Listing(ctx, listingID)
	if err != nil {
		return err
	}
	if err := s.Store.CancelListing(ctx, listingID, byUserID); err != nil {
		return err
	}
	s.publish(s.ListingEvents, market.EventListingClosed, l.ID, market.ListingClosedPayload{
		ListingID: l.ID, ItemID: l.ItemID, Reason: "CANCELLED",
	})
	return nil
}

// ---- negotiation ----

func (s *Service) Propose(ctx context.Context, listingID, requesterID string, offeredItemIDs []string) (*market.TradeRequest, error) {
	t := &market.TradeRequest{
		ID:             uuid.NewString(),
		ListingID:      listingID,
		RequesterID:    requesterID,
		OfferedItemIDs: offeredItemIDs,
	}
	if err := s.Store.CreateTrade(ctx, t); err != nil {
		return nil, err
	}
	s.publish(s.TradeEvents, market.EventTradeProposed, listingID, market.TradeProposedPayload{
		TradeID: t.ID, ListingID: listingID, RequesterID: requesterID, OfferedItemIDs: offeredItemIDs,
	})
	return t, nil
}

// Accept moves a pending request to ACCEPTED and puts the listed item
// on hold for the owner side. The hold is taken first: of two
// concurrent accepts on the same listing exactly one wins the item
// lock and the loser compensates nothing.
func (s *Service) Accept(ctx context.Context, tradeID, ownerID string) error {
	t, err := s.Store.Trade(ctx, tradeID)
	if err != nil {
		return err
	}
	l, err := s.Store.Listing(ctx, t.ListingID)
	if err != nil {
		return err
	}
	if l.OwnerID != ownerID {
		return market.ErrItemNotOwned
	}
	if t.Status != market.TradePending {
		return market.ErrRequestNotAcceptable
	}

	now := s.now()
	holdUntil := now.Add(s.HoldFor)
	if err := s.Store.LockItem(ctx, l.ItemID, t.ID, holdUntil); err != nil {
		return err
	}
	if err := s.Store.TransitionListing(ctx, l.ID, market.ListingOpen, market.ListingLocked); err != nil {
		s.compensateRelease(ctx, l.ItemID, t.ID)
		return err
	}

	t.Status = market.TradeAccepted
	t.RespondedAt = &now
	if err := s.Store.UpdateTrade(ctx, t, market.TradePending); err != nil {
		s.compensateListing(ctx, l.ID)
		s.compensateRelease(ctx, l.ItemID, t.ID)
		return err
	}

	s.publish(s.TradeEvents, market.EventTradeAccepted, l.ID, market.TradeAcceptedPayload{
		TradeID: t.ID, ListingID: l.ID, OwnerID: ownerID, HeldUntil: holdUntil,
	})
	return nil
}

// LockParty flips one party's lock flag. Flags are monotonic: they are
// only ever cleared by completion, cancellation, or the timeout
// revert. The flip is an atomic OR in the store, so concurrent flips
// by both parties cannot lose each other; exactly one caller observes
// the second flag land and runs the swap.
func (s *Service) LockParty(ctx context.Context, tradeID string, party Party) error {
	var owner bool
	switch party {
	case PartyOwner:
		owner = true
	case PartyRequester:
		owner = false
	default:
		return market.ErrRequestNotAcceptable
	}

	t, err := s.Store.LockTradeParty(ctx, tradeID, owner)
	if err != nil {
		return err
	}
	if t.BothLocked() {
		return s.Complete(ctx, t.ID)
	}
	return nil
}

// Complete executes the swap: lock every offered item under this
// negotiation, then transfer both directions in one store transaction.
// On any failure the locks taken here are released and the request
// reverts to ACCEPTED with both flags cleared, never half-swapped.
func (s *Service) Complete(ctx context.Context, tradeID string) error {
	t, err := s.Store.Trade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.Status != market.TradeAccepted || !t.BothLocked() {
		return market.ErrRequestNotAcceptable
	}
	l, err := s.Store.Listing(ctx, t.ListingID)
	if err != nil {
		return err
	}

	holdUntil := s.now().Add(s.HoldFor)
	var locked []string
	for _, itemID := range t.OfferedItemIDs {
		if err := s.Store.LockItem(ctx, itemID, t.ID, holdUntil); err != nil {
			s.abortComplete(ctx, t, locked)
			return err
		}
		locked = append(locked, itemID)
	}

	if err := s.Store.CompleteTradeSwap(ctx, t, l); err != nil {
		s.abortComplete(ctx, t, locked)
		return err
	}

	s.publish(s.TradeEvents, market.EventTradeCompleted, l.ID, market.TradeCompletedPayload{
		TradeID: t.ID, ListingID: l.ID, ListingItemID: l.ItemID,
		OfferedItemIDs: t.OfferedItemIDs, OwnerID: l.OwnerID, RequesterID: t.RequesterID,
	})
	s.publish(s.ListingEvents, market.EventListingClosed, l.ID, market.ListingClosedPayload{
		ListingID: l.ID, ItemID: l.ItemID, Reason: "COMPLETED",
	})
	return nil
}

// abortComplete unwinds a failed completion: releases the offered-item
// locks taken during this call and clears both flags so the request is
// back to plain ACCEPTED.
func (s *Service) abortComplete(ctx context.Context, t *market.TradeRequest, locked []string) {
	for _, itemID := range locked {
		s.compensateRelease(ctx, itemID, t.ID)
	}
	t.OwnerLocked = false
	t.RequesterLocked = false
	t.LockedAt = nil
	if err := s.Store.UpdateTrade(ctx, t, market.TradeAccepted); err != nil {
		s.log().Error("revert to accepted failed", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

// Cancel rejects a negotiation: the requester may withdraw while
// PENDING or ACCEPTED, the owner may reject while PENDING. Cancelling
// an accepted request releases the owner-side hold.
func (s *Service) Cancel(ctx context.Context, tradeID, byUserID string) error {
	t, err := s.Store.Trade(ctx, tradeID)
	if err != nil {
		return err
	}
	l, err := s.Store.Listing(ctx, t.ListingID)
	if err != nil {
		return err
	}

	var by Party
	switch byUserID {
	case t.RequesterID:
		by = PartyRequester
	case l.OwnerID:
		by = PartyOwner
	default:
		return market.ErrItemNotOwned
	}

	switch t.Status {
	case market.TradePending:
		expect := t.Status
		t.Status = market.TradeRejected
		if err := s.Store.UpdateTrade(ctx, t, expect); err != nil {
			return err
		}
	case market.TradeAccepted:
		if by != PartyRequester {
			return market.ErrRequestNotAcceptable
		}
		// Claim the request first; unwinding the hold is safe after.
		t.Status = market.TradeRejected
		t.OwnerLocked = false
		t.RequesterLocked = false
		t.LockedAt = nil
		if err := s.Store.UpdateTrade(ctx, t, market.TradeAccepted); err != nil {
			return err
		}
		s.compensateRelease(ctx, l.ItemID, t.ID)
		s.compensateListing(ctx, l.ID)
	default:
		return market.ErrRequestNotAcceptable
	}

	s.publish(s.TradeEvents, market.EventTradeRejected, l.ID, market.TradeRejectedPayload{
		TradeID: t.ID, ListingID: l.ID, By: string(by),
	})
	return nil
}

// RevertStalled is the timeout revert used by the reconciliation
// sweep: an ACCEPTED request that never reached both-locked goes back
// to PENDING, flags cleared, owner-side hold released. The
// compare-and-set claims the row, so a request that legitimately
// progressed after the sweep's snapshot is left alone.
func (s *Service) RevertStalled(ctx context.Context, tradeID string) error {
	t, err := s.Store.Trade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.Status != market.TradeAccepted {
		return market.ErrRequestNotAcceptable
	}
	l, err := s.Store.Listing(ctx, t.ListingID)
	if err != nil {
		return err
	}

	t.Status = market.TradePending
	t.OwnerLocked = false
	t.RequesterLocked = false
	t.RespondedAt = nil
	t.LockedAt = nil
	if err := s.Store.UpdateTrade(ctx, t, market.TradeAccepted); err != nil {
		return err
	}

	s.compensateRelease(ctx, l.ItemID, t.ID)
	// A crash inside Complete can leave offered items holding this
	// negotiation's lock; sweep them back too.
	for _, itemID := range t.OfferedItemIDs {
		s.compensateRelease(ctx, itemID, t.ID)
	}
	s.compensateListing(ctx, l.ID)

	s.publish(s.TradeEvents, market.EventTradeReverted, l.ID, market.TradeRevertedPayload{
		TradeID: t.ID, ListingID: l.ID, Reason: "LOCK_TIMEOUT",
	})
	return nil
}

// ---- reads ----

func (s *Service) Item(ctx context.Context, id string) (*market.InventoryItem, error) {
	return s.Store.Item(ctx, id)
}

func (s *Service) Listing(ctx context.Context, id string) (*market.Listing, error) {
	return s.Store.Listing(ctx, id)
}

func (s *Service) Trade(ctx context.Context, id string) (*market.TradeRequest, error) {
	return s.Store.Trade(ctx, id)
}

// ---- helpers ----

// compensations log and move on: the release path tolerates holds
// already cleared, and a LockMismatch means someone newer owns the
// lock now, which is exactly when we must not touch it.
func (s *Service) compensateRelease(ctx context.Context, itemID, negotiationID string) {
	if err := s.Store.ReleaseItem(ctx, itemID, negotiationID); err != nil {
		s.log().Warn("release compensation skipped",
			zap.String("item_id", itemID), zap.String("negotiation_id", negotiationID), zap.Error(err))
	}
}

func (s *Service) compensateListing(ctx context.Context, listingID string) {
	if err := s.Store.TransitionListing(ctx, listingID, market.ListingLocked, market.ListingOpen); err != nil {
		s.log().Warn("listing reopen skipped", zap.String("listing_id", listingID), zap.Error(err))
	}
}

func (s *Service) publish(p Publisher, eventType, listingID string, payload any) {
	if p == nil {
		return
	}
	ev := market.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: listingID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(market.PartitionKey(listingID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
