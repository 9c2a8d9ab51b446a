package market

import (
	"context"
	"time"

	"blindbox-exchange/internal/reveal"
)

// Store is the transactional persistence contract of the core. The
// concurrency guarantees live here, not in application mutexes: an
// item has at most one active lock, LockItem's eligibility check and
// lock stamp commit together, and CompleteTradeSwap swaps everything
// or nothing. Both implementations (Postgres and in-memory) honor the
// same contract, so the negotiation protocol and the sweeps stay
// correct across process instances.
type Store interface {
	// CreateItem persists a freshly revealed or migrated item.
	CreateItem(ctx context.Context, it *InventoryItem) error
	Item(ctx context.Context, id string) (*InventoryItem, error)
	// ItemByExternalID resolves the reveal idempotency key. Returns
	// ErrItemNotFound when the key was never used.
	ItemByExternalID(ctx context.Context, externalID string) (*InventoryItem, error)

	// LockItem places a trade hold: eligible item moves to ON_HOLD,
	// records the negotiation as lock holder plus the status to
	// restore, and stamps hold-until. Re-locking under the same
	// negotiation id is a no-op (safe retry); a different holder gets
	// ErrAlreadyLocked, an unlockable status ErrItemNotEligible.
	LockItem(ctx context.Context, itemID, negotiationID string, holdUntil time.Time) error
	// ReleaseItem clears a hold and restores the pre-lock status.
	// Fails with ErrLockMismatch unless negotiationID is the holder.
	ReleaseItem(ctx context.Context, itemID, negotiationID string) error
	// TransferItem moves ownership after a completed trade. Fails with
	// ErrOwnershipMismatch if fromUserID is not the current owner.
	TransferItem(ctx context.Context, itemID, fromUserID, toUserID string) error
	// SweepExpiredHolds releases every hold past its deadline. This is
	// the designated recovery path and the one caller allowed to skip
	// the lock-holder check. Returns the released item ids.
	SweepExpiredHolds(ctx context.Context, now time.Time) ([]string, error)
	// ArchiveSettledItems archives SOLD/DELIVERED items whose last
	// update is older than before. Used by the daily audit.
	ArchiveSettledItems(ctx context.Context, before time.Time) ([]string, error)

	// CreateListing opens a listing and flips its AVAILABLE item to
	// LISTED in the same transaction.
	CreateListing(ctx context.Context, l *Listing) error
	Listing(ctx context.Context, id string) (*Listing, error)
	// CancelListing closes an OPEN listing by its owner and reverts
	// the item to AVAILABLE.
	CancelListing(ctx context.Context, listingID, byUserID string) error
	// TransitionListing is a compare-and-set on listing status, used by
	// the negotiation protocol (OPEN<->LOCKED). Fails with
	// ErrListingNotOpen when the current status is not from.
	TransitionListing(ctx context.Context, listingID string, from, to ListingStatus) error
	// ExpireStaleListings marks OPEN listings past expiry EXPIRED and
	// reverts their items to AVAILABLE. Returns expired listing ids.
	ExpireStaleListings(ctx context.Context, now time.Time) ([]string, error)

	// CreateTrade validates the listing is OPEN and every offered item
	// is owned by the requester and AVAILABLE, then persists the
	// request as PENDING.
	CreateTrade(ctx context.Context, t *TradeRequest) error
	Trade(ctx context.Context, id string) (*TradeRequest, error)
	// UpdateTrade writes status, lock flags and timestamps, guarded by
	// a compare-and-set on the current status. Fails with
	// ErrRequestNotAcceptable when the row moved under the caller.
	UpdateTrade(ctx context.Context, t *TradeRequest, expect TradeStatus) error
	// LockTradeParty sets one party's lock flag as an atomic
	// read-modify-write, so concurrent flips by both parties never lose
	// each other's write. Stamps locked_at when the second flag lands
	// and returns the updated request. Fails with
	// ErrRequestNotAcceptable unless the request is ACCEPTED.
	LockTradeParty(ctx context.Context, tradeID string, owner bool) (*TradeRequest, error)
	// TradesStuckInAccepted reads requests accepted before cutoff that
	// never reached both-locked. Snapshot read for the timeout sweep.
	TradesStuckInAccepted(ctx context.Context, cutoff time.Time) ([]*TradeRequest, error)
	// CompleteTradeSwap performs the terminal swap in one transaction:
	// verifies every item is still locked by this trade and owned by
	// its declared party, transfers ownership both directions, resets
	// items to AVAILABLE, and marks listing and trade COMPLETED. Any
	// failed check aborts with no changes persisted.
	CompleteTradeSwap(ctx context.Context, t *TradeRequest, l *Listing) error

	SaveBoxConfig(ctx context.Context, cfg reveal.Config) error
	BoxConfig(ctx context.Context, boxID string) (reveal.Config, error)
}
