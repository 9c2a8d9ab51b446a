package market

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blindbox-exchange/internal/reveal"
)

// PGStore is the Postgres-backed Store. Eligibility checks and their
// writes share one transaction with the row locked FOR UPDATE, so two
// concurrent lock attempts on the same item cannot both commit. This
// keeps the guarantee across process instances without app mutexes.
type PGStore struct{ DB *pgxpool.Pool }

const itemCols = `id, owner_id, product_id, COALESCE(box_id,''), COALESCE(external_id,''),
	rarity, secret, status, quantity, reserved_qty, COALESCE(lock_ref,''),
	COALESCE(held_from,''), hold_until, COALESCE(shipment_id,''), created_at, updated_at, archived_at`

func scanItem(row pgx.Row) (*InventoryItem, error) {
	var it InventoryItem
	err := row.Scan(&it.ID, &it.OwnerID, &it.ProductID, &it.BoxID, &it.ExternalID,
		&it.Rarity, &it.Secret, &it.Status, &it.Quantity, &it.ReservedQty, &it.LockRef,
		&it.HeldFrom, &it.HoldUntil, &it.ShipmentID, &it.CreatedAt, &it.UpdatedAt, &it.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// ---- items ----

// CreateItem is idempotent on external_id: replaying a reveal returns
// the item the first attempt created.
func (s *PGStore) CreateItem(ctx context.Context, it *InventoryItem) error {
	if it.Quantity == 0 {
		it.Quantity = 1
	}
	if it.Status == "" {
		it.Status = ItemAvailable
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO items(id, owner_id, product_id, box_id, external_id, rarity, secret, status, quantity)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7, $8, $9)
		ON CONFLICT (external_id) DO NOTHING`,
		it.ID, it.OwnerID, it.ProductID, it.BoxID, it.ExternalID, it.Rarity, it.Secret, it.Status, it.Quantity)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		prev, err := s.ItemByExternalID(ctx, it.ExternalID)
		if err != nil {
			return err
		}
		*it = *prev
		return nil
	}
	fresh, err := s.Item(ctx, it.ID)
	if err != nil {
		return err
	}
	*it = *fresh
	return nil
}

func (s *PGStore) Item(ctx context.Context, id string) (*InventoryItem, error) {
	return scanItem(s.DB.QueryRow(ctx, `SELECT `+itemCols+` FROM items WHERE id=$1`, id))
}

func (s *PGStore) ItemByExternalID(ctx context.Context, externalID string) (*InventoryItem, error) {
	return scanItem(s.DB.QueryRow(ctx, `SELECT `+itemCols+` FROM items WHERE external_id=$1`, externalID))
}

func (s *PGStore) LockItem(ctx context.Context, itemID, negotiationID string, holdUntil time.Time) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status ItemStatus
	var lockRef string
	err = tx.QueryRow(ctx, `SELECT status, COALESCE(lock_ref,'') FROM items WHERE id=$1 FOR UPDATE`, itemID).
		Scan(&status, &lockRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if lockRef == negotiationID {
		return nil // safe retry
	}
	if lockRef != "" {
		return ErrAlreadyLocked
	}
	if !status.Lockable() {
		return ErrItemNotEligible
	}

	_, err = tx.Exec(ctx, `
		UPDATE items SET status=$2, held_from=$3, lock_ref=$4, hold_until=$5,
			reserved_qty=quantity, updated_at=now()
		WHERE id=$1`,
		itemID, ItemOnHold, status, negotiationID, holdUntil)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ReleaseItem(ctx context.Context, itemID, negotiationID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lockRef string
	err = tx.QueryRow(ctx, `SELECT COALESCE(lock_ref,'') FROM items WHERE id=$1 FOR UPDATE`, itemID).
		Scan(&lockRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if lockRef == "" {
		return nil // already released
	}
	if lockRef != negotiationID {
		return ErrLockMismatch
	}

	if _, err := tx.Exec(ctx, releaseSQL+` WHERE id=$1`, itemID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// releaseSQL restores the pre-lock status and clears every hold field.
const releaseSQL = `
	UPDATE items SET status=COALESCE(NULLIF(held_from,''),'AVAILABLE'), held_from=NULL,
		lock_ref=NULL, hold_until=NULL, reserved_qty=0, updated_at=now()`

func (s *PGStore) TransferItem(ctx context.Context, itemID, fromUserID, toUserID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var ownerID string
	err = tx.QueryRow(ctx, `SELECT owner_id FROM items WHERE id=$1 FOR UPDATE`, itemID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if ownerID != fromUserID {
		return ErrOwnershipMismatch
	}

	if _, err := tx.Exec(ctx, transferSQL+` WHERE id=$1`, itemID, toUserID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// transferSQL hands the item over and drops any hold with it.
const transferSQL = `
	UPDATE items SET owner_id=$2, status='AVAILABLE', held_from=NULL,
		lock_ref=NULL, hold_until=NULL, reserved_qty=0, updated_at=now()`

// SweepExpiredHolds bypasses the lock-holder check on purpose: it is
// the recovery path for negotiations that died without releasing.
func (s *PGStore) SweepExpiredHolds(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, releaseSQL+`
		WHERE lock_ref IS NOT NULL AND hold_until <= $1 RETURNING id`, now)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *PGStore) ArchiveSettledItems(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE items SET status='ARCHIVED', archived_at=now(), updated_at=now()
		WHERE status IN ('SOLD','DELIVERED') AND updated_at <= $1 RETURNING id`, before)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- listings ----

func (s *PGStore) CreateListing(ctx context.Context, l *Listing) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var ownerID string
	var status ItemStatus
	err = tx.QueryRow(ctx, `SELECT owner_id, status FROM items WHERE id=$1 FOR UPDATE`, l.ItemID).
		Scan(&ownerID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if ownerID != l.OwnerID {
		return ErrItemNotOwned
	}
	if status != ItemAvailable {
		return ErrItemNotListable
	}

	if _, err := tx.Exec(ctx, `UPDATE items SET status=$2, updated_at=now() WHERE id=$1`,
		l.ItemID, ItemListed); err != nil {
		return err
	}
	l.Status = ListingOpen
	err = tx.QueryRow(ctx, `
		INSERT INTO listings(id, item_id, owner_id, status, terms, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		l.ID, l.ItemID, l.OwnerID, l.Status, l.Terms, l.ExpiresAt).
		Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Listing(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := s.DB.QueryRow(ctx, `
		SELECT id, item_id, owner_id, status, terms, created_at, expires_at, updated_at
		FROM listings WHERE id=$1`, id).
		Scan(&l.ID, &l.ItemID, &l.OwnerID, &l.Status, &l.Terms, &l.CreatedAt, &l.ExpiresAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PGStore) CancelListing(ctx context.Context, listingID, byUserID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var ownerID, itemID string
	var status ListingStatus
	err = tx.QueryRow(ctx, `SELECT owner_id, item_id, status FROM listings WHERE id=$1 FOR UPDATE`, listingID).
		Scan(&ownerID, &itemID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrListingNotFound
	}
	if err != nil {
		return err
	}
	if ownerID != byUserID {
		return ErrItemNotOwned
	}
	if status != ListingOpen {
		return ErrListingNotOpen
	}

	if _, err := tx.Exec(ctx, `UPDATE listings SET status=$2, updated_at=now() WHERE id=$1`,
		listingID, ListingCancelled); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE items SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`,
		itemID, ItemAvailable, ItemListed); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) TransitionListing(ctx context.Context, listingID string, from, to ListingStatus) error {
	ct, err := s.DB.Exec(ctx, `UPDATE listings SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`,
		listingID, from, to)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.Listing(ctx, listingID); err != nil {
			return err
		}
		return ErrListingNotOpen
	}
	return nil
}

func (s *PGStore) ExpireStaleListings(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, item_id FROM listings
		WHERE status=$1 AND expires_at <= $2 FOR UPDATE`, ListingOpen, now)
	if err != nil {
		return nil, err
	}
	type stale struct{ id, itemID string }
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.itemID); err != nil {
			rows.Close()
			return nil, err
		}
		stales = append(stales, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []string
	for _, st := range stales {
		if _, err := tx.Exec(ctx, `UPDATE listings SET status=$2, updated_at=now() WHERE id=$1`,
			st.id, ListingExpired); err != nil {
			return nil, err
		}
		// Only revert a free LISTED item; a held one belongs to its
		// negotiation until release.
		if _, err := tx.Exec(ctx, `
			UPDATE items SET status=$2, updated_at=now()
			WHERE id=$1 AND status=$3 AND lock_ref IS NULL`,
			st.itemID, ItemAvailable, ItemListed); err != nil {
			return nil, err
		}
		expired = append(expired, st.id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// ---- trades ----

func (s *PGStore) CreateTrade(ctx context.Context, t *TradeRequest) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status ListingStatus
	err = tx.QueryRow(ctx, `SELECT status FROM listings WHERE id=$1 FOR UPDATE`, t.ListingID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrListingNotFound
	}
	if err != nil {
		return err
	}
	if status != ListingOpen {
		return ErrListingNotOpen
	}

	// Deterministic lock order across concurrent proposals.
	offered := append([]string(nil), t.OfferedItemIDs...)
	sort.Strings(offered)
	for _, itemID := range offered {
		var ownerID string
		var itemStatus ItemStatus
		var lockRef string
		err = tx.QueryRow(ctx, `SELECT owner_id, status, COALESCE(lock_ref,'') FROM items WHERE id=$1 FOR UPDATE`, itemID).
			Scan(&ownerID, &itemStatus, &lockRef)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOfferedItemNotEligible
		}
		if err != nil {
			return err
		}
		if ownerID != t.RequesterID || itemStatus != ItemAvailable || lockRef != "" {
			return ErrOfferedItemNotEligible
		}
	}

	t.Status = TradePending
	err = tx.QueryRow(ctx, `
		INSERT INTO trades(id, listing_id, requester_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING requested_at, updated_at`,
		t.ID, t.ListingID, t.RequesterID, t.Status).
		Scan(&t.RequestedAt, &t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, itemID := range t.OfferedItemIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO trade_items(trade_id, item_id) VALUES ($1, $2)`,
			t.ID, itemID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const tradeCols = `id, listing_id, requester_id, status, owner_locked, requester_locked,
	requested_at, responded_at, locked_at, updated_at`

func scanTrade(row pgx.Row) (*TradeRequest, error) {
	var t TradeRequest
	err := row.Scan(&t.ID, &t.ListingID, &t.RequesterID, &t.Status, &t.OwnerLocked, &t.RequesterLocked,
		&t.RequestedAt, &t.RespondedAt, &t.LockedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) Trade(ctx context.Context, id string) (*TradeRequest, error) {
	t, err := scanTrade(s.DB.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadOffered(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGStore) loadOffered(ctx context.Context, t *TradeRequest) error {
	rows, err := s.DB.Query(ctx, `SELECT item_id FROM trade_items WHERE trade_id=$1 ORDER BY item_id`, t.ID)
	if err != nil {
		return err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}
	t.OfferedItemIDs = ids
	return nil
}

func (s *PGStore) UpdateTrade(ctx context.Context, t *TradeRequest, expect TradeStatus) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE trades SET status=$3, owner_locked=$4, requester_locked=$5,
			responded_at=$6, locked_at=$7, updated_at=now()
		WHERE id=$1 AND status=$2`,
		t.ID, expect, t.Status, t.OwnerLocked, t.RequesterLocked, t.RespondedAt, t.LockedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := scanTrade(s.DB.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=$1`, t.ID)); err != nil {
			return err
		}
		return ErrRequestNotAcceptable
	}
	return nil
}

// LockTradeParty ORs the flag inside the UPDATE itself, so two
// concurrent flips serialize on the row and neither write is lost.
func (s *PGStore) LockTradeParty(ctx context.Context, tradeID string, owner bool) (*TradeRequest, error) {
	t, err := scanTrade(s.DB.QueryRow(ctx, `
		UPDATE trades SET
			owner_locked = owner_locked OR $2,
			requester_locked = requester_locked OR $3,
			locked_at = CASE WHEN (owner_locked OR $2) AND (requester_locked OR $3)
				THEN COALESCE(locked_at, now()) ELSE locked_at END,
			updated_at = now()
		WHERE id=$1 AND status=$4
		RETURNING `+tradeCols, tradeID, owner, !owner, TradeAccepted))
	if errors.Is(err, ErrTradeNotFound) {
		// no row matched: missing trade or wrong status
		if _, serr := scanTrade(s.DB.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=$1`, tradeID)); serr != nil {
			return nil, serr
		}
		return nil, ErrRequestNotAcceptable
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOffered(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGStore) TradesStuckInAccepted(ctx context.Context, cutoff time.Time) ([]*TradeRequest, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE status=$1 AND responded_at <= $2`, TradeAccepted, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeRequest
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		if err := s.loadOffered(ctx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) CompleteTradeSwap(ctx context.Context, t *TradeRequest, l *Listing) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tradeStatus TradeStatus
	err = tx.QueryRow(ctx, `SELECT status FROM trades WHERE id=$1 FOR UPDATE`, t.ID).Scan(&tradeStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTradeNotFound
	}
	if err != nil {
		return err
	}
	if tradeStatus != TradeAccepted {
		return ErrRequestNotAcceptable
	}

	var listingStatus ListingStatus
	var listingOwner, listingItemID string
	err = tx.QueryRow(ctx, `SELECT status, owner_id, item_id FROM listings WHERE id=$1 FOR UPDATE`, l.ID).
		Scan(&listingStatus, &listingOwner, &listingItemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrListingNotFound
	}
	if err != nil {
		return err
	}
	if listingStatus != ListingLocked {
		return ErrRequestNotAcceptable
	}

	// Lock and verify every item before writing anything: the swap is
	// all-or-nothing. Deterministic order avoids deadlock with
	// concurrent lockers.
	itemIDs := append([]string{listingItemID}, t.OfferedItemIDs...)
	sort.Strings(itemIDs)
	for _, itemID := range itemIDs {
		var ownerID, lockRef string
		err = tx.QueryRow(ctx, `SELECT owner_id, COALESCE(lock_ref,'') FROM items WHERE id=$1 FOR UPDATE`, itemID).
			Scan(&ownerID, &lockRef)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if lockRef != t.ID {
			return ErrLockMismatch
		}
		wantOwner := t.RequesterID
		if itemID == listingItemID {
			wantOwner = listingOwner
		}
		if ownerID != wantOwner {
			return ErrOwnershipMismatch
		}
	}

	if _, err := tx.Exec(ctx, transferSQL+` WHERE id=$1`, listingItemID, t.RequesterID); err != nil {
		return err
	}
	for _, itemID := range t.OfferedItemIDs {
		if _, err := tx.Exec(ctx, transferSQL+` WHERE id=$1`, itemID, listingOwner); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE listings SET status=$2, updated_at=now() WHERE id=$1`,
		l.ID, ListingCompleted); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE trades SET status=$2, owner_locked=TRUE, requester_locked=TRUE, updated_at=now()
		WHERE id=$1`, t.ID, TradeCompleted); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	t.Status = TradeCompleted
	t.OwnerLocked = true
	t.RequesterLocked = true
	l.Status = ListingCompleted
	return nil
}

// ---- box configs ----

func (s *PGStore) SaveBoxConfig(ctx context.Context, cfg reveal.Config) error {
	entries, err := json.Marshal(cfg.Entries)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO box_configs(box_id, secret_prob, entries)
		VALUES ($1, $2, $3)
		ON CONFLICT (box_id) DO UPDATE SET secret_prob=$2, entries=$3, updated_at=now()`,
		cfg.BoxID, cfg.SecretProb, entries)
	return err
}

func (s *PGStore) BoxConfig(ctx context.Context, boxID string) (reveal.Config, error) {
	cfg := reveal.Config{BoxID: boxID}
	var entries []byte
	err := s.DB.QueryRow(ctx, `SELECT secret_prob, entries FROM box_configs WHERE box_id=$1`, boxID).
		Scan(&cfg.SecretProb, &entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return reveal.Config{}, reveal.ErrConfigInvalid
	}
	if err != nil {
		return reveal.Config{}, err
	}
	if err := json.Unmarshal(entries, &cfg.Entries); err != nil {
		return reveal.Config{}, err
	}
	return cfg, nil
}
