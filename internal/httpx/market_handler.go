package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/redisx"
	"blindbox-exchange/internal/reveal"
	"blindbox-exchange/internal/trading"
)

// MarketHandler serves the listing and trade-negotiation surface.
type MarketHandler struct {
	Svc        *trading.Service
	Redis      *redis.Client
	ListingTTL time.Duration
}

func (h *MarketHandler) Register(r *chi.Mux) {
	r.Post("/listings", h.createListing)
	r.Post("/listings/{id}/cancel", h.cancelListing)
	r.Get("/listings/{id}", h.getListing)
	r.Post("/listings/{id}/trades", h.propose)
	r.Post("/trades/{id}/accept", h.accept)
	r.Post("/trades/{id}/lock", h.lockParty)
	r.Post("/trades/{id}/cancel", h.cancel)
	r.Get("/trades/{id}", h.getTrade)
	r.Get("/items/{id}", h.getItem)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errStatus maps the business error taxonomy onto HTTP codes. All of
// these are terminal for the caller; nothing here retries.
func errStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrItemNotFound),
		errors.Is(err, market.ErrListingNotFound),
		errors.Is(err, market.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrItemNotOwned),
		errors.Is(err, market.ErrOwnershipMismatch):
		return http.StatusForbidden
	case errors.Is(err, reveal.ErrConfigInvalid),
		errors.Is(err, reveal.ErrNoEligibleOutcome):
		return http.StatusUnprocessableEntity
	case errors.Is(err, market.ErrItemNotEligible),
		errors.Is(err, market.ErrItemNotListable),
		errors.Is(err, market.ErrAlreadyLocked),
		errors.Is(err, market.ErrLockMismatch),
		errors.Is(err, market.ErrListingNotOpen),
		errors.Is(err, market.ErrOfferedItemNotEligible),
		errors.Is(err, market.ErrRequestNotAcceptable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
}

// ---- listings ----

type createListingReq struct {
	ItemID     string `json:"item_id"`
	OwnerID    string `json:"owner_id"`
	Terms      string `json:"terms"`
	TTLSeconds int    `json:"ttl_seconds"` // 0 = server default
}

func (h *MarketHandler) createListing(w http.ResponseWriter, r *http.Request) {
	var req createListingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ItemID == "" || req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ttl := h.ListingTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	l, err := h.Svc.CreateListing(ctx, req.ItemID, req.OwnerID, req.Terms, ttl)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.invalidate(ctx, fmt.Sprintf(redisx.KeyItemStatus, req.ItemID))
	writeJSON(w, http.StatusCreated, listingView(l))
}

type userReq struct {
	UserID string `json:"user_id"`
}

func (h *MarketHandler) cancelListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.CancelListing(ctx, listingID, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	h.invalidate(ctx, fmt.Sprintf(redisx.KeyListingStatus, listingID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(market.ListingCancelled)})
}

func (h *MarketHandler) getListing(w http.ResponseWriter, r *http.Request) {
	h.cachedGet(w, r, fmt.Sprintf(redisx.KeyListingStatus, chi.URLParam(r, "id")), func(ctx context.Context) (any, error) {
		l, err := h.Svc.Listing(ctx, chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		return listingView(l), nil
	})
}

// ---- trades ----

type proposeReq struct {
	RequesterID    string   `json:"requester_id"`
	OfferedItemIDs []string `json:"offered_item_ids"`
}

func (h *MarketHandler) propose(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	var req proposeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.RequesterID == "" || len(req.OfferedItemIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	t, err := h.Svc.Propose(ctx, listingID, req.RequesterID, req.OfferedItemIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tradeView(t))
}

func (h *MarketHandler) accept(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "id")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.Accept(ctx, tradeID, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	h.invalidate(ctx, fmt.Sprintf(redisx.KeyTradeStatus, tradeID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(market.TradeAccepted)})
}

type lockReq struct {
	Party string `json:"party"` // OWNER | REQUESTER
}

func (h *MarketHandler) lockParty(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "id")
	var req lockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Party == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing party"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.Svc.LockParty(ctx, tradeID, trading.Party(req.Party)); err != nil {
		writeErr(w, err)
		return
	}
	h.invalidate(ctx, fmt.Sprintf(redisx.KeyTradeStatus, tradeID))
	t, err := h.Svc.Trade(ctx, tradeID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeView(t))
}

func (h *MarketHandler) cancel(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "id")
	var req userReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.Cancel(ctx, tradeID, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	h.invalidate(ctx, fmt.Sprintf(redisx.KeyTradeStatus, tradeID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(market.TradeRejected)})
}

func (h *MarketHandler) getTrade(w http.ResponseWriter, r *http.Request) {
	h.cachedGet(w, r, fmt.Sprintf(redisx.KeyTradeStatus, chi.URLParam(r, "id")), func(ctx context.Context) (any, error) {
		t, err := h.Svc.Trade(ctx, chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		return tradeView(t), nil
	})
}

func (h *MarketHandler) getItem(w http.ResponseWriter, r *http.Request) {
	h.cachedGet(w, r, fmt.Sprintf(redisx.KeyItemStatus, chi.URLParam(r, "id")), func(ctx context.Context) (any, error) {
		it, err := h.Svc.Item(ctx, chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		return itemView(it), nil
	})
}

// cachedGet tries the Redis snapshot first, falls back to the store
// and refreshes the cache. Redis is a shortcut, the DB stays the
// truth.
func (h *MarketHandler) cachedGet(w http.ResponseWriter, r *http.Request, key string, load func(context.Context) (any, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}
	v, err := load(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if b, err := json.Marshal(v); err == nil {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *MarketHandler) invalidate(ctx context.Context, keys ...string) {
	_ = h.Redis.Del(ctx, keys...).Err()
}

// ---- response shapes ----

type itemResp struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	ProductID string     `json:"product_id"`
	Rarity    string     `json:"rarity,omitempty"`
	Secret    bool       `json:"secret,omitempty"`
	Status    string     `json:"status"`
	LockRef   string     `json:"lock_ref,omitempty"`
	HoldUntil *time.Time `json:"hold_until,omitempty"`
}

func itemView(it *market.InventoryItem) itemResp {
	return itemResp{
		ID: it.ID, OwnerID: it.OwnerID, ProductID: it.ProductID,
		Rarity: it.Rarity, Secret: it.Secret, Status: string(it.Status),
		LockRef: it.LockRef, HoldUntil: it.HoldUntil,
	}
}

type listingResp struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	OwnerID   string    `json:"owner_id"`
	Status    string    `json:"status"`
	Terms     string    `json:"terms,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func listingView(l *market.Listing) listingResp {
	return listingResp{
		ID: l.ID, ItemID: l.ItemID, OwnerID: l.OwnerID,
		Status: string(l.Status), Terms: l.Terms, ExpiresAt: l.ExpiresAt,
	}
}

type tradeResp struct {
	ID              string     `json:"id"`
	ListingID       string     `json:"listing_id"`
	RequesterID     string     `json:"requester_id"`
	OfferedItemIDs  []string   `json:"offered_item_ids"`
	Status          string     `json:"status"`
	OwnerLocked     bool       `json:"owner_locked"`
	RequesterLocked bool       `json:"requester_locked"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
}

func tradeView(t *market.TradeRequest) tradeResp {
	return tradeResp{
		ID: t.ID, ListingID: t.ListingID, RequesterID: t.RequesterID,
		OfferedItemIDs: t.OfferedItemIDs, Status: string(t.Status),
		OwnerLocked: t.OwnerLocked, RequesterLocked: t.RequesterLocked,
		RespondedAt: t.RespondedAt, LockedAt: t.LockedAt,
	}
}
