package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/redisx"
	"blindbox-exchange/internal/reveal"
)

// RevealHandler opens sealed boxes: it draws an outcome from the
// box's approved probability config and persists the resulting item.
// The draw is idempotent on external_id, so a retried purchase never
// mints a second item.
type RevealHandler struct {
	Store    market.Store
	Engine   *reveal.Engine
	Producer *kafkax.Producer // box.item.revealed
	Redis    *redis.Client
	Service  string
}

func (h *RevealHandler) Register(r *chi.Mux) {
	r.Post("/boxes/{boxID}/reveal", h.revealBox)
	r.Put("/boxes/{boxID}/config", h.putConfig)
	r.Get("/boxes/{boxID}/config", h.getConfig)
}

type revealReq struct {
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"` // purchase reference
}

type revealResp struct {
	ItemID     string `json:"item_id"`
	ProductID  string `json:"product_id"`
	Rarity     string `json:"rarity"`
	Secret     bool   `json:"secret"`
	Idempotent bool   `json:"idempotent"`
}

func (h *RevealHandler) revealBox(w http.ResponseWriter, r *http.Request) {
	boxID := chi.URLParam(r, "boxID")
	var req revealReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.ExternalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fast-path idempotency via Redis; the store stays authoritative.
	idemKey := fmt.Sprintf(redisx.KeyIdemReveal, req.ExternalID)
	if ok, _ := redisx.Exists(ctx, h.Redis, idemKey); ok {
		if prev, err := h.Store.ItemByExternalID(ctx, req.ExternalID); err == nil {
			writeJSON(w, http.StatusOK, revealResp{
				ItemID: prev.ID, ProductID: prev.ProductID, Rarity: prev.Rarity,
				Secret: prev.Secret, Idempotent: true,
			})
			return
		}
	}

	cfg, err := h.Store.BoxConfig(ctx, boxID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := h.Engine.Draw(cfg)
	if err != nil {
		writeErr(w, err)
		return
	}

	it := &market.InventoryItem{
		ID:         uuid.NewString(),
		OwnerID:    req.UserID,
		ProductID:  out.ProductID,
		BoxID:      boxID,
		ExternalID: req.ExternalID,
		Rarity:     out.Rarity,
		Secret:     out.Secret,
	}
	// CreateItem dedupes on external_id: when a concurrent retry got
	// there first we end up holding that item instead of a new one.
	newID := it.ID
	if err := h.Store.CreateItem(ctx, it); err != nil {
		writeErr(w, err)
		return
	}
	idempotent := it.ID != newID

	_ = h.Redis.Set(ctx, idemKey, it.ID, redisx.TTLIdempotency).Err()

	if idempotent {
		writeJSON(w, http.StatusOK, revealResp{
			ItemID: it.ID, ProductID: it.ProductID, Rarity: it.Rarity, Secret: it.Secret,
			Idempotent: true,
		})
		return
	}

	ev := market.Envelope{
		EventID:       uuid.NewString(),
		EventType:     market.EventItemRevealed,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: it.ID,
		Payload: kafkax.MustMarshal(market.ItemRevealedPayload{
			ItemID: it.ID, UserID: it.OwnerID, BoxID: boxID, ProductID: it.ProductID,
			Rarity: it.Rarity, Secret: it.Secret, ExternalID: req.ExternalID,
		}),
	}
	h.Producer.Publish(market.PartitionKey(it.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(market.EventItemRevealed)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)

	writeJSON(w, http.StatusCreated, revealResp{
		ItemID: it.ID, ProductID: it.ProductID, Rarity: it.Rarity, Secret: it.Secret,
	})
}

// putConfig stores an approved probability config. Validation runs
// here, at approval time, not on every draw.
func (h *RevealHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	boxID := chi.URLParam(r, "boxID")
	var cfg reveal.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	cfg.BoxID = boxID
	if err := cfg.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Store.SaveBoxConfig(ctx, cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *RevealHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	cfg, err := h.Store.BoxConfig(ctx, chi.URLParam(r, "boxID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
