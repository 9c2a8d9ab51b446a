// Package notifier consumes market events and turns them into
// user-facing notification dispatches. Delivery itself (email, push)
// is an external collaborator behind Dispatcher; failures here never
// affect the state transition that produced the event.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
	"blindbox-exchange/internal/redisx"
)

type Notification struct {
	Kind      string // event type
	ListingID string
	TradeID   string
	Body      string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher is the default sink: it only logs. Real delivery
// plugs in behind the same interface.
type LogDispatcher struct{ Log *zap.Logger }

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.Log.Info("notification dispatched",
		zap.String("kind", n.Kind), zap.String("listing_id", n.ListingID),
		zap.String("trade_id", n.TradeID), zap.String("body", n.Body))
	return nil
}

type Service struct {
	Redis       *redis.Client
	Dispatch    Dispatcher
	Log         *zap.Logger
	ServiceName string
}

// HandleEvent is wired as the consumer handler for the market topics.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env market.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup on event_id so redeliveries do not double-notify
	dkey := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	n, ok := s.render(env)
	if !ok {
		return nil // event type not user-facing
	}
	if err := s.Dispatch.Dispatch(ctx, n); err != nil {
		// fire-and-forget: log and commit the offset anyway
		s.Log.Warn("notification dispatch failed", zap.String("event_id", env.EventID), zap.Error(err))
	}
	return nil
}

func (s *Service) render(env market.Envelope) (Notification, bool) {
	n := Notification{Kind: env.EventType, ListingID: env.CorrelationID}
	switch env.EventType {
	case market.EventTradeAccepted:
		p, err := kafkax.UnwrapPayload[market.TradeAcceptedPayload](env.Payload)
		if err != nil {
			return n, false
		}
		n.TradeID = p.TradeID
		n.Body = fmt.Sprintf("Your trade offer was accepted. Confirm before %s.", p.HeldUntil.Format("15:04 MST"))
	case market.EventTradeCompleted:
		p, err := kafkax.UnwrapPayload[market.TradeCompletedPayload](env.Payload)
		if err != nil {
			return n, false
		}
		n.TradeID = p.TradeID
		n.Body = "Trade completed. The items changed hands."
	case market.EventTradeRejected:
		p, err := kafkax.UnwrapPayload[market.TradeRejectedPayload](env.Payload)
		if err != nil {
			return n, false
		}
		n.TradeID = p.TradeID
		n.Body = "Trade declined."
	case market.EventTradeReverted:
		p, err := kafkax.UnwrapPayload[market.TradeRevertedPayload](env.Payload)
		if err != nil {
			return n, false
		}
		n.TradeID = p.TradeID
		n.Body = "Trade confirmation timed out; the offer is pending again."
	case market.EventListingClosed:
		p, err := kafkax.UnwrapPayload[market.ListingClosedPayload](env.Payload)
		if err != nil || p.Reason != "EXPIRED" {
			return n, false
		}
		n.Body = "Your listing expired."
	default:
		return n, false
	}
	return n, true
}
