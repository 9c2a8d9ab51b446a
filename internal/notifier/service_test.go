package notifier

import (
	"testing"
	"time"

	kafkax "blindbox-exchange/internal/kafka"
	"blindbox-exchange/internal/market"
)

func envelope(eventType string, payload any) market.Envelope {
	return market.Envelope{
		EventID:       "ev-1",
		EventType:     eventType,
		EventVersion:  1,
		Producer:      "exchange-api",
		CorrelationID: "listing-1",
		Payload:       kafkax.MustMarshal(payload),
	}
}

func TestRender(t *testing.T) {
	s := &Service{}
	heldUntil := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)

	cases := []struct {
		name     string
		env      market.Envelope
		want     bool
		tradeID  string
		contains string
	}{
		{
			name:    "trade accepted",
			env:     envelope(market.EventTradeAccepted, market.TradeAcceptedPayload{TradeID: "t1", ListingID: "listing-1", HeldUntil: heldUntil}),
			want:    true,
			tradeID: "t1",
		},
		{
			name:    "trade completed",
			env:     envelope(market.EventTradeCompleted, market.TradeCompletedPayload{TradeID: "t1"}),
			want:    true,
			tradeID: "t1",
		},
		{
			name:    "trade rejected",
			env:     envelope(market.EventTradeRejected, market.TradeRejectedPayload{TradeID: "t1", By: "OWNER"}),
			want:    true,
			tradeID: "t1",
		},
		{
			name:    "trade reverted",
			env:     envelope(market.EventTradeReverted, market.TradeRevertedPayload{TradeID: "t1", Reason: "LOCK_TIMEOUT"}),
			want:    true,
			tradeID: "t1",
		},
		{
			name: "listing expired",
			env:  envelope(market.EventListingClosed, market.ListingClosedPayload{ListingID: "listing-1", Reason: "EXPIRED"}),
			want: true,
		},
		{
			name: "listing cancelled is not user-facing",
			env:  envelope(market.EventListingClosed, market.ListingClosedPayload{ListingID: "listing-1", Reason: "CANCELLED"}),
			want: false,
		},
		{
			name: "proposed is not user-facing",
			env:  envelope(market.EventTradeProposed, market.TradeProposedPayload{TradeID: "t1"}),
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := s.render(tc.env)
			if ok != tc.want {
				t.Fatalf("render ok = %v, want %v", ok, tc.want)
			}
			if !ok {
				return
			}
			if n.Kind != tc.env.EventType || n.ListingID != "listing-1" {
				t.Fatalf("notification = %+v", n)
			}
			if n.TradeID != tc.tradeID {
				t.Fatalf("trade id = %q, want %q", n.TradeID, tc.tradeID)
			}
			if n.Body == "" {
				t.Fatal("empty body")
			}
		})
	}
}
