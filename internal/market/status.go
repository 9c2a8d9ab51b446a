package market

type ItemStatus string

const (
	ItemAvailable         ItemStatus = "AVAILABLE"
	ItemListed            ItemStatus = "LISTED"
	ItemReserved          ItemStatus = "RESERVED"
	ItemOnHold            ItemStatus = "ON_HOLD"
	ItemShipmentRequested ItemStatus = "SHIPMENT_REQUESTED"
	ItemSold              ItemStatus = "SOLD"
	ItemDelivered         ItemStatus = "DELIVERED"
	ItemArchived          ItemStatus = "ARCHIVED"
)

// ON_HOLD is only reachable from AVAILABLE/LISTED and only leaves back
// to the status it was taken from (recorded in HeldFrom).
var itemNext = map[ItemStatus]map[ItemStatus]bool{
	ItemAvailable:         {ItemListed: true, ItemReserved: true, ItemOnHold: true, ItemShipmentRequested: true, ItemArchived: true},
	ItemListed:            {ItemAvailable: true, ItemOnHold: true},
	ItemReserved:          {ItemAvailable: true, ItemSold: true},
	ItemOnHold:            {ItemAvailable: true, ItemListed: true},
	ItemShipmentRequested: {ItemSold: true, ItemDelivered: true},
	ItemSold:              {ItemArchived: true},
	ItemDelivered:         {ItemArchived: true},
	ItemArchived:          {},
}

func (s ItemStatus) CanTransition(to ItemStatus) bool { return itemNext[s][to] }

// Lockable reports whether a trade hold may be placed on an item in
// this status.
func (s ItemStatus) Lockable() bool { return s == ItemAvailable || s == ItemListed }

type ListingStatus string

const (
	ListingOpen      ListingStatus = "OPEN"
	ListingLocked    ListingStatus = "LOCKED"
	ListingCompleted ListingStatus = "COMPLETED"
	ListingCancelled ListingStatus = "CANCELLED"
	ListingExpired   ListingStatus = "EXPIRED"
)

// LOCKED -> OPEN is the scheduler revert of a stalled negotiation.
var listingNext = map[ListingStatus]map[ListingStatus]bool{
	ListingOpen:      {ListingLocked: true, ListingCancelled: true, ListingExpired: true},
	ListingLocked:    {ListingOpen: true, ListingCompleted: true, ListingCancelled: true},
	ListingCompleted: {},
	ListingCancelled: {},
	ListingExpired:   {},
}

func (s ListingStatus) CanTransition(to ListingStatus) bool { return listingNext[s][to] }

func (s ListingStatus) Terminal() bool {
	return s == ListingCompleted || s == ListingCancelled || s == ListingExpired
}

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeAccepted  TradeStatus = "ACCEPTED"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeTimedOut  TradeStatus = "TIMED_OUT"
)

// ACCEPTED -> PENDING is the timeout revert: lock flags are cleared and
// the owner-side hold released, but the request stays negotiable.
var tradeNext = map[TradeStatus]map[TradeStatus]bool{
	TradePending:   {TradeAccepted: true, TradeRejected: true, TradeTimedOut: true},
	TradeAccepted:  {TradePending: true, TradeCompleted: true, TradeRejected: true},
	TradeCompleted: {},
	TradeRejected:  {},
	TradeTimedOut:  {},
}

func (s TradeStatus) CanTransition(to TradeStatus) bool { return tradeNext[s][to] }

func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeRejected || s == TradeTimedOut
}
