package market

const (
	TopicItemRevealed  = "box.item.revealed"
	TopicListingEvents = "market.listing"
	TopicTradeEvents   = "market.trade"
)

// Partition key = listing_id so every event of one negotiation keeps
// its order.
func PartitionKey(listingID string) []byte { return []byte(listingID) }
