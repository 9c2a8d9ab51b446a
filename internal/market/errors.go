package market

import "errors"

// Business errors returned to callers. All terminal: none is retried
// automatically. Match with errors.Is.
var (
	ErrItemNotFound           = errors.New("item not found")
	ErrItemNotEligible        = errors.New("item not eligible")
	ErrAlreadyLocked          = errors.New("item already locked")
	ErrLockMismatch           = errors.New("lock held by another negotiation")
	ErrOwnershipMismatch      = errors.New("item not owned by declared owner")
	ErrItemNotOwned           = errors.New("item not owned by caller")
	ErrItemNotListable        = errors.New("item not listable")
	ErrListingNotFound        = errors.New("listing not found")
	ErrListingNotOpen         = errors.New("listing not open")
	ErrTradeNotFound          = errors.New("trade request not found")
	ErrOfferedItemNotEligible = errors.New("offered item not eligible")
	ErrRequestNotAcceptable   = errors.New("trade request not in acceptable state")
)
