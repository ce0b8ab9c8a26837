package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Errors returned by bidding operations.
var (
	ErrInvalidBid        = errors.New("invalid bid")
	ErrInvalidListing    = errors.New("invalid listing")
	ErrAmountTooLow      = errors.New("amount too low")
	ErrAuctionEnded      = errors.New("auction ended")
	ErrAuctionNotStarted = errors.New("auction not started")
	ErrListingNotFound   = errors.New("listing not found")
	ErrInvalidTransition = errors.New("invalid listing status transition")
	ErrStorage           = errors.New("storage error")
)

// Reason codes reported to clients.
const (
	ReasonAmountTooLow      = "AmountTooLow"
	ReasonAuctionEnded      = "AuctionEnded"
	ReasonAuctionNotStarted = "AuctionNotStarted"
	ReasonListingNotFound   = "ListingNotFound"
	ReasonInvalidBid        = "InvalidBid"
	ReasonStorageError      = "StorageError"
)

// RejectedError is returned when a well-formed bid loses against the
// listing's current state. It carries the state the bid was judged against.
type RejectedError struct {
	Reason     error
	ListingID  string
	CurrentBid decimal.Decimal
	Version    int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bid on listing %s rejected: %v (current %s at version %d)",
		e.ListingID, e.Reason, e.CurrentBid.String(), e.Version)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// ReasonCode maps err onto its client-facing reason. It returns "" for nil.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAmountTooLow):
		return ReasonAmountTooLow
	case errors.Is(err, ErrAuctionEnded):
		return ReasonAuctionEnded
	case errors.Is(err, ErrAuctionNotStarted):
		return ReasonAuctionNotStarted
	case errors.Is(err, ErrListingNotFound):
		return ReasonListingNotFound
	case errors.Is(err, ErrInvalidBid), errors.Is(err, ErrInvalidListing):
		return ReasonInvalidBid
	default:
		return ReasonStorageError
	}
}

func reject(reason error, listingID string, current decimal.Decimal, version int64) *RejectedError {
	return &RejectedError{Reason: reason, ListingID: listingID, CurrentBid: current, Version: version}
}
