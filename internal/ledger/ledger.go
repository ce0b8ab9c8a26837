// Package ledger defines the append-only record of accepted bids and the
// outbid notifications committed alongside them.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a single accepted bid. Entries are never mutated once appended.
type Bid struct {
	// Sequence is assigned by the server and is contiguous across all listings.
	Sequence  int64           `json:"sequence" db:"sequence"`
	ListingID string          `json:"listingId" db:"listing_id"`
	BidderID  string          `json:"bidderId" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	// Version is the listing version this bid produced.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Notification tells a bidder that their leading bid was superseded.
type Notification struct {
	ID          string          `json:"id" db:"id"`
	RecipientID string          `json:"recipientId" db:"recipient_id"`
	ListingID   string          `json:"listingId" db:"listing_id"`
	OldAmount   decimal.Decimal `json:"oldAmount" db:"old_amount"`
	NewAmount   decimal.Decimal `json:"newAmount" db:"new_amount"`
	// Sequence is the ledger sequence of the bid that caused the notification.
	Sequence    int64      `json:"sequence" db:"sequence"`
	Delivered   bool       `json:"delivered" db:"delivered"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty" db:"delivered_at"`
}

// Record is everything committed for one accepted bid.
type Record struct {
	Bid Bid
	// Outbid is nil when there was no previous leader or the leader raised
	// their own bid.
	Outbid *Notification
}
