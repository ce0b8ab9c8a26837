package ledger

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by Append when the listing no longer sits at
// the version the bid was validated against.
var ErrVersionConflict = errors.New("listing version conflict")

// Store persists and retrieves ledger entries.
type Store interface {
	// Append atomically inserts the bid, moves its listing from Version-1 to
	// Version with the new current bid, and inserts the outbid notification.
	// Nothing is written if any part fails.
	Append(ctx context.Context, rec Record) error
	// History returns bids for one listing with sequence > sinceSequence,
	// ordered by sequence. A limit <= 0 means no limit.
	History(ctx context.Context, listingID string, sinceSequence int64, limit int) ([]Bid, error)
	// Since returns bids across all listings with sequence > sinceSequence.
	Since(ctx context.Context, sinceSequence int64, limit int) ([]Bid, error)
	// LastSequence returns the highest sequence appended so far, or 0.
	LastSequence(ctx context.Context) (int64, error)
}
