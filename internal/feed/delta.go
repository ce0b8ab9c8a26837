// Package feed fans accepted bid changes out to subscribers.
//
// The Hub keeps a bounded window of recent deltas per listing (keyed by
// listing version) and for all listings (keyed by global sequence).
// Subscribers read from the window with their own cursor, so a slow reader
// only falls behind and is told to resync; it never holds up Publish.
package feed

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrResyncRequired is returned when a cursor lies outside the retained
// window. The subscriber must reload the listing snapshot and resume from its
// version.
var ErrResyncRequired = errors.New("cursor outside retained window: resync required")

// Delta describes one accepted bid as seen by watchers.
type Delta struct {
	ListingID     string          `json:"listingId"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	CurrentBidder string          `json:"currentBidder"`
	Version       int64           `json:"version"`
	Sequence      int64           `json:"sequence"`
	At            time.Time       `json:"at"`
}

// Cursor identifies a resume point. An empty ListingID selects the feed of
// all listings, in which case After is a global sequence rather than a
// listing version.
type Cursor struct {
	ListingID string
	After     int64
}

// Global reports whether the cursor follows every listing.
func (c Cursor) Global() bool { return c.ListingID == "" }

// key returns the cursor key of d for a stream of the given kind.
func key(d Delta, global bool) int64 {
	if global {
		return d.Sequence
	}
	return d.Version
}
