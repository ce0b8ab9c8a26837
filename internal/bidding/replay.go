package bidding

import (
	"context"
	"fmt"
	"sort"

	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// Replay rebuilds listing state from the listings' initial fields and the
// ledger. Bids must cover a contiguous run of sequences starting at 1. Status
// and timestamps are copied from the input listings.
func Replay(listings []store.Listing, bids []ledger.Bid) (map[string]store.Listing, error) {
	state := make(map[string]store.Listing, len(listings))
	for _, l := range listings {
		l.CurrentBid = l.StartingBid
		l.CurrentBidder = ""
		l.Version = 0
		state[l.ID] = l
	}

	sorted := make([]ledger.Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	for i, b := range sorted {
		if want := int64(i + 1); b.Sequence != want {
			return nil, fmt.Errorf("ledger gap: got sequence %d, want %d", b.Sequence, want)
		}
		l, ok := state[b.ListingID]
		if !ok {
			return nil, fmt.Errorf("bid %d references unknown listing %s", b.Sequence, b.ListingID)
		}
		if b.Version != l.Version+1 {
			return nil, fmt.Errorf("bid %d on listing %s: got version %d, want %d", b.Sequence, b.ListingID, b.Version, l.Version+1)
		}
		if !b.Amount.GreaterThan(l.CurrentBid) {
			return nil, fmt.Errorf("bid %d on listing %s: amount %s does not exceed %s", b.Sequence, b.ListingID, b.Amount, l.CurrentBid)
		}
		l.CurrentBid = b.Amount
		l.CurrentBidder = b.BidderID
		l.Version = b.Version
		state[b.ListingID] = l
	}
	return state, nil
}

// Mismatch is a listing whose stored state disagrees with the ledger.
type Mismatch struct {
	ListingID string
	Stored    store.Listing
	Replayed  store.Listing
}

// Report summarises a ledger verification.
type Report struct {
	Listings   int
	Bids       int
	Mismatches []Mismatch
}

// Verify replays the whole ledger and compares the result with the stored
// listings.
func Verify(ctx context.Context, repo store.ListingRepository, lg ledger.Store, pageSize int) (Report, error) {
	listings, err := repo.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading listings: %w", err)
	}

	var bids []ledger.Bid
	var after int64
	for {
		page, err := lg.Since(ctx, after, pageSize)
		if err != nil {
			return Report{}, fmt.Errorf("loading ledger after %d: %w", after, err)
		}
		bids = append(bids, page...)
		if len(page) == 0 || pageSize <= 0 || len(page) < pageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}

	replayed, err := Replay(listings, bids)
	if err != nil {
		return Report{}, fmt.Errorf("replaying ledger: %w", err)
	}

	rep := Report{Listings: len(listings), Bids: len(bids)}
	for _, stored := range listings {
		r := replayed[stored.ID]
		if stored.Version != r.Version || stored.CurrentBidder != r.CurrentBidder || !stored.CurrentBid.Equal(r.CurrentBid) {
			rep.Mismatches = append(rep.Mismatches, Mismatch{ListingID: stored.ID, Stored: stored, Replayed: r})
		}
	}
	return rep, nil
}
