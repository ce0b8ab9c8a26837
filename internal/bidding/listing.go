package bidding

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/store"
)

// aggregate is the authoritative in-memory state of one listing. mu is held
// across validation and commit of a bid so bids on one listing are
// linearized. Readers use snap, which is replaced after every committed
// change and never blocks on mu.
type aggregate struct {
	mu    sync.Mutex
	state store.Listing
	snap  atomic.Pointer[store.Listing]
}

func newAggregate(l store.Listing) *aggregate {
	a := &aggregate{state: l}
	a.publish()
	return a
}

// publish makes the current state visible to readers. Callers hold mu.
func (a *aggregate) publish() {
	l := a.state
	a.snap.Store(&l)
}

// snapshot returns the last published state.
func (a *aggregate) snapshot() store.Listing {
	return *a.snap.Load()
}

// check decides whether amount may be accepted against l at now.
func check(l store.Listing, amount decimal.Decimal, now time.Time) *RejectedError {
	switch l.Status {
	case store.StatusEnded:
		return reject(ErrAuctionEnded, l.ID, l.CurrentBid, l.Version)
	case store.StatusPending:
		return reject(ErrAuctionNotStarted, l.ID, l.CurrentBid, l.Version)
	}
	if l.EndsAt != nil && !now.Before(*l.EndsAt) {
		return reject(ErrAuctionEnded, l.ID, l.CurrentBid, l.Version)
	}
	if amount.LessThanOrEqual(l.CurrentBid) {
		return reject(ErrAmountTooLow, l.ID, l.CurrentBid, l.Version)
	}
	return nil
}

// validMoney reports whether d has at most two decimal places.
func validMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}
