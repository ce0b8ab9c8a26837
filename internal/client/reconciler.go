// Package client keeps a local view of listing prices in step with the
// server: optimistic bids show immediately and are reconciled against
// authoritative deltas from the change feed.
package client

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/feed"
)

// DefaultOptimisticTTL bounds how long an unconfirmed optimistic bid is shown.
const DefaultOptimisticTTL = 5 * time.Second

// Authoritative is the last state confirmed by the server.
type Authoritative struct {
	CurrentBid    decimal.Decimal
	CurrentBidder string
	Version       int64
}

// Optimistic is a local bid that the server has not confirmed yet.
type Optimistic struct {
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

type entry struct {
	auth Authoritative
	opt  *Optimistic
}

// View is what a UI should display for one listing.
type View struct {
	ListingID string
	// CurrentBid is the optimistic amount while one is pending, otherwise
	// the authoritative amount.
	CurrentBid    decimal.Decimal
	CurrentBidder string
	Version       int64
	Pending       bool
	Known         bool
}

// Reconciler merges optimistic bids with server deltas. It is safe for
// concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	clock   clock.Clock
}

// NewReconciler returns a Reconciler. A ttl <= 0 uses DefaultOptimisticTTL.
func NewReconciler(ttl time.Duration, clk clock.Clock) *Reconciler {
	if ttl <= 0 {
		ttl = DefaultOptimisticTTL
	}
	return &Reconciler{
		entries: make(map[string]*entry),
		ttl:     ttl,
		clock:   clk,
	}
}

func (r *Reconciler) get(listingID string) *entry {
	e, ok := r.entries[listingID]
	if !ok {
		e = &entry{}
		r.entries[listingID] = e
	}
	return e
}

// ApplyOptimistic shows amount for listingID until it is confirmed,
// superseded or expires.
func (r *Reconciler) ApplyOptimistic(listingID string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(listingID)
	e.opt = &Optimistic{Amount: amount, ExpiresAt: r.clock.Now().Add(r.ttl)}
}

// ApplyDelta applies d when it is newer than the local version and reports
// whether it did. A pending optimistic bid at or below the new price is
// dropped: it was either confirmed or beaten.
func (r *Reconciler) ApplyDelta(d feed.Delta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(d.ListingID)
	if d.Version <= e.auth.Version {
		return false
	}
	e.auth = Authoritative{CurrentBid: d.CurrentBid, CurrentBidder: d.CurrentBidder, Version: d.Version}
	if e.opt != nil && e.opt.Amount.LessThanOrEqual(d.CurrentBid) {
		e.opt = nil
	}
	return true
}

// Reject drops the optimistic bid for amount and records the server state
// that beat it.
func (r *Reconciler) Reject(listingID string, amount, current decimal.Decimal, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(listingID)
	if e.opt != nil && e.opt.Amount.Equal(amount) {
		e.opt = nil
	}
	if version > e.auth.Version {
		e.auth = Authoritative{CurrentBid: current, Version: version}
	}
}

// Reset replaces the authoritative state with a server snapshot, regardless
// of the local version.
func (r *Reconciler) Reset(listingID string, snap Authoritative) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(listingID)
	e.auth = snap
	if e.opt != nil && e.opt.Amount.LessThanOrEqual(snap.CurrentBid) {
		e.opt = nil
	}
}

// Version returns the last authoritative version seen for listingID.
func (r *Reconciler) Version(listingID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[listingID]; ok {
		return e.auth.Version
	}
	return 0
}

// View returns the display state of listingID. Expired optimistic bids are
// ignored.
func (r *Reconciler) View(listingID string) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[listingID]
	if !ok {
		return View{ListingID: listingID}
	}
	v := View{
		ListingID:     listingID,
		CurrentBid:    e.auth.CurrentBid,
		CurrentBidder: e.auth.CurrentBidder,
		Version:       e.auth.Version,
		Known:         e.auth.Version > 0 || !e.auth.CurrentBid.IsZero(),
	}
	if e.opt != nil && r.clock.Now().Before(e.opt.ExpiresAt) {
		v.CurrentBid = e.opt.Amount
		v.Pending = true
	}
	return v
}

// Expire discards expired optimistic bids and returns the listings whose
// view reverted to the authoritative state, in id order.
func (r *Reconciler) Expire() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var ids []string
	for id, e := range r.entries {
		if e.opt != nil && !now.Before(e.opt.ExpiresAt) {
			e.opt = nil
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Sweep discards expired optimistic bids and returns how many it dropped.
func (r *Reconciler) Sweep() int {
	return len(r.Expire())
}
