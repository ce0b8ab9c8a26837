// Package memstore provides a store.Driver that keeps everything in process
// memory. It honours the same atomicity rules as the SQL drivers and is used
// for tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk), nil
}

// DB is the shared in-memory state behind all repositories.
type DB struct {
	mu            sync.RWMutex
	clock         clock.Clock
	listings      map[string]*store.Listing
	bids          []ledger.Bid
	notifications []*ledger.Notification
}

// New returns Repositories backed by a fresh in-memory DB.
func New(clk clock.Clock) *store.Repositories {
	db := &DB{
		clock:    clk,
		listings: make(map[string]*store.Listing),
	}
	return &store.Repositories{
		Listings:      &ListingRepo{db: db},
		Ledger:        &Ledger{db: db},
		Notifications: &NotificationRepo{db: db},
		Closer:        store.CloserFunc(func() error { return nil }),
		Ping:          func(context.Context) error { return nil },
	}
}

// ListingRepo implements store.ListingRepository in memory.
type ListingRepo struct {
	db *DB
}

func (r *ListingRepo) Create(_ context.Context, l *store.Listing) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if _, ok := r.db.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	now := r.db.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	r.db.listings[l.ID] = &cp
	return nil
}

func (r *ListingRepo) GetByID(_ context.Context, id string) (*store.Listing, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	l, ok := r.db.listings[id]
	if !ok {
		return nil, fmt.Errorf("getting listing %s: %w", id, store.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (r *ListingRepo) ListByStatus(ctx context.Context, status string) ([]store.Listing, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *ListingRepo) List(_ context.Context) ([]store.Listing, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]store.Listing, 0, len(r.db.listings))
	for _, l := range r.db.listings {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *ListingRepo) SetStatus(_ context.Context, id, from, to string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	l, ok := r.db.listings[id]
	if !ok || l.Status != from {
		return fmt.Errorf("listing %s not found or not %s: %w", id, from, store.ErrNotFound)
	}
	l.Status = to
	l.UpdatedAt = r.db.clock.Now().UTC()
	return nil
}

// Ledger implements ledger.Store in memory.
type Ledger struct {
	db *DB
}

func (s *Ledger) Append(_ context.Context, rec ledger.Record) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	b := rec.Bid
	l, ok := s.db.listings[b.ListingID]
	if !ok {
		return fmt.Errorf("appending bid to listing %s: %w", b.ListingID, store.ErrNotFound)
	}
	if l.Status != store.StatusActive || l.Version != b.Version-1 {
		return fmt.Errorf("appending bid (listing=%s, version=%d): %w", b.ListingID, b.Version, ledger.ErrVersionConflict)
	}
	if n := len(s.db.bids); n > 0 && s.db.bids[n-1].Sequence >= b.Sequence {
		return fmt.Errorf("appending bid: sequence %d not after %d", b.Sequence, s.db.bids[n-1].Sequence)
	}

	s.db.bids = append(s.db.bids, b)
	l.CurrentBid = b.Amount
	l.CurrentBidder = b.BidderID
	l.Version = b.Version
	l.UpdatedAt = b.CreatedAt
	if rec.Outbid != nil {
		n := *rec.Outbid
		s.db.notifications = append(s.db.notifications, &n)
	}
	return nil
}

func (s *Ledger) History(_ context.Context, listingID string, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []ledger.Bid
	for _, b := range s.after(sinceSequence) {
		if b.ListingID != listingID {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Ledger) Since(_ context.Context, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	rest := s.after(sinceSequence)
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]ledger.Bid(nil), rest...), nil
}

func (s *Ledger) LastSequence(_ context.Context) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	if len(s.db.bids) == 0 {
		return 0, nil
	}
	return s.db.bids[len(s.db.bids)-1].Sequence, nil
}

// after returns the tail of the ledger with sequence > seq. Callers hold the lock.
func (s *Ledger) after(seq int64) []ledger.Bid {
	i := sort.Search(len(s.db.bids), func(i int) bool { return s.db.bids[i].Sequence > seq })
	return s.db.bids[i:]
}

// NotificationRepo implements store.NotificationRepository in memory.
type NotificationRepo struct {
	db *DB
}

func (r *NotificationRepo) ListUndelivered(_ context.Context, recipientID string) ([]ledger.Notification, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []ledger.Notification
	for _, n := range r.db.notifications {
		if n.RecipientID == recipientID && !n.Delivered {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (r *NotificationRepo) MarkDelivered(_ context.Context, ids ...string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := r.db.clock.Now().UTC()
	for _, n := range r.db.notifications {
		if _, ok := want[n.ID]; ok && !n.Delivered {
			n.Delivered = true
			t := now
			n.DeliveredAt = &t
		}
	}
	return nil
}
