// Package bidding accepts or rejects bids against the authoritative listing
// state and commits accepted bids to the ledger.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/feed"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/notify"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// Publisher receives every accepted bid in commit order.
type Publisher interface {
	Publish(d feed.Delta)
	Seed(listingID string, version int64)
	SeedGlobal(sequence int64)
	// Drop releases what is held for a listing that has ended.
	Drop(listingID string)
}

// Notifier is told about outbid notifications after they are committed.
type Notifier interface {
	NotifyOutbid(ctx context.Context, n ledger.Notification)
}

// Bidders reports whether a bidder id is known.
type Bidders interface {
	Known(userID string) bool
}

// Result describes an accepted bid.
type Result struct {
	Accepted   bool
	Version    int64
	Sequence   int64
	CurrentBid decimal.Decimal
}

// NewListing holds the fields needed to create a listing.
type NewListing struct {
	ID          string
	Title       string
	StartingBid decimal.Decimal
	EndsAt      *time.Time
	// Active opens the listing for bids immediately.
	Active bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the outbid notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithBidders restricts bids to known bidders.
func WithBidders(b Bidders) Option {
	return func(m *Manager) { m.bidders = b }
}

// Manager owns the authoritative state of every open listing.
type Manager struct {
	mu       sync.RWMutex
	listings map[string]*aggregate

	// commitMu orders sequence assignment, ledger append and publish so the
	// global sequence is contiguous and published in order. lastSeq is only
	// written under commitMu.
	commitMu sync.Mutex
	lastSeq  atomic.Int64

	repo     store.ListingRepository
	ledger   ledger.Store
	feed     Publisher
	notifier Notifier
	bidders  Bidders

	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// NewManager creates a new bidding Manager.
func NewManager(
	repo store.ListingRepository,
	lg ledger.Store,
	pub Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
	opts ...Option,
) *Manager {
	meter := mp.Meter("github.com/jensholdgaard/bidsync/internal/bidding")
	accepted, _ := meter.Int64Counter("bids.accepted",
		metric.WithDescription("Bids accepted and committed to the ledger."))
	rejected, _ := meter.Int64Counter("bids.rejected",
		metric.WithDescription("Bids rejected, by reason."))

	m := &Manager{
		listings: make(map[string]*aggregate),
		repo:     repo,
		ledger:   lg,
		feed:     pub,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/bidsync/internal/bidding"),
		clock:    clk,
		accepted: accepted,
		rejected: rejected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover loads open listings and the last ledger sequence. It must run
// before the first bid is accepted.
func (m *Manager) Recover(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Recover")
	defer span.End()

	last, err := m.ledger.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading last sequence: %w", ErrStorage, err)
	}

	var open []store.Listing
	for _, status := range []string{store.StatusActive, store.StatusPending} {
		ls, err := m.repo.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("%w: loading %s listings: %w", ErrStorage, status, err)
		}
		open = append(open, ls...)
	}

	m.commitMu.Lock()
	m.lastSeq.Store(last)
	m.commitMu.Unlock()
	m.feed.SeedGlobal(last)

	m.mu.Lock()
	for _, l := range open {
		m.listings[l.ID] = newAggregate(l)
		m.feed.Seed(l.ID, l.Version)
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "bidding state recovered",
		slog.Int("open_listings", len(open)),
		slog.Int64("last_sequence", last),
	)
	return nil
}

// LastSequence returns the sequence of the most recently accepted bid.
func (m *Manager) LastSequence() int64 {
	return m.lastSeq.Load()
}

// SubmitBid validates amount against the listing's current state and, when
// it is higher, commits it. Losing bids get a *RejectedError.
func (m *Manager) SubmitBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SubmitBid",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	res, outbid, err := m.submit(ctx, listingID, bidderID, amount)
	if err != nil {
		reason := ReasonCode(err)
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		span.SetAttributes(attribute.String("bid.rejected", reason))
		if reason == ReasonStorageError {
			span.SetStatus(codes.Error, err.Error())
			m.logger.ErrorContext(ctx, "bid not committed",
				slog.String("listing_id", listingID),
				slog.String("bidder_id", bidderID),
				slog.Any("error", err),
			)
		} else {
			m.logger.DebugContext(ctx, "bid rejected",
				slog.String("listing_id", listingID),
				slog.String("bidder_id", bidderID),
				slog.String("reason", reason),
			)
		}
		return Result{}, err
	}

	m.accepted.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int64("listing.version", res.Version),
		attribute.Int64("bid.sequence", res.Sequence),
	)
	m.logger.InfoContext(ctx, "bid accepted",
		slog.String("listing_id", listingID),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.Int64("version", res.Version),
		slog.Int64("sequence", res.Sequence),
	)

	if outbid != nil && m.notifier != nil {
		m.notifier.NotifyOutbid(context.WithoutCancel(ctx), *outbid)
	}
	return res, nil
}

func (m *Manager) validate(listingID, bidderID string, amount decimal.Decimal) error {
	switch {
	case listingID == "":
		return fmt.Errorf("%w: listing id is required", ErrInvalidBid)
	case bidderID == "":
		return fmt.Errorf("%w: bidder id is required", ErrInvalidBid)
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	case !validMoney(amount):
		return fmt.Errorf("%w: amount has more than two decimal places", ErrInvalidBid)
	case m.bidders != nil && !m.bidders.Known(bidderID):
		return fmt.Errorf("%w: unknown bidder %q", ErrInvalidBid, bidderID)
	}
	return nil
}

func (m *Manager) submit(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (Result, *ledger.Notification, error) {
	if err := m.validate(listingID, bidderID, amount); err != nil {
		return Result{}, nil, err
	}

	a, err := m.aggregate(ctx, listingID)
	if err != nil {
		return Result{}, nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := m.clock.Now().UTC()
	cur := a.state
	if rej := check(cur, amount, now); rej != nil {
		return Result{}, nil, rej
	}

	bid := ledger.Bid{
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
		Version:   cur.Version + 1,
		CreatedAt: now,
	}
	var outbid *ledger.Notification
	if cur.CurrentBidder != "" && cur.CurrentBidder != bidderID {
		n := notify.NewOutbid(cur.CurrentBidder, listingID, cur.CurrentBid, amount, 0, now)
		outbid = &n
	}

	m.commitMu.Lock()
	bid.Sequence = m.lastSeq.Load() + 1
	if outbid != nil {
		outbid.Sequence = bid.Sequence
	}
	if err := m.ledger.Append(ctx, ledger.Record{Bid: bid, Outbid: outbid}); err != nil {
		m.commitMu.Unlock()
		if errors.Is(err, ledger.ErrVersionConflict) {
			// The stored row moved underneath us; reload on next access.
			m.evict(listingID)
		}
		return Result{}, nil, fmt.Errorf("%w: appending bid: %w", ErrStorage, err)
	}

	a.state.CurrentBid = amount
	a.state.CurrentBidder = bidderID
	a.state.Version = bid.Version
	a.state.UpdatedAt = now

	m.feed.Publish(feed.Delta{
		ListingID:     listingID,
		CurrentBid:    amount,
		CurrentBidder: bidderID,
		Version:       bid.Version,
		Sequence:      bid.Sequence,
		At:            now,
	})
	// Readers only see what the feed already holds, so a cursor taken from
	// Get or LastSequence is never ahead of the stream.
	a.publish()
	m.lastSeq.Store(bid.Sequence)
	m.commitMu.Unlock()

	return Result{
		Accepted:   true,
		Version:    bid.Version,
		Sequence:   bid.Sequence,
		CurrentBid: amount,
	}, outbid, nil
}

// aggregate returns the in-memory state for listingID, loading it from the
// repository when needed. Ended listings are not loaded.
func (m *Manager) aggregate(ctx context.Context, listingID string) (*aggregate, error) {
	m.mu.RLock()
	a, ok := m.listings[listingID]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}

	l, err := m.load(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status == store.StatusEnded {
		return nil, reject(ErrAuctionEnded, l.ID, l.CurrentBid, l.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.listings[listingID]; ok {
		return a, nil
	}
	a = newAggregate(*l)
	m.listings[listingID] = a
	m.feed.Seed(listingID, l.Version)
	return a, nil
}

func (m *Manager) load(ctx context.Context, listingID string) (*store.Listing, error) {
	l, err := m.repo.GetByID(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(ErrListingNotFound, listingID, decimal.Zero, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading listing: %w", ErrStorage, err)
	}
	return l, nil
}

func (m *Manager) evict(listingID string) {
	m.mu.Lock()
	delete(m.listings, listingID)
	m.mu.Unlock()
}

// Get returns a snapshot of the listing.
func (m *Manager) Get(ctx context.Context, listingID string) (store.Listing, error) {
	m.mu.RLock()
	a, ok := m.listings[listingID]
	m.mu.RUnlock()
	if ok {
		return a.snapshot(), nil
	}

	l, err := m.load(ctx, listingID)
	if err != nil {
		return store.Listing{}, err
	}
	return *l, nil
}

// History returns accepted bids on listingID after sinceSequence.
func (m *Manager) History(ctx context.Context, listingID string, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.History",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	if _, err := m.Get(ctx, listingID); err != nil {
		return nil, err
	}
	bids, err := m.ledger.History(ctx, listingID, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return bids, nil
}

// CreateListing stores a new listing, pending unless nl.Active is set.
func (m *Manager) CreateListing(ctx context.Context, nl NewListing) (store.Listing, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateListing",
		trace.WithAttributes(attribute.String("listing.id", nl.ID)),
	)
	defer span.End()

	if nl.StartingBid.IsNegative() || !validMoney(nl.StartingBid) {
		return store.Listing{}, fmt.Errorf("%w: starting bid must be a non-negative amount with at most two decimal places", ErrInvalidListing)
	}
	if nl.EndsAt != nil && !nl.EndsAt.After(m.clock.Now()) {
		return store.Listing{}, fmt.Errorf("%w: end time is in the past", ErrInvalidListing)
	}

	status := store.StatusPending
	if nl.Active {
		status = store.StatusActive
	}
	l := store.Listing{
		ID:          nl.ID,
		Title:       nl.Title,
		Status:      status,
		StartingBid: nl.StartingBid,
		CurrentBid:  nl.StartingBid,
		EndsAt:      nl.EndsAt,
	}
	if err := m.repo.Create(ctx, &l); err != nil {
		return store.Listing{}, fmt.Errorf("%w: creating listing: %w", ErrStorage, err)
	}

	m.mu.Lock()
	m.listings[l.ID] = newAggregate(l)
	m.feed.Seed(l.ID, 0)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "listing created",
		slog.String("listing_id", l.ID),
		slog.String("status", l.Status),
		slog.String("starting_bid", l.StartingBid.String()),
	)
	return l, nil
}

// StartListing opens a pending listing for bids.
func (m *Manager) StartListing(ctx context.Context, listingID string) (store.Listing, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.StartListing",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	a, err := m.aggregate(ctx, listingID)
	if err != nil {
		if errors.Is(err, ErrAuctionEnded) {
			return store.Listing{}, fmt.Errorf("%w: listing %s has ended", ErrInvalidTransition, listingID)
		}
		return store.Listing{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != store.StatusPending {
		return store.Listing{}, fmt.Errorf("%w: listing %s is %s", ErrInvalidTransition, listingID, a.state.Status)
	}
	if err := m.repo.SetStatus(ctx, listingID, store.StatusPending, store.StatusActive); err != nil {
		return store.Listing{}, fmt.Errorf("%w: starting listing: %w", ErrStorage, err)
	}
	a.state.Status = store.StatusActive
	a.state.UpdatedAt = m.clock.Now().UTC()
	a.publish()

	m.logger.InfoContext(ctx, "listing started", slog.String("listing_id", listingID))
	return a.state, nil
}

// EndListing closes a listing. Ending an ended listing returns it unchanged.
func (m *Manager) EndListing(ctx context.Context, listingID string) (store.Listing, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EndListing",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	a, err := m.aggregate(ctx, listingID)
	if errors.Is(err, ErrAuctionEnded) {
		return m.Get(ctx, listingID)
	}
	if err != nil {
		return store.Listing{}, err
	}
	return m.end(ctx, a)
}

func (m *Manager) end(ctx context.Context, a *aggregate) (store.Listing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Status == store.StatusEnded {
		return a.state, nil
	}
	if err := m.repo.SetStatus(ctx, a.state.ID, a.state.Status, store.StatusEnded); err != nil {
		return store.Listing{}, fmt.Errorf("%w: ending listing: %w", ErrStorage, err)
	}
	a.state.Status = store.StatusEnded
	a.state.UpdatedAt = m.clock.Now().UTC()
	a.publish()
	m.evict(a.state.ID)
	m.feed.Drop(a.state.ID)

	m.logger.InfoContext(ctx, "listing ended",
		slog.String("listing_id", a.state.ID),
		slog.String("winner", a.state.CurrentBidder),
		slog.String("amount", a.state.CurrentBid.String()),
	)
	return a.state, nil
}

// EndExpired ends every open listing whose end time has passed and returns
// how many were ended.
func (m *Manager) EndExpired(ctx context.Context) (int, error) {
	now := m.clock.Now()

	m.mu.RLock()
	open := make([]*aggregate, 0, len(m.listings))
	for _, a := range m.listings {
		open = append(open, a)
	}
	m.mu.RUnlock()

	var due []*aggregate
	for _, a := range open {
		a.mu.Lock()
		if a.state.Status == store.StatusActive && a.state.EndsAt != nil && !now.Before(*a.state.EndsAt) {
			due = append(due, a)
		}
		a.mu.Unlock()
	}

	var errs []error
	ended := 0
	for _, a := range due {
		if _, err := m.end(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		ended++
	}
	return ended, errors.Join(errs...)
}

// RunExpiry calls EndExpired every interval until ctx is done.
func (m *Manager) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("expiry interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.EndExpired(ctx)
			if err != nil {
				m.logger.ErrorContext(ctx, "ending expired listings", slog.Any("error", err))
			}
			if n > 0 {
				m.logger.InfoContext(ctx, "expired listings ended", slog.Int("count", n))
			}
		}
	}
}
