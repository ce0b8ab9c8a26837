package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/store"
)

const listingColumns = `id, title, status, starting_bid, current_bid, current_bidder, version, ends_at, created_at, updated_at`

// ListingRepo implements store.ListingRepository with sqlx.
type ListingRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewListingRepo returns a new ListingRepo.
func NewListingRepo(db *sqlx.DB, clk clock.Clock) *ListingRepo {
	return &ListingRepo{db: db, clock: clk}
}

func (r *ListingRepo) Create(ctx context.Context, l *store.Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listings (`+listingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.Title, l.Status, l.StartingBid, l.CurrentBid, l.CurrentBidder, l.Version, l.EndsAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating listing: %w", err)
	}
	return nil
}

func (r *ListingRepo) GetByID(ctx context.Context, id string) (*store.Listing, error) {
	var l store.Listing
	err := r.db.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting listing %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing: %w", err)
	}
	return &l, nil
}

func (r *ListingRepo) ListByStatus(ctx context.Context, status string) ([]store.Listing, error) {
	var listings []store.Listing
	err := r.db.SelectContext(ctx, &listings,
		`SELECT `+listingColumns+` FROM listings WHERE status = $1 ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s listings: %w", status, err)
	}
	return listings, nil
}

func (r *ListingRepo) List(ctx context.Context) ([]store.Listing, error) {
	var listings []store.Listing
	err := r.db.SelectContext(ctx, &listings,
		`SELECT `+listingColumns+` FROM listings ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing listings: %w", err)
	}
	return listings, nil
}

func (r *ListingRepo) SetStatus(ctx context.Context, id, from, to string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clock.Now().UTC(), id, from,
	)
	if err != nil {
		return fmt.Errorf("setting listing status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("listing %s not found or not %s: %w", id, from, store.ErrNotFound)
	}
	return nil
}
