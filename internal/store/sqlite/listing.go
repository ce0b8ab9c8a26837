package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/store"
)

const listingColumns = `id, title, status, starting_bid, current_bid, current_bidder, version, ends_at, created_at, updated_at`

// ListingRepo implements store.ListingRepository using database/sql.
type ListingRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewListingRepo returns a new ListingRepo.
func NewListingRepo(db *sql.DB, clk clock.Clock) *ListingRepo {
	return &ListingRepo{db: db, clock: clk}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(s rowScanner) (store.Listing, error) {
	var l store.Listing
	err := s.Scan(&l.ID, &l.Title, &l.Status, &l.StartingBid, &l.CurrentBid, &l.CurrentBidder,
		&l.Version, &l.EndsAt, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (r *ListingRepo) Create(ctx context.Context, l *store.Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Title, l.Status, l.StartingBid, l.CurrentBid, l.CurrentBidder, l.Version, l.EndsAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating listing: %w", err)
	}
	return nil
}

func (r *ListingRepo) GetByID(ctx context.Context, id string) (*store.Listing, error) {
	l, err := scanListing(r.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting listing %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing: %w", err)
	}
	return &l, nil
}

func (r *ListingRepo) ListByStatus(ctx context.Context, status string) ([]store.Listing, error) {
	return r.query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
}

func (r *ListingRepo) List(ctx context.Context) ([]store.Listing, error) {
	return r.query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY created_at ASC, id ASC`)
}

func (r *ListingRepo) query(ctx context.Context, q string, args ...any) ([]store.Listing, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing listings: %w", err)
	}
	defer rows.Close()

	var listings []store.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning listing row: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (r *ListingRepo) SetStatus(ctx context.Context, id, from, to string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
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
