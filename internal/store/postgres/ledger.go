package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/bidsync/internal/ledger"
)

const bidColumns = `sequence, listing_id, bidder_id, amount, version, created_at`

// Ledger implements ledger.Store backed by Postgres.
type Ledger struct {
	db *sqlx.DB
}

// NewLedger returns a new Ledger.
func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

func (s *Ledger) Append(ctx context.Context, rec ledger.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := rec.Bid
	result, err := tx.ExecContext(ctx,
		`UPDATE listings SET current_bid = $1, current_bidder = $2, version = $3, updated_at = $4
		 WHERE id = $5 AND version = $6 AND status = 'active'`,
		b.Amount, b.BidderID, b.Version, b.CreatedAt, b.ListingID, b.Version-1,
	)
	if err != nil {
		return fmt.Errorf("advancing listing %s: %w", b.ListingID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("advancing listing (listing=%s, version=%d): %w", b.ListingID, b.Version, ledger.ErrVersionConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.Sequence, b.ListingID, b.BidderID, b.Amount, b.Version, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting bid (sequence=%d): %w", b.Sequence, err)
	}

	if n := rec.Outbid; n != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (id, recipient_id, listing_id, old_amount, new_amount, sequence, delivered, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
			n.ID, n.RecipientID, n.ListingID, n.OldAmount, n.NewAmount, n.Sequence, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting outbid notification: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Ledger) History(ctx context.Context, listingID string, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	var bids []ledger.Bid
	err := s.db.SelectContext(ctx, &bids,
		`SELECT `+bidColumns+` FROM bids
		 WHERE listing_id = $1 AND sequence > $2
		 ORDER BY sequence ASC
		 LIMIT NULLIF($3, 0)`, listingID, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("loading bid history: %w", err)
	}
	return bids, nil
}

func (s *Ledger) Since(ctx context.Context, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	var bids []ledger.Bid
	err := s.db.SelectContext(ctx, &bids,
		`SELECT `+bidColumns+` FROM bids
		 WHERE sequence > $1
		 ORDER BY sequence ASC
		 LIMIT NULLIF($2, 0)`, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("loading bids: %w", err)
	}
	return bids, nil
}

func (s *Ledger) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(sequence), 0) FROM bids`); err != nil {
		return 0, fmt.Errorf("loading last sequence: %w", err)
	}
	return seq, nil
}
