package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jensholdgaard/bidsync/internal/ledger"
)

const bidColumns = `sequence, listing_id, bidder_id, amount, version, created_at`

// Ledger implements ledger.Store using database/sql.
type Ledger struct {
	db *sql.DB
}

// NewLedger returns a new Ledger.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (s *Ledger) Append(ctx context.Context, rec ledger.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := rec.Bid
	result, err := tx.ExecContext(ctx,
		`UPDATE listings SET current_bid = ?, current_bidder = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ? AND status = 'active'`,
		b.Amount, b.BidderID, b.Version, b.CreatedAt, b.ListingID, b.Version-1,
	)
	if err != nil {
		return fmt.Errorf("advancing listing %s: %w", b.ListingID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("advancing listing (listing=%s, version=%d): %w", b.ListingID, b.Version, ledger.ErrVersionConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		b.Sequence, b.ListingID, b.BidderID, b.Amount, b.Version, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting bid (sequence=%d): %w", b.Sequence, err)
	}

	if n := rec.Outbid; n != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (id, recipient_id, listing_id, old_amount, new_amount, sequence, delivered, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			n.ID, n.RecipientID, n.ListingID, n.OldAmount, n.NewAmount, n.Sequence, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting outbid notification: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Ledger) History(ctx context.Context, listingID string, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE listing_id = ? AND sequence > ?
		 ORDER BY sequence ASC LIMIT ?`, listingID, sinceSequence, noLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("loading bid history: %w", err)
	}
	return scanBids(rows)
}

func (s *Ledger) Since(ctx context.Context, sinceSequence int64, limit int) ([]ledger.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE sequence > ?
		 ORDER BY sequence ASC LIMIT ?`, sinceSequence, noLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("loading bids: %w", err)
	}
	return scanBids(rows)
}

func (s *Ledger) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM bids`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("loading last sequence: %w", err)
	}
	return seq, nil
}

func scanBids(rows *sql.Rows) ([]ledger.Bid, error) {
	defer rows.Close()

	var bids []ledger.Bid
	for rows.Next() {
		var b ledger.Bid
		if err := rows.Scan(&b.Sequence, &b.ListingID, &b.BidderID, &b.Amount, &b.Version, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning bid row: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}
