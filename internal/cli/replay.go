package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// ErrLedgerMismatch is returned when replaying the ledger does not reproduce
// the stored listings.
var ErrLedgerMismatch = errors.New("stored listings disagree with the ledger")

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	PageSize int
}

// ReplayMismatch is one listing whose stored state differs from its replay.
type ReplayMismatch struct {
	ListingID       string `json:"listing_id"`
	StoredVersion   int64  `json:"stored_version"`
	ReplayedVersion int64  `json:"replayed_version"`
	StoredBid       string `json:"stored_bid"`
	ReplayedBid     string `json:"replayed_bid"`
	StoredBidder    string `json:"stored_bidder"`
	ReplayedBidder  string `json:"replayed_bidder"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Listings   int              `json:"listings"`
	Bids       int              `json:"bids"`
	Consistent bool             `json:"consistent"`
	Mismatches []ReplayMismatch `json:"mismatches"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the bid ledger and verify stored listings",
		Long: `Replay every accepted bid in sequence order and compare the result with
the stored listing state.

Exit status is non-zero when the ledger is malformed or a listing disagrees
with its replay.

Examples:
  bidsync replay --config ./config.yaml
  bidsync replay --config ./config.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runReplay(cmd, opts, cfg)
		},
	}

	cmd.Flags().IntVar(&opts.PageSize, "page-size", 1000, "bids read per ledger query")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions, cfg *config.Config) error {
	ctx := cmd.Context()

	repos, err := store.Open(ctx, cfg.Database, clock.Real{})
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	rep, err := bidding.Verify(ctx, repos.Listings, repos.Ledger, opts.PageSize)
	if err != nil {
		return err
	}

	result := ReplayResult{
		Listings:   rep.Listings,
		Bids:       rep.Bids,
		Consistent: len(rep.Mismatches) == 0,
		Mismatches: make([]ReplayMismatch, 0, len(rep.Mismatches)),
	}
	for _, m := range rep.Mismatches {
		result.Mismatches = append(result.Mismatches, ReplayMismatch{
			ListingID:       m.ListingID,
			StoredVersion:   m.Stored.Version,
			ReplayedVersion: m.Replayed.Version,
			StoredBid:       m.Stored.CurrentBid.String(),
			ReplayedBid:     m.Replayed.CurrentBid.String(),
			StoredBidder:    m.Stored.CurrentBidder,
			ReplayedBidder:  m.Replayed.CurrentBidder,
		})
	}

	if opts.Format == "json" {
		if err := writeReplayJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		writeReplayText(cmd.OutOrStdout(), result)
	}

	if !result.Consistent {
		return fmt.Errorf("%w: %d listing(s)", ErrLedgerMismatch, len(result.Mismatches))
	}
	return nil
}

func writeReplayJSON(w io.Writer, result ReplayResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func writeReplayText(w io.Writer, result ReplayResult) {
	fmt.Fprintf(w, "Replayed %d bid(s) across %d listing(s).\n", result.Bids, result.Listings)
	if result.Consistent {
		fmt.Fprintln(w, "All listings match the ledger.")
		return
	}
	for _, m := range result.Mismatches {
		fmt.Fprintf(w, "  %s: stored v%d %s by %q, replayed v%d %s by %q\n",
			m.ListingID,
			m.StoredVersion, m.StoredBid, m.StoredBidder,
			m.ReplayedVersion, m.ReplayedBid, m.ReplayedBidder,
		)
	}
}
