package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/ledger"
	"github.com/jensholdgaard/bidsync/internal/store"
)

type bidRequest struct {
	ListingID string          `json:"listingId"`
	BidderID  string          `json:"bidderId"`
	Amount    decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	Accepted      bool             `json:"accepted"`
	Version       int64            `json:"version"`
	Sequence      int64            `json:"sequence,omitempty"`
	CurrentBid    *decimal.Decimal `json:"currentBid,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CurrentAmount *decimal.Decimal `json:"currentAmount,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type listingResponse struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Status        string          `json:"status"`
	StartingBid   decimal.Decimal `json:"startingBid"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	CurrentBidder string          `json:"currentBidder,omitempty"`
	Version       int64           `json:"version"`
	EndsAt        *time.Time      `json:"endsAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func toListing(l store.Listing) listingResponse {
	return listingResponse{
		ID:            l.ID,
		Title:         l.Title,
		Status:        l.Status,
		StartingBid:   l.StartingBid,
		CurrentBid:    l.CurrentBid,
		CurrentBidder: l.CurrentBidder,
		Version:       l.Version,
		EndsAt:        l.EndsAt,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

type createListingRequest struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	StartingBid decimal.Decimal `json:"startingBid"`
	EndsAt      *time.Time      `json:"endsAt"`
	Active      bool            `json:"active"`
}

func (s *Server) submitBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, bidResponse{
			Reason: bidding.ReasonInvalidBid,
			Error:  "invalid request body",
		})
		return
	}
	if !allowed(r, req.BidderID) {
		writeError(w, http.StatusForbidden, "token subject does not match bidder")
		return
	}

	res, err := s.bids.SubmitBid(r.Context(), req.ListingID, req.BidderID, req.Amount)
	if err == nil {
		writeJSON(w, http.StatusOK, bidResponse{
			Accepted:   true,
			Version:    res.Version,
			Sequence:   res.Sequence,
			CurrentBid: &res.CurrentBid,
		})
		return
	}

	reason := bidding.ReasonCode(err)
	var rej *bidding.RejectedError
	switch {
	case errors.As(err, &rej):
		code := http.StatusConflict
		if reason == bidding.ReasonListingNotFound {
			code = http.StatusNotFound
		}
		writeJSON(w, code, bidResponse{
			Version:       rej.Version,
			Reason:        reason,
			CurrentAmount: &rej.CurrentBid,
		})
	case reason == bidding.ReasonInvalidBid:
		writeJSON(w, http.StatusBadRequest, bidResponse{Reason: reason, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, bidResponse{Reason: reason, Error: "bid could not be stored"})
	}
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.bids.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBiddingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListing(l))
}

func (s *Server) listBids(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "sinceSequence")
	if err != nil {
		writeError(w, http.StatusBadRequest, "sinceSequence must be an integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	bids, err := s.bids.History(r.Context(), chi.URLParam(r, "id"), since, int(limit))
	if err != nil {
		s.writeBiddingError(w, r, err)
		return
	}
	if bids == nil {
		bids = []ledger.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) createListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	l, err := s.bids.CreateListing(r.Context(), bidding.NewListing{
		ID:          req.ID,
		Title:       req.Title,
		StartingBid: req.StartingBid,
		EndsAt:      req.EndsAt,
		Active:      req.Active,
	})
	if err != nil {
		s.writeBiddingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListing(l))
}

func (s *Server) startListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.bids.StartListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBiddingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListing(l))
}

func (s *Server) endListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.bids.EndListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBiddingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListing(l))
}

func (s *Server) pendingNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if !allowed(r, userID) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	out, err := s.notes.Undelivered(r.Context(), userID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "loading pending notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "notifications unavailable")
		return
	}
	if out == nil {
		out = []ledger.Notification{}
	}
	if err := encodeJSON(w, http.StatusOK, out); err != nil {
		s.logger.WarnContext(r.Context(), "writing notifications", "error", err)
		return
	}

	ids := make([]string, len(out))
	for i, n := range out {
		ids[i] = n.ID
	}
	if err := s.notes.Pulled(r.Context(), ids...); err != nil {
		s.logger.ErrorContext(r.Context(), "marking notifications delivered", "error", err)
	}
}

// writeBiddingError maps a bidding error onto its HTTP status.
func (s *Server) writeBiddingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bidding.ErrListingNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, bidding.ErrInvalidListing), errors.Is(err, bidding.ErrInvalidBid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bidding.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// encodeJSON writes v and reports whether the body reached the connection.
func encodeJSON(w http.ResponseWriter, code int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
