package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// Account exposes the local token wallet.
type Account interface {
	Balance() decimal.Decimal
	Payments() []domain.Payment
	Fees() []domain.TransactionFeeEntry
}

// OffMarketClearer settles feed-in and retail trades.
type OffMarketClearer interface {
	ClearOffMarket(ctx context.Context, trade domain.OffMarketTrade) (domain.TradeRole, error)
}

// StreamReader reads the durable stream of cleared trades.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// ClearingHandler serves the wallet, history and off-market endpoints.
type ClearingHandler struct {
	account   Account
	offMarket OffMarketClearer
	stream    StreamReader
	logger    *slog.Logger
}

// NewClearingHandler creates a ClearingHandler. offMarket may be nil, in
// which case POST /api/offmarket answers 503. stream may be nil, in which
// case GET /api/clearing/history answers 503.
func NewClearingHandler(account Account, offMarket OffMarketClearer, stream StreamReader, logger *slog.Logger) *ClearingHandler {
	return &ClearingHandler{
		account:   account,
		offMarket: offMarket,
		stream:    stream,
		logger:    logHandler(logger, "clearing"),
	}
}

// historyEntry is one record of stream:cleared.
type historyEntry struct {
	ID    string          `json:"id"`
	Trade json.RawMessage `json:"trade"`
}

// History pages through the cleared trades recorded on stream:cleared,
// oldest first. after is the last stream id the client has seen.
// GET /api/clearing/history?after=<id>&limit=<n>
func (h *ClearingHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "trade history is disabled")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamCleared, after, parseListOpts(r).Limit)
	if err != nil {
		if errors.Is(err, domain.ErrStreamUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "trade history is disabled")
			return
		}
		writeDomainError(w, h.logger, r, err)
		return
	}

	entries := make([]historyEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "skipping malformed history entry", slog.String("id", m.ID))
			continue
		}
		entries = append(entries, historyEntry{ID: m.ID, Trade: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"next":    next,
	})
}

// ListFees returns the transaction fee entries incurred so far.
// GET /api/clearing/fees
func (h *ClearingHandler) ListFees(w http.ResponseWriter, r *http.Request) {
	fees := h.account.Fees()
	if fees == nil {
		fees = []domain.TransactionFeeEntry{}
	}
	writeJSON(w, http.StatusOK, page(fees, parseListOpts(r)))
}

// GetAccount returns the token balance and the payment log.
// GET /api/clearing/account
func (h *ClearingHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	payments := h.account.Payments()
	if payments == nil {
		payments = []domain.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":  h.account.Balance(),
		"payments": page(payments, parseListOpts(r)),
		"total":    len(payments),
	})
}

// ClearOffMarket books a trade with a grid operator or retailer.
// POST /api/offmarket
func (h *ClearingHandler) ClearOffMarket(w http.ResponseWriter, r *http.Request) {
	if h.offMarket == nil {
		writeError(w, http.StatusServiceUnavailable, "clearing is disabled in this mode")
		return
	}

	var trade domain.OffMarketTrade
	if err := decodeBody(w, r, &trade); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	role, err := h.offMarket.ClearOffMarket(r.Context(), trade)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":    role,
		"balance": h.account.Balance(),
	})
}
