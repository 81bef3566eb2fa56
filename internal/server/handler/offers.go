package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// MarketView lists the current open and committed offers.
type MarketView interface {
	OpenOffers(t domain.OfferType) []domain.TradeOption
	CommittedOffers(t domain.OfferType) []domain.TradeOption
}

// Trader places offers and commitments on the settlement backend.
type Trader interface {
	SubmitOffer(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error)
	Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error
}

// SnapshotSource adapts the latest partition snapshot to MarketView for
// modes without a settlement backend.
type SnapshotSource func() domain.MarketSnapshot

func (s SnapshotSource) OpenOffers(t domain.OfferType) []domain.TradeOption {
	snap := s()
	if t == domain.OfferBid {
		return snap.OpenBids
	}
	return snap.OpenAsks
}

func (s SnapshotSource) CommittedOffers(t domain.OfferType) []domain.TradeOption {
	snap := s()
	if t == domain.OfferBid {
		return snap.CommittedBids
	}
	return snap.CommittedAsks
}

// OfferHandler serves the offer listing and placement endpoints.
type OfferHandler struct {
	market   MarketView
	trader   Trader
	prosumer domain.Prosumer
	logger   *slog.Logger
}

// NewOfferHandler creates an OfferHandler. trader may be nil, in which case
// the placement routes answer 503.
func NewOfferHandler(market MarketView, trader Trader, prosumer domain.Prosumer, logger *slog.Logger) *OfferHandler {
	return &OfferHandler{
		market:   market,
		trader:   trader,
		prosumer: prosumer,
		logger:   logHandler(logger, "offers"),
	}
}

type offerLists struct {
	Bids []domain.TradeOption `json:"bids"`
	Asks []domain.TradeOption `json:"asks"`
}

func nonNil(opts []domain.TradeOption) []domain.TradeOption {
	if opts == nil {
		return []domain.TradeOption{}
	}
	return opts
}

// ListOpen returns the open offers of both types.
// GET /api/offers/open
func (h *OfferHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, offerLists{
		Bids: nonNil(h.market.OpenOffers(domain.OfferBid)),
		Asks: nonNil(h.market.OpenOffers(domain.OfferAsk)),
	})
}

// ListCommitted returns the committed offers of both types.
// GET /api/offers/committed
func (h *OfferHandler) ListCommitted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, offerLists{
		Bids: nonNil(h.market.CommittedOffers(domain.OfferBid)),
		Asks: nonNil(h.market.CommittedOffers(domain.OfferAsk)),
	})
}

// placeOfferRequest is the body of an offer submission.
type placeOfferRequest struct {
	DeliveryTime int     `json:"deliveryTime"`
	Duration     int     `json:"duration"`
	Price        float64 `json:"price"`
	Power        float64 `json:"power"`
}

// PlaceOffer validates and submits a new bid or ask for the local prosumer.
// POST /api/offers/{type}
func (h *OfferHandler) PlaceOffer(w http.ResponseWriter, r *http.Request) {
	t, ok := parseOfferType(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown offer type")
		return
	}
	if h.trader == nil {
		writeError(w, http.StatusServiceUnavailable, "offer placement is disabled in this mode")
		return
	}

	var req placeOfferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opt, err := h.trader.SubmitOffer(r.Context(), t, domain.TradeOption{
		Creator:      h.prosumer,
		DeliveryTime: req.DeliveryTime,
		Duration:     req.Duration,
		Price:        req.Price,
		Power:        req.Power,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "offer placed",
		slog.String("type", t.String()),
		slog.String("option_id", opt.ID),
	)
	writeJSON(w, http.StatusCreated, opt)
}

type commitRequest struct {
	ID string `json:"id"`
}

// CommitOffer commits the local prosumer to an open offer.
// POST /api/offers/{type}/commit
func (h *OfferHandler) CommitOffer(w http.ResponseWriter, r *http.Request) {
	t, ok := parseOfferType(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown offer type")
		return
	}
	if h.trader == nil {
		writeError(w, http.StatusServiceUnavailable, "offer placement is disabled in this mode")
		return
	}

	var req commitRequest
	if err := decodeBody(w, r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "request body must be {\"id\": \"...\"}")
		return
	}

	var target *domain.TradeOption
	for _, opt := range h.market.OpenOffers(t) {
		if opt.ID == req.ID {
			target = &opt
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "no open "+t.String()+" with id "+req.ID)
		return
	}
	if target.Creator.ID == h.prosumer.ID {
		writeError(w, http.StatusConflict, "cannot commit to an own offer")
		return
	}

	if err := h.trader.Commit(r.Context(), t, *target); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "commitment sent",
		slog.String("type", t.String()),
		slog.String("option_id", req.ID),
	)
	writeJSON(w, http.StatusAccepted, target.WithAcceptedParty(h.prosumer.ID))
}
