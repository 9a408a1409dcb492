package tracker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/metrics"
	"github.com/postrack/position-engine/internal/model"
	"github.com/postrack/position-engine/internal/store"
)

// TradeEvent is the JSON body for POST /api/v1/trades: the wire form of
// a trade instruction. Price is required for BUY and optional for SELL
// (falls back to the latest market price).
type TradeEvent struct {
	UserID     int64            `json:"user_id"`
	SecurityID int64            `json:"security_id"`
	Side       string           `json:"side"` // "BUY" or "SELL"
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Charges    decimal.Decimal  `json:"charges"`
}

// PriceEvent is the JSON body for POST /api/v1/prices.
type PriceEvent struct {
	SecurityID int64           `json:"security_id"`
	Price      decimal.Decimal `json:"price"`
}

// IngestTrade handles POST /api/v1/trades.
// Processes the trade synchronously and answers 202 on success.
func (s *Service) IngestTrade(w http.ResponseWriter, r *http.Request) {
	var ev TradeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ctx := r.Context()
	side := strings.ToUpper(ev.Side)

	switch side {
	case "BUY":
		if ev.Price == nil {
			writeError(w, "price is required for BUY", http.StatusBadRequest)
			return
		}
		lot, err := s.ProcessBuy(ctx, model.BuyOrder{
			UserID:     ev.UserID,
			SecurityID: ev.SecurityID,
			Quantity:   ev.Quantity,
			Price:      *ev.Price,
			Charges:    ev.Charges,
			Timestamp:  ev.Timestamp,
		})
		if err != nil {
			writeTradeError(w, err)
			return
		}
		metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

		slog.Info("buy processed",
			"lot_id", lot.ID,
			"user", ev.UserID,
			"security", ev.SecurityID,
			"qty", ev.Quantity.String(),
			"price", ev.Price.String(),
		)
		s.broadcastTrade(ev, *ev.Price)

	case "SELL":
		result, err := s.ProcessSell(ctx, model.SellOrder{
			UserID:     ev.UserID,
			SecurityID: ev.SecurityID,
			Quantity:   ev.Quantity,
			Price:      ev.Price,
			Charges:    ev.Charges,
			Timestamp:  ev.Timestamp,
		})
		if err != nil {
			writeTradeError(w, err)
			return
		}
		metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

		slog.Info("sell processed",
			"user", ev.UserID,
			"security", ev.SecurityID,
			"qty", ev.Quantity.String(),
			"exec_price", result.ExecutionPrice.String(),
			"lots_touched", len(result.Touched),
		)
		s.broadcastTrade(ev, result.ExecutionPrice)

	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message": "trade accepted for processing"})
}

// UpdatePrice handles POST /api/v1/prices.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var ev PriceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.UpsertPrice(r.Context(), ev.SecurityID, ev.Price); err != nil {
		writeTradeError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "price_updated",
			SecurityID: ev.SecurityID,
			Price:      ev.Price.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "price updated"})
}

// GetSnapshot handles GET /api/v1/portfolios/{userID}/snapshot.
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	snapshot, err := s.Snapshot(r.Context(), userID, s.now())
	if errors.Is(err, ErrPortfolioNotFound) {
		writeError(w, "no portfolio data found for this user", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("snapshot failed", "user", userID, "err", err)
		writeError(w, "failed to build portfolio snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// ListTaxLots handles GET /api/v1/taxlots?user_id=&security_id=&status=.
func (s *Service) ListTaxLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var filter store.LotFilter
	if v := q.Get("security_id"); v != "" {
		securityID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, "invalid security_id", http.StatusBadRequest)
			return
		}
		filter.SecurityID = &securityID
	}
	if v := q.Get("status"); v != "" {
		status := model.LotStatus(strings.ToUpper(v))
		if !status.Valid() {
			writeError(w, "status must be OPEN, PARTIAL or CLOSED", http.StatusBadRequest)
			return
		}
		filter.Status = &status
	}

	lots, err := s.ListLots(r.Context(), userID, filter)
	if err != nil {
		slog.Error("list lots failed", "user", userID, "err", err)
		writeError(w, "failed to list tax lots", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []*model.TaxLot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lots)
}

// EODTaxRequest is the JSON body for POST /api/v1/simulate/eod-taxes.
type EODTaxRequest struct {
	UserID int64 `json:"user_id"`
}

// SimulateEODTaxes handles POST /api/v1/simulate/eod-taxes: an
// end-of-day audit hook reporting how many of the user's lots were
// closed today. Tax amounts are already accumulated on each lot at
// match time, so there is nothing to compute here beyond the count.
func (s *Service) SimulateEODTaxes(w http.ResponseWriter, r *http.Request) {
	var req EODTaxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24*time.Hour - time.Nanosecond)

	lots, err := s.store.LotsClosedBetween(r.Context(), req.UserID, dayStart, dayEnd)
	if err != nil {
		slog.Error("eod tax simulation failed", "user", req.UserID, "err", err)
		writeError(w, "failed to run end-of-day tax simulation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message":     "end-of-day tax simulation complete",
		"date":        dayStart.Format("2006-01-02"),
		"closed_lots": len(lots),
	})
}

func (s *Service) broadcastTrade(ev TradeEvent, execPrice decimal.Decimal) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:       "trade_executed",
		UserID:     ev.UserID,
		SecurityID: ev.SecurityID,
		Side:       strings.ToUpper(ev.Side),
		Quantity:   ev.Quantity.String(),
		Price:      execPrice.String(),
	})
}

// writeTradeError maps core errors to HTTP status codes.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoPriceData):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrOversell):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, "concurrent modification, retry the trade", http.StatusConflict)
	default:
		slog.Error("trade processing failed", "err", err)
		writeError(w, "trade processing failed", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
