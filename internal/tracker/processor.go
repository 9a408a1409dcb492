// Package tracker provides the HTTP handlers and business logic for
// ingesting trades, updating prices, and querying tax lots and
// portfolio snapshots.
//
// All monetary values use shopspring/decimal — never float64 for money.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/fifo"
	"github.com/postrack/position-engine/internal/locks"
	"github.com/postrack/position-engine/internal/metrics"
	"github.com/postrack/position-engine/internal/model"
	"github.com/postrack/position-engine/internal/store"
)

var (
	// ErrValidation is returned for malformed trades (non-positive
	// quantity, missing or non-positive price on a buy, negative charges).
	// Rejected before any mutation.
	ErrValidation = errors.New("tracker: invalid trade")

	// ErrNoPriceData is returned for a sell with no explicit price and no
	// recorded market price for the security.
	ErrNoPriceData = errors.New("tracker: no price data for security")

	// ErrOversell is returned when a sell quantity exceeds the total
	// remaining quantity across all open lots. The whole trade is
	// rejected; no partial fill is committed.
	ErrOversell = errors.New("tracker: sell quantity exceeds open quantity")

	// ErrPortfolioNotFound is returned when a snapshot is requested for a
	// user with no open or partial lots at all.
	ErrPortfolioNotFound = errors.New("tracker: no portfolio data for user")
)

// Service processes trades and serves portfolio queries. Each
// (user, security) tuple is serialized end-to-end through the keyed
// lock; different tuples run in parallel.
type Service struct {
	store  store.Store
	engine *fifo.Engine
	locks  *locks.Keyed
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	now    func() time.Time
}

// NewService creates a new tracker service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, engine *fifo.Engine, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: engine,
		locks:  locks.NewKeyed(),
		wsHub:  hub,
		now:    time.Now,
	}
}

// ProcessBuy opens a new tax lot. Zero quantity is legal and creates a
// degenerate lot; negative quantity, non-positive price or negative
// charges are validation errors.
func (s *Service) ProcessBuy(ctx context.Context, order model.BuyOrder) (*model.TaxLot, error) {
	if order.Quantity.IsNegative() {
		return nil, fmt.Errorf("%w: buy quantity must not be negative", ErrValidation)
	}
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("%w: buy requires a positive price", ErrValidation)
	}
	if order.Charges.IsNegative() {
		return nil, fmt.Errorf("%w: charges must not be negative", ErrValidation)
	}

	ts := order.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()

	// Buys serialize against sells on the same tuple so a sell issued
	// immediately after always sees the new lot.
	unlock := s.locks.Lock(order.UserID, order.SecurityID)
	defer unlock()

	lot := &model.TaxLot{
		ID:           uuid.New().String(),
		UserID:       order.UserID,
		SecurityID:   order.SecurityID,
		Version:      1,
		OpenDate:     ts,
		OpenQty:      order.Quantity,
		RemainingQty: order.Quantity,
		CloseQty:     decimal.Zero,
		OpenPrice:    order.Price,
		Charges:      order.Charges,
		RealizedPnL:  decimal.Zero,
		STCG:         decimal.Zero,
		LTCG:         decimal.Zero,
		Status:       model.LotStatusOpen,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.store.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("insert lot: %w", err)
	}

	metrics.TradesTotal.WithLabelValues("BUY").Inc()
	metrics.LotsOpenedTotal.Inc()
	return lot, nil
}

// SellResult reports how a sell was filled.
type SellResult struct {
	// ExecutionPrice is the price the sell matched at: the explicit
	// order price, or the latest market price when none was given.
	ExecutionPrice decimal.Decimal

	// Touched holds the lots mutated by the match, in FIFO order.
	Touched []*model.TaxLot
}

// ProcessSell matches a sell against the user's open lots in FIFO order
// and commits all lot mutations atomically. A sell exceeding the open
// quantity is rejected whole — the unmatched remainder is never silently
// dropped and no partial fill is persisted.
func (s *Service) ProcessSell(ctx context.Context, order model.SellOrder) (*SellResult, error) {
	if !order.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: sell quantity must be positive", ErrValidation)
	}
	if order.Charges.IsNegative() {
		return nil, fmt.Errorf("%w: charges must not be negative", ErrValidation)
	}

	ts := order.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()

	// Hold the tuple lock across the whole read-match-write cycle so two
	// sells cannot consume the same remaining quantity.
	unlock := s.locks.Lock(order.UserID, order.SecurityID)
	defer unlock()

	price, err := s.resolveSellPrice(ctx, order)
	if err != nil {
		return nil, err
	}

	lots, err := s.store.OpenLotsFIFO(ctx, order.UserID, order.SecurityID)
	if err != nil {
		return nil, fmt.Errorf("load open lots: %w", err)
	}

	result, err := s.engine.MatchSell(lots, order.Quantity, price, order.Charges, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if result.Unmatched.IsPositive() {
		metrics.OversellRejections.Inc()
		return nil, fmt.Errorf("%w: short by %s", ErrOversell, result.Unmatched)
	}

	if err := s.store.UpdateLots(ctx, result.Touched); err != nil {
		return nil, fmt.Errorf("persist matched lots: %w", err)
	}

	metrics.TradesTotal.WithLabelValues("SELL").Inc()
	for _, lot := range result.Touched {
		if lot.Status == model.LotStatusClosed {
			metrics.LotsClosedTotal.Inc()
		}
	}

	return &SellResult{ExecutionPrice: price, Touched: result.Touched}, nil
}

// resolveSellPrice returns the explicit order price, or falls back to
// the latest stored market price.
func (s *Service) resolveSellPrice(ctx context.Context, order model.SellOrder) (decimal.Decimal, error) {
	if order.Price != nil {
		if !order.Price.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("%w: sell price must be positive", ErrValidation)
		}
		return *order.Price, nil
	}

	price, err := s.store.LatestPrice(ctx, order.SecurityID)
	if errors.Is(err, store.ErrNoPrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: security %d", ErrNoPriceData, order.SecurityID)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("resolve sell price: %w", err)
	}
	return price, nil
}

// UpsertPrice records the latest market price for a security.
// Last-write-wins; repeated upserts leave exactly one record.
func (s *Service) UpsertPrice(ctx context.Context, securityID int64, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if err := s.store.UpsertPrice(ctx, securityID, price); err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	metrics.PriceUpdatesTotal.Inc()
	return nil
}
