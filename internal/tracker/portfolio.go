package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
	"github.com/postrack/position-engine/internal/store"
)

// Snapshot derives a point-in-time portfolio view from the lot and price
// state visible now. Nothing is cached or persisted.
//
// Securities with open quantity but no recorded price are excluded from
// the position list — a position with a zero market value would be worse
// than no position. Year-to-date figures cover every lot whose close
// date falls in asOf's calendar year, PARTIAL lots counted in full.
func (s *Service) Snapshot(ctx context.Context, userID int64, asOf time.Time) (*model.PortfolioSnapshot, error) {
	asOf = asOf.UTC()

	lots, err := s.store.OpenLotsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load open lots: %w", err)
	}
	if len(lots) == 0 {
		return nil, fmt.Errorf("%w: user %d", ErrPortfolioNotFound, userID)
	}

	type agg struct {
		qty  decimal.Decimal
		cost decimal.Decimal // Σ remaining_qty * open_price
	}
	bySecurity := make(map[int64]*agg)
	for _, lot := range lots {
		a, ok := bySecurity[lot.SecurityID]
		if !ok {
			a = &agg{}
			bySecurity[lot.SecurityID] = a
		}
		a.qty = a.qty.Add(lot.RemainingQty)
		a.cost = a.cost.Add(lot.RemainingQty.Mul(lot.OpenPrice))
	}

	securityIDs := make([]int64, 0, len(bySecurity))
	for id := range bySecurity {
		securityIDs = append(securityIDs, id)
	}
	sort.Slice(securityIDs, func(i, j int) bool { return securityIDs[i] < securityIDs[j] })

	var positions []model.PortfolioPosition
	totalMarketValue := decimal.Zero
	totalUnrealized := decimal.Zero

	for _, securityID := range securityIDs {
		a := bySecurity[securityID]

		avgCost := decimal.Zero
		if a.qty.IsPositive() {
			avgCost = a.cost.Div(a.qty)
		}

		price, err := s.store.LatestPrice(ctx, securityID)
		if errors.Is(err, store.ErrNoPrice) {
			// No price recorded: exclude the security rather than
			// report a zero-value position.
			continue
		}
		if err != nil {
			// Anything else is a store failure, not missing data.
			// A snapshot built on partial reads would present wrong
			// totals as authoritative.
			return nil, fmt.Errorf("latest price for security %d: %w", securityID, err)
		}

		marketValue := price.Mul(a.qty)
		unrealized := price.Sub(avgCost).Mul(a.qty)

		positions = append(positions, model.PortfolioPosition{
			SecurityID:    securityID,
			Quantity:      a.qty,
			AvgCostBasis:  avgCost,
			CurrentPrice:  price,
			MarketValue:   marketValue,
			UnrealizedPnL: unrealized,
		})
		totalMarketValue = totalMarketValue.Add(marketValue)
		totalUnrealized = totalUnrealized.Add(unrealized)
	}

	realizedYTD, stcgYTD, ltcgYTD, err := s.yearToDate(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}

	if positions == nil {
		positions = []model.PortfolioPosition{}
	}

	return &model.PortfolioSnapshot{
		Summary: model.PortfolioSummary{
			UserID:             userID,
			TotalMarketValue:   totalMarketValue,
			TotalUnrealizedPnL: totalUnrealized,
			RealizedPnLYTD:     realizedYTD,
			STCGYTD:            stcgYTD,
			LTCGYTD:            ltcgYTD,
			LastUpdated:        asOf,
		},
		Positions: positions,
	}, nil
}

// yearToDate sums realized P&L and tax allocations over lots closed in
// asOf's calendar year, regardless of security or status.
func (s *Service) yearToDate(ctx context.Context, userID int64, asOf time.Time) (realized, stcg, ltcg decimal.Decimal, err error) {
	yearStart := time.Date(asOf.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := time.Date(asOf.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)

	closed, err := s.store.LotsClosedBetween(ctx, userID, yearStart, yearEnd)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("load closed lots: %w", err)
	}

	realized, stcg, ltcg = decimal.Zero, decimal.Zero, decimal.Zero
	for _, lot := range closed {
		realized = realized.Add(lot.RealizedPnL)
		stcg = stcg.Add(lot.STCG)
		ltcg = ltcg.Add(lot.LTCG)
	}
	return realized, stcg, ltcg, nil
}

// ListLots returns a user's lots matching the filter in open-date order.
func (s *Service) ListLots(ctx context.Context, userID int64, f store.LotFilter) ([]*model.TaxLot, error) {
	lots, err := s.store.ListLots(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	return lots, nil
}
