// Package model defines the core domain types shared across the position engine.
// All quantities and monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotStatus is the lifecycle state of a tax lot. Transitions are monotonic:
// OPEN → PARTIAL → CLOSED, driven only by decreasing remaining quantity.
type LotStatus string

const (
	LotStatusOpen    LotStatus = "OPEN"
	LotStatusPartial LotStatus = "PARTIAL"
	LotStatusClosed  LotStatus = "CLOSED"
)

// Valid reports whether s is one of the known lot statuses.
func (s LotStatus) Valid() bool {
	switch s {
	case LotStatusOpen, LotStatusPartial, LotStatusClosed:
		return true
	}
	return false
}

// TaxLot is the unit of ownership: one discrete purchase, tracked until
// fully sold. Lots are created by BUY trades, consumed in FIFO order by
// SELL trades, and never deleted — closed lots remain for tax reporting.
//
// Invariant: RemainingQty + CloseQty == OpenQty at all times.
//
// RealizedPnL, STCG and LTCG accumulate: a lot partially closed by several
// sells carries the running totals across all of them, not just the last.
type TaxLot struct {
	ID         string `json:"id" db:"id"`
	UserID     int64  `json:"user_id" db:"user_id"`
	SecurityID int64  `json:"security_id" db:"security_id"`

	// Version supports optimistic concurrency: incremented on every
	// mutation and compare-and-swapped by the stores.
	Version int64 `json:"version" db:"version"`

	OpenDate  time.Time  `json:"open_date" db:"open_date"`
	CloseDate *time.Time `json:"close_date,omitempty" db:"close_date"` // most recent sell touching this lot

	OpenQty      decimal.Decimal `json:"open_qty" db:"open_qty"` // immutable after creation
	RemainingQty decimal.Decimal `json:"remaining_qty" db:"remaining_qty"`
	CloseQty     decimal.Decimal `json:"close_qty" db:"close_qty"`

	OpenPrice  decimal.Decimal  `json:"open_price" db:"open_price"`
	ClosePrice *decimal.Decimal `json:"close_price,omitempty" db:"close_price"` // price of the most recent matching sell

	Charges     decimal.Decimal `json:"charges" db:"charges"` // buy-side fees, allocated per unit on close
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	STCG        decimal.Decimal `json:"stcg" db:"stcg"`
	LTCG        decimal.Decimal `json:"ltcg" db:"ltcg"`

	Status    LotStatus `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SecurityPrice is the single latest known price for a security.
// Upserted last-write-wins; no history is kept.
type SecurityPrice struct {
	SecurityID int64           `json:"security_id" db:"security_id"`
	Price      decimal.Decimal `json:"price" db:"price"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// BuyOrder is the instruction to open a new lot. Price is required.
type BuyOrder struct {
	UserID     int64
	SecurityID int64
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Charges    decimal.Decimal
	Timestamp  time.Time
}

// SellOrder is the instruction to close quantity against prior lots.
// Price is optional; when nil the latest stored market price is used.
type SellOrder struct {
	UserID     int64
	SecurityID int64
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	Charges    decimal.Decimal
	Timestamp  time.Time
}

// PortfolioPosition is a per-security view of currently held quantity,
// derived on demand — never persisted.
type PortfolioPosition struct {
	SecurityID    int64           `json:"security_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCostBasis  decimal.Decimal `json:"avg_cost_basis"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioSummary holds portfolio-wide totals plus year-to-date
// realized figures summed over lots closed in the current calendar year.
type PortfolioSummary struct {
	UserID             int64           `json:"user_id"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	RealizedPnLYTD     decimal.Decimal `json:"realized_pnl_ytd"`
	STCGYTD            decimal.Decimal `json:"stcg_ytd"`
	LTCGYTD            decimal.Decimal `json:"ltcg_ytd"`
	LastUpdated        time.Time       `json:"last_updated"`
}

// PortfolioSnapshot is the point-in-time answer to a portfolio query,
// computed from the lot and price state visible at query time.
type PortfolioSnapshot struct {
	Summary   PortfolioSummary    `json:"summary"`
	Positions []PortfolioPosition `json:"positions"`
}
