// Package fifo implements FIFO tax-lot matching for sell trades.
//
// A sell consumes open lots strictly in open-date order (oldest first),
// slicing off min(remaining sell quantity, lot remaining quantity) from
// each lot it touches. For every slice the engine allocates buy- and
// sell-side charges proportionally per unit, accumulates realized P&L on
// the lot, and classifies the gain as short- or long-term capital gains
// based on the holding period.
//
// The engine is pure: it mutates only the lots passed in and performs no
// I/O. Persisting the touched lots — and deciding what to do with an
// unmatched remainder — is the caller's job.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fifo

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned when the sell quantity is not positive.
	ErrInvalidQuantity = errors.New("fifo: sell quantity must be positive")

	// ErrInvalidPrice is returned when the sell price is not positive.
	ErrInvalidPrice = errors.New("fifo: sell price must be positive")

	// ErrNegativeCharges is returned when sell charges are negative.
	ErrNegativeCharges = errors.New("fifo: charges must not be negative")

	// ErrInvalidRate is returned when a configured tax rate is negative.
	ErrInvalidRate = errors.New("fifo: tax rates must not be negative")
)

// Config holds the capital-gains classification parameters.
type Config struct {
	// ShortTermRate is applied to positive taxable gains on lots held
	// for fewer than LongTermAfterDays.
	ShortTermRate decimal.Decimal

	// LongTermRate is applied to positive taxable gains on lots held
	// for LongTermAfterDays or more.
	LongTermRate decimal.Decimal

	// LongTermAfterDays is the holding-period threshold in whole days.
	// A lot held exactly this many days is long-term.
	LongTermAfterDays int
}

// DefaultConfig returns the standard rates: 25% short-term, 12.5%
// long-term, with the long-term boundary at 365 days.
func DefaultConfig() Config {
	return Config{
		ShortTermRate:     decimal.NewFromFloat(0.25),
		LongTermRate:      decimal.NewFromFloat(0.125),
		LongTermAfterDays: 365,
	}
}

// Engine matches sells against open lots. It is stateless — lots are
// passed as arguments, not stored.
type Engine struct {
	cfg Config
}

// NewEngine creates a matching engine with the given tax configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ShortTermRate.IsNegative() || cfg.LongTermRate.IsNegative() {
		return nil, ErrInvalidRate
	}
	if cfg.LongTermAfterDays <= 0 {
		cfg.LongTermAfterDays = DefaultConfig().LongTermAfterDays
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's tax configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Result is the outcome of matching one sell against a lot sequence.
type Result struct {
	// Touched holds the lots mutated by the match, in consumption order.
	Touched []*model.TaxLot

	// Unmatched is the sell quantity left over after all lots were
	// exhausted. Zero for a fully matched sell. Never silently dropped:
	// callers must either reject the trade or report the shortfall.
	Unmatched decimal.Decimal
}

// MatchSell consumes open lots in the order given until sellQty is
// satisfied or the lots run out.
//
// The lots MUST already be in FIFO order: open_date ascending, insertion
// order on ties. The engine does not re-sort — ordering is the caller's
// contract, and reordering by price or any other key would break FIFO
// cost-basis accounting.
//
// Each touched lot has its remaining/closed quantities, status, close
// date/price, realized P&L and tax fields updated in place. Conservation
// (remaining + closed == opened) holds for every lot on return.
func (e *Engine) MatchSell(
	lots []*model.TaxLot,
	sellQty, sellPrice, sellCharges decimal.Decimal,
	sellTime time.Time,
) (Result, error) {
	if !sellQty.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if !sellPrice.IsPositive() {
		return Result{}, ErrInvalidPrice
	}
	if sellCharges.IsNegative() {
		return Result{}, ErrNegativeCharges
	}

	// Sell-side charges are spread over the original sell quantity so
	// every consumed slice carries its proportional share.
	sellChargePerUnit := sellCharges.Div(sellQty)

	// Timestamps are compared in a single frame. Mixing offset-aware and
	// naive instants made holding periods non-deterministic upstream.
	sellTime = sellTime.UTC()

	remaining := sellQty
	var touched []*model.TaxLot

	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if !lot.RemainingQty.IsPositive() {
			continue
		}

		consumed := decimal.Min(remaining, lot.RemainingQty)

		lot.RemainingQty = lot.RemainingQty.Sub(consumed)
		lot.CloseQty = lot.CloseQty.Add(consumed)
		if lot.RemainingQty.IsZero() {
			lot.Status = model.LotStatusClosed
		} else {
			lot.Status = model.LotStatusPartial
		}

		closeDate := sellTime
		closePrice := sellPrice
		lot.CloseDate = &closeDate
		lot.ClosePrice = &closePrice

		var buyChargePerUnit decimal.Decimal
		if lot.OpenQty.IsPositive() {
			buyChargePerUnit = lot.Charges.Div(lot.OpenQty)
		}
		allocatedCharges := buyChargePerUnit.Add(sellChargePerUnit).Mul(consumed)

		grossGain := sellPrice.Sub(lot.OpenPrice).Mul(consumed)
		taxableGain := grossGain.Sub(allocatedCharges)
		lot.RealizedPnL = lot.RealizedPnL.Add(taxableGain)

		// Losses reduce realized P&L but never produce a tax refund.
		shortTerm := e.holdingDays(lot.OpenDate, sellTime) < e.cfg.LongTermAfterDays
		tax := decimal.Zero
		if taxableGain.IsPositive() {
			if shortTerm {
				tax = taxableGain.Mul(e.cfg.ShortTermRate)
			} else {
				tax = taxableGain.Mul(e.cfg.LongTermRate)
			}
		}
		if shortTerm {
			lot.STCG = lot.STCG.Add(tax)
		} else {
			lot.LTCG = lot.LTCG.Add(tax)
		}

		remaining = remaining.Sub(consumed)
		touched = append(touched, lot)
	}

	return Result{Touched: touched, Unmatched: remaining}, nil
}

// holdingDays returns the number of whole 24-hour periods between open
// and close, both normalized to UTC.
func (e *Engine) holdingDays(open, close time.Time) int {
	return int(close.UTC().Sub(open.UTC()) / (24 * time.Hour))
}
