// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
)

var (
	// ErrNoPrice is returned when no price has been recorded for a security.
	ErrNoPrice = errors.New("store: no price recorded for security")

	// ErrLotNotFound is returned when an update references an unknown lot.
	ErrLotNotFound = errors.New("store: tax lot not found")

	// ErrVersionConflict is returned when a lot update loses an optimistic
	// concurrency race (the stored version no longer matches).
	ErrVersionConflict = errors.New("store: lot version conflict")
)

// LotFilter narrows lot listings. Nil fields match everything.
type LotFilter struct {
	SecurityID *int64
	Status     *model.LotStatus
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Tax lots ---

	// InsertLot persists a newly opened lot.
	InsertLot(ctx context.Context, lot *model.TaxLot) error

	// UpdateLots persists a batch of mutated lots atomically: either all
	// updates commit or none do. Each lot's stored version must match
	// lot.Version; on success versions are incremented.
	UpdateLots(ctx context.Context, lots []*model.TaxLot) error

	// OpenLotsFIFO returns OPEN/PARTIAL lots for one (user, security) in
	// FIFO order: open_date ascending, insertion order on ties.
	OpenLotsFIFO(ctx context.Context, userID, securityID int64) ([]*model.TaxLot, error)

	// OpenLotsByUser returns all of a user's lots with remaining
	// quantity, across securities.
	OpenLotsByUser(ctx context.Context, userID int64) ([]*model.TaxLot, error)

	// ListLots returns a user's lots matching the filter, ordered by
	// open_date ascending.
	ListLots(ctx context.Context, userID int64, f LotFilter) ([]*model.TaxLot, error)

	// LotsClosedBetween returns lots whose close_date falls in [from, to].
	LotsClosedBetween(ctx context.Context, userID int64, from, to time.Time) ([]*model.TaxLot, error)

	// --- Prices ---

	// UpsertPrice records the latest price for a security, last-write-wins.
	UpsertPrice(ctx context.Context, securityID int64, price decimal.Decimal) error

	// LatestPrice returns the most recent price, or ErrNoPrice.
	LatestPrice(ctx context.Context, securityID int64) (decimal.Decimal, error)
}
