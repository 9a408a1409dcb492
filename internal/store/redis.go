package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for latest prices and open-lot lists. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertLot(ctx context.Context, lot *model.TaxLot) error {
	if err := s.primary.InsertLot(ctx, lot); err != nil {
		return err
	}
	s.rdb.Del(ctx, openLotsKey(lot.UserID, lot.SecurityID))
	return nil
}

func (s *CachedStore) UpdateLots(ctx context.Context, lots []*model.TaxLot) error {
	if err := s.primary.UpdateLots(ctx, lots); err != nil {
		return err
	}
	// Invalidate each touched tuple; next read re-populates.
	for _, lot := range lots {
		s.rdb.Del(ctx, openLotsKey(lot.UserID, lot.SecurityID))
	}
	return nil
}

func (s *CachedStore) UpsertPrice(ctx context.Context, securityID int64, price decimal.Decimal) error {
	if err := s.primary.UpsertPrice(ctx, securityID, price); err != nil {
		return err
	}
	s.rdb.Set(ctx, priceKey(securityID), price.String(), s.ttl)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestPrice(ctx context.Context, securityID int64) (decimal.Decimal, error) {
	// Try cache.
	val, err := s.rdb.Get(ctx, priceKey(securityID)).Result()
	if err == nil {
		if price, derr := decimal.NewFromString(val); derr == nil {
			return price, nil
		}
	}

	// Cache miss: read from primary.
	price, err := s.primary.LatestPrice(ctx, securityID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	s.rdb.Set(ctx, priceKey(securityID), price.String(), s.ttl)
	return price, nil
}

func (s *CachedStore) OpenLotsFIFO(ctx context.Context, userID, securityID int64) ([]*model.TaxLot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, openLotsKey(userID, securityID)).Bytes()
	if err == nil {
		var lots []*model.TaxLot
		if json.Unmarshal(data, &lots) == nil {
			return lots, nil
		}
	}

	// Cache miss.
	lots, err := s.primary.OpenLotsFIFO(ctx, userID, securityID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(lots); err == nil {
		s.rdb.Set(ctx, openLotsKey(userID, securityID), data, s.ttl)
	}
	return lots, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) OpenLotsByUser(ctx context.Context, userID int64) ([]*model.TaxLot, error) {
	return s.primary.OpenLotsByUser(ctx, userID)
}

func (s *CachedStore) ListLots(ctx context.Context, userID int64, f LotFilter) ([]*model.TaxLot, error) {
	return s.primary.ListLots(ctx, userID, f)
}

func (s *CachedStore) LotsClosedBetween(ctx context.Context, userID int64, from, to time.Time) ([]*model.TaxLot, error) {
	return s.primary.LotsClosedBetween(ctx, userID, from, to)
}

// --- Cache keys ---

func priceKey(securityID int64) string { return fmt.Sprintf("price:%d", securityID) }

func openLotsKey(userID, securityID int64) string {
	return fmt.Sprintf("openlots:%d:%d", userID, securityID)
}
