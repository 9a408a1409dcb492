package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	lots    map[string]*model.TaxLot
	seq     map[string]int64 // lot id → insertion sequence, FIFO tie-break
	nextSeq int64
	prices  map[int64]model.SecurityPrice
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:   make(map[string]*model.TaxLot),
		seq:    make(map[string]int64),
		prices: make(map[int64]model.SecurityPrice),
	}
}

func (s *MemoryStore) InsertLot(_ context.Context, lot *model.TaxLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := copyLot(lot)
	s.lots[lot.ID] = cp
	s.seq[lot.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

func (s *MemoryStore) UpdateLots(_ context.Context, lots []*model.TaxLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything so a failure
	// leaves no partial mutation visible.
	for _, lot := range lots {
		existing, ok := s.lots[lot.ID]
		if !ok {
			return ErrLotNotFound
		}
		if existing.Version != lot.Version {
			return ErrVersionConflict
		}
	}

	for _, lot := range lots {
		cp := copyLot(lot)
		cp.Version++
		s.lots[lot.ID] = cp
		lot.Version = cp.Version
	}
	return nil
}

func (s *MemoryStore) OpenLotsFIFO(_ context.Context, userID, securityID int64) ([]*model.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TaxLot
	for _, lot := range s.lots {
		if lot.UserID == userID && lot.SecurityID == securityID &&
			(lot.Status == model.LotStatusOpen || lot.Status == model.LotStatusPartial) {
			result = append(result, copyLot(lot))
		}
	}
	s.sortFIFO(result)
	return result, nil
}

func (s *MemoryStore) OpenLotsByUser(_ context.Context, userID int64) ([]*model.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TaxLot
	for _, lot := range s.lots {
		if lot.UserID == userID && lot.RemainingQty.IsPositive() {
			result = append(result, copyLot(lot))
		}
	}
	s.sortFIFO(result)
	return result, nil
}

func (s *MemoryStore) ListLots(_ context.Context, userID int64, f LotFilter) ([]*model.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TaxLot
	for _, lot := range s.lots {
		if lot.UserID != userID {
			continue
		}
		if f.SecurityID != nil && lot.SecurityID != *f.SecurityID {
			continue
		}
		if f.Status != nil && lot.Status != *f.Status {
			continue
		}
		result = append(result, copyLot(lot))
	}
	s.sortFIFO(result)
	return result, nil
}

func (s *MemoryStore) LotsClosedBetween(_ context.Context, userID int64, from, to time.Time) ([]*model.TaxLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.TaxLot
	for _, lot := range s.lots {
		if lot.UserID != userID || lot.CloseDate == nil {
			continue
		}
		if lot.CloseDate.Before(from) || lot.CloseDate.After(to) {
			continue
		}
		result = append(result, copyLot(lot))
	}
	s.sortFIFO(result)
	return result, nil
}

func (s *MemoryStore) UpsertPrice(_ context.Context, securityID int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[securityID] = model.SecurityPrice{
		SecurityID: securityID,
		Price:      price,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, securityID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[securityID]
	if !ok {
		return decimal.Decimal{}, ErrNoPrice
	}
	return p.Price, nil
}

// PriceCount returns the number of securities with a recorded price.
// Test helper for upsert idempotency checks.
func (s *MemoryStore) PriceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}

// sortFIFO orders lots by open_date ascending, insertion sequence on
// ties. Callers must hold at least the read lock.
func (s *MemoryStore) sortFIFO(lots []*model.TaxLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].OpenDate.Equal(lots[j].OpenDate) {
			return s.seq[lots[i].ID] < s.seq[lots[j].ID]
		}
		return lots[i].OpenDate.Before(lots[j].OpenDate)
	})
}

func copyLot(lot *model.TaxLot) *model.TaxLot {
	cp := *lot
	if lot.CloseDate != nil {
		d := *lot.CloseDate
		cp.CloseDate = &d
	}
	if lot.ClosePrice != nil {
		p := *lot.ClosePrice
		cp.ClosePrice = &p
	}
	return &cp
}
