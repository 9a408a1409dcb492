package fifo_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/fifo"
	"github.com/postrack/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newEngine(t *testing.T) *fifo.Engine {
	t.Helper()
	e, err := fifo.NewEngine(fifo.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

// lot builds an open test lot.
func lot(id string, openDate time.Time, qty, price, charges float64) *model.TaxLot {
	return &model.TaxLot{
		ID:           id,
		UserID:       1,
		SecurityID:   100,
		Version:      1,
		OpenDate:     openDate,
		OpenQty:      d(qty),
		RemainingQty: d(qty),
		CloseQty:     decimal.Zero,
		OpenPrice:    d(price),
		Charges:      d(charges),
		Status:       model.LotStatusOpen,
		CreatedAt:    openDate,
	}
}

// checkConservation asserts remaining + closed == opened for every lot.
func checkConservation(t *testing.T, lots []*model.TaxLot) {
	t.Helper()
	for _, l := range lots {
		sum := l.RemainingQty.Add(l.CloseQty)
		if !sum.Equal(l.OpenQty) {
			t.Errorf("lot %s: remaining %s + closed %s != opened %s",
				l.ID, l.RemainingQty, l.CloseQty, l.OpenQty)
		}
	}
}

// approx asserts got is within 1e-8 of want. Some charge allocations
// involve non-terminating division, so exact equality is too strict.
func approx(t *testing.T, got, want decimal.Decimal, label string) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(decimal.New(1, -8)) {
		t.Errorf("%s: got %s, want ≈ %s", label, got, want)
	}
}

var baseTime = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestMatchSell_ConsumesOldestFirstRegardlessOfPrice(t *testing.T) {
	e := newEngine(t)
	// Middle lot is the cheapest; FIFO must ignore price entirely.
	lots := []*model.TaxLot{
		lot("l1", baseTime, 10, 200, 0),
		lot("l2", baseTime.Add(24*time.Hour), 10, 50, 0),
		lot("l3", baseTime.Add(48*time.Hour), 10, 100, 0),
	}

	res, err := e.MatchSell(lots, d(15), d(150), decimal.Zero, baseTime.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !res.Unmatched.IsZero() {
		t.Errorf("expected full match, unmatched = %s", res.Unmatched)
	}
	if len(res.Touched) != 2 {
		t.Fatalf("expected 2 touched lots, got %d", len(res.Touched))
	}
	if res.Touched[0].ID != "l1" || res.Touched[1].ID != "l2" {
		t.Errorf("expected l1 then l2 consumed, got %s, %s", res.Touched[0].ID, res.Touched[1].ID)
	}
	if lots[0].Status != model.LotStatusClosed {
		t.Errorf("l1 should be CLOSED, got %s", lots[0].Status)
	}
	if !lots[1].RemainingQty.Equal(d(5)) {
		t.Errorf("l2 remaining should be 5, got %s", lots[1].RemainingQty)
	}
	if lots[1].Status != model.LotStatusPartial {
		t.Errorf("l2 should be PARTIAL, got %s", lots[1].Status)
	}
	if lots[2].Status != model.LotStatusOpen || !lots[2].RemainingQty.Equal(d(10)) {
		t.Errorf("l3 should be untouched, got %s remaining %s", lots[2].Status, lots[2].RemainingQty)
	}
	checkConservation(t, lots)
}

func TestMatchSell_OversellReportedNotDropped(t *testing.T) {
	e := newEngine(t)
	lots := []*model.TaxLot{
		lot("l1", baseTime, 10, 100, 0),
		lot("l2", baseTime.Add(time.Hour), 5, 100, 0),
	}

	res, err := e.MatchSell(lots, d(20), d(120), decimal.Zero, baseTime.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !res.Unmatched.Equal(d(5)) {
		t.Errorf("expected unmatched 5, got %s", res.Unmatched)
	}
	// Everything available was still consumed.
	for _, l := range lots {
		if l.Status != model.LotStatusClosed {
			t.Errorf("lot %s should be CLOSED, got %s", l.ID, l.Status)
		}
	}
	checkConservation(t, lots)
}

func TestMatchSell_HoldingPeriodBoundary(t *testing.T) {
	e := newEngine(t)

	// Exactly 365 days: long-term.
	l := lot("long", baseTime, 10, 100, 0)
	if _, err := e.MatchSell([]*model.TaxLot{l}, d(10), d(120), decimal.Zero, baseTime.Add(365*24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !l.LTCG.IsPositive() || !l.STCG.IsZero() {
		t.Errorf("365-day hold should be long-term: stcg=%s ltcg=%s", l.STCG, l.LTCG)
	}

	// 364 days: short-term.
	l = lot("short", baseTime, 10, 100, 0)
	if _, err := e.MatchSell([]*model.TaxLot{l}, d(10), d(120), decimal.Zero, baseTime.Add(364*24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !l.STCG.IsPositive() || !l.LTCG.IsZero() {
		t.Errorf("364-day hold should be short-term: stcg=%s ltcg=%s", l.STCG, l.LTCG)
	}
}

func TestMatchSell_MixedTimezonesCompareInUTC(t *testing.T) {
	e := newEngine(t)

	offset := time.FixedZone("UTC+5", 5*3600)
	open := time.Date(2025, time.January, 1, 10, 0, 0, 0, offset)
	sell := open.UTC().Add(364 * 24 * time.Hour)

	l := lot("tz", open, 10, 100, 0)
	if _, err := e.MatchSell([]*model.TaxLot{l}, d(10), d(120), decimal.Zero, sell); err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !l.STCG.IsPositive() || !l.LTCG.IsZero() {
		t.Errorf("holding period must be frame-independent: stcg=%s ltcg=%s", l.STCG, l.LTCG)
	}
}

func TestMatchSell_NoTaxOnLoss(t *testing.T) {
	e := newEngine(t)
	l := lot("loss", baseTime, 10, 150, 2)

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(10), d(100), d(1), baseTime.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !l.RealizedPnL.IsNegative() {
		t.Errorf("expected negative realized P&L, got %s", l.RealizedPnL)
	}
	// (100-150)*10 - (2/10+1/10)*10 = -503
	if !l.RealizedPnL.Equal(d(-503)) {
		t.Errorf("expected realized -503, got %s", l.RealizedPnL)
	}
	if !l.STCG.IsZero() || !l.LTCG.IsZero() {
		t.Errorf("no tax on losses: stcg=%s ltcg=%s", l.STCG, l.LTCG)
	}
}

func TestMatchSell_ChargeAllocation(t *testing.T) {
	e := newEngine(t)
	l := lot("charges", baseTime, 100, 100, 5)

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(100), d(110), d(4), baseTime.Add(24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}

	// allocated = (5/100 + 4/100) * 100 = 9; realized = 1000 - 9 = 991
	if !l.RealizedPnL.Equal(d(991)) {
		t.Errorf("expected realized 991, got %s", l.RealizedPnL)
	}
}

func TestMatchSell_AccumulatesAcrossPartialCloses(t *testing.T) {
	e := newEngine(t)
	l := lot("acc", baseTime, 100, 100, 0)

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(40), d(110), decimal.Zero, baseTime.Add(24*time.Hour)); err != nil {
		t.Fatalf("first sell failed: %v", err)
	}
	if l.Status != model.LotStatusPartial {
		t.Fatalf("expected PARTIAL after first sell, got %s", l.Status)
	}
	firstPnL := l.RealizedPnL

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(60), d(120), decimal.Zero, baseTime.Add(48*time.Hour)); err != nil {
		t.Fatalf("second sell failed: %v", err)
	}

	if l.Status != model.LotStatusClosed {
		t.Errorf("expected CLOSED after second sell, got %s", l.Status)
	}
	// 40*(110-100) + 60*(120-100) = 400 + 1200
	if !l.RealizedPnL.Equal(d(1600)) {
		t.Errorf("expected accumulated realized 1600, got %s (first close contributed %s)",
			l.RealizedPnL, firstPnL)
	}
	// Close price/date track the most recent sell.
	if l.ClosePrice == nil || !l.ClosePrice.Equal(d(120)) {
		t.Errorf("close price should be 120 from the latest sell, got %v", l.ClosePrice)
	}
	if l.CloseDate == nil || !l.CloseDate.Equal(baseTime.Add(48*time.Hour)) {
		t.Errorf("close date should track the latest sell, got %v", l.CloseDate)
	}
	checkConservation(t, []*model.TaxLot{l})
}

func TestMatchSell_ScenarioTwoBuysPartialSell(t *testing.T) {
	e := newEngine(t)
	lot1 := lot("lot1", baseTime, 100, 150, 5)
	lot2 := lot("lot2", baseTime.Add(time.Hour), 50, 160, 3)
	lots := []*model.TaxLot{lot1, lot2}

	res, err := e.MatchSell(lots, d(75), d(170), d(4), baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !res.Unmatched.IsZero() {
		t.Errorf("expected full match, unmatched = %s", res.Unmatched)
	}
	if !lot1.RemainingQty.Equal(d(25)) || !lot1.CloseQty.Equal(d(75)) {
		t.Errorf("lot1 should be 25 remaining / 75 closed, got %s / %s",
			lot1.RemainingQty, lot1.CloseQty)
	}
	if lot1.Status != model.LotStatusPartial {
		t.Errorf("lot1 should be PARTIAL, got %s", lot1.Status)
	}
	if !lot1.STCG.IsPositive() {
		t.Errorf("same-day gain should be short-term, stcg = %s", lot1.STCG)
	}
	if lot2.Status != model.LotStatusOpen || !lot2.RemainingQty.Equal(d(50)) {
		t.Errorf("lot2 should be untouched OPEN, got %s remaining %s",
			lot2.Status, lot2.RemainingQty)
	}

	// gross = (170-150)*75 = 1500; allocated = (5/100 + 4/75)*75 = 7.75
	approx(t, lot1.RealizedPnL, d(1492.25), "lot1 realized")
	approx(t, lot1.STCG, d(373.0625), "lot1 stcg")
	checkConservation(t, lots)
}

func TestMatchSell_ScenarioLongTermFullClose(t *testing.T) {
	e := newEngine(t)
	l := lot("lt", baseTime, 100, 150, 5)

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(100), d(170), d(4), baseTime.Add(400*24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}

	// realized = 2000 - 9 = 1991; ltcg = 1991 * 0.125
	if !l.RealizedPnL.Equal(d(1991)) {
		t.Errorf("expected realized 1991, got %s", l.RealizedPnL)
	}
	if !l.LTCG.Equal(d(248.875)) {
		t.Errorf("expected ltcg 248.875, got %s", l.LTCG)
	}
	if !l.STCG.IsZero() {
		t.Errorf("expected stcg 0, got %s", l.STCG)
	}
	if l.Status != model.LotStatusClosed {
		t.Errorf("expected CLOSED, got %s", l.Status)
	}
}

func TestMatchSell_ScenarioShortTermFullClose(t *testing.T) {
	e := newEngine(t)
	l := lot("st", baseTime, 100, 150, 5)

	if _, err := e.MatchSell([]*model.TaxLot{l}, d(100), d(170), d(4), baseTime.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !l.RealizedPnL.Equal(d(1991)) {
		t.Errorf("expected realized 1991, got %s", l.RealizedPnL)
	}
	if !l.STCG.Equal(d(497.75)) {
		t.Errorf("expected stcg 497.75, got %s", l.STCG)
	}
	if !l.LTCG.IsZero() {
		t.Errorf("expected ltcg 0, got %s", l.LTCG)
	}
}

func TestMatchSell_SkipsDegenerateZeroQuantityLot(t *testing.T) {
	e := newEngine(t)
	degenerate := lot("zero", baseTime, 0, 100, 2)
	real := lot("real", baseTime.Add(time.Hour), 10, 100, 0)
	lots := []*model.TaxLot{degenerate, real}

	res, err := e.MatchSell(lots, d(10), d(110), decimal.Zero, baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if !res.Unmatched.IsZero() {
		t.Errorf("expected full match, unmatched = %s", res.Unmatched)
	}
	if degenerate.Status != model.LotStatusOpen {
		t.Errorf("zero-qty lot must not be touched, got status %s", degenerate.Status)
	}
	if real.Status != model.LotStatusClosed {
		t.Errorf("real lot should be CLOSED, got %s", real.Status)
	}
}

func TestMatchSell_InvalidInputs(t *testing.T) {
	e := newEngine(t)
	lots := []*model.TaxLot{lot("l1", baseTime, 10, 100, 0)}

	if _, err := e.MatchSell(lots, decimal.Zero, d(100), decimal.Zero, baseTime); err != fifo.ErrInvalidQuantity {
		t.Errorf("zero quantity: expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := e.MatchSell(lots, d(10), decimal.Zero, decimal.Zero, baseTime); err != fifo.ErrInvalidPrice {
		t.Errorf("zero price: expected ErrInvalidPrice, got %v", err)
	}
	if _, err := e.MatchSell(lots, d(10), d(100), d(-1), baseTime); err != fifo.ErrNegativeCharges {
		t.Errorf("negative charges: expected ErrNegativeCharges, got %v", err)
	}
}

func TestNewEngine_RejectsNegativeRates(t *testing.T) {
	cfg := fifo.DefaultConfig()
	cfg.ShortTermRate = d(-0.1)
	if _, err := fifo.NewEngine(cfg); err != fifo.ErrInvalidRate {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
}
