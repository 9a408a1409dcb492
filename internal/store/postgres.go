package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/postrack/position-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(19,4) for exact decimal
// precision — enough for fractional shares and sub-cent charge slices.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is applied by EnsureSchema. Idempotent; production deployments
// migrate out-of-band, local runs bootstrap at startup.
const schema = `
CREATE TABLE IF NOT EXISTS tax_lots (
	id            TEXT PRIMARY KEY,
	user_id       BIGINT NOT NULL,
	security_id   BIGINT NOT NULL,
	version       BIGINT NOT NULL DEFAULT 1,
	open_date     TIMESTAMPTZ NOT NULL,
	close_date    TIMESTAMPTZ,
	open_qty      NUMERIC(19,4) NOT NULL,
	remaining_qty NUMERIC(19,4) NOT NULL,
	close_qty     NUMERIC(19,4) NOT NULL DEFAULT 0,
	open_price    NUMERIC(19,4) NOT NULL,
	close_price   NUMERIC(19,4),
	charges       NUMERIC(19,4) NOT NULL DEFAULT 0,
	realized_pnl  NUMERIC(19,4) NOT NULL DEFAULT 0,
	stcg          NUMERIC(19,4) NOT NULL DEFAULT 0,
	ltcg          NUMERIC(19,4) NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tax_lots_user_security_idx
	ON tax_lots (user_id, security_id, open_date, created_at);
CREATE TABLE IF NOT EXISTS security_prices (
	security_id BIGINT PRIMARY KEY,
	price       NUMERIC(19,4) NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const lotColumns = `id, user_id, security_id, version,
	open_date, close_date,
	open_qty::TEXT, remaining_qty::TEXT, close_qty::TEXT,
	open_price::TEXT, close_price::TEXT,
	charges::TEXT, realized_pnl::TEXT, stcg::TEXT, ltcg::TEXT,
	status, created_at`

func (s *PostgresStore) InsertLot(ctx context.Context, lot *model.TaxLot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tax_lots (id, user_id, security_id, version,
			open_date, close_date,
			open_qty, remaining_qty, close_qty,
			open_price, close_price,
			charges, realized_pnl, stcg, ltcg,
			status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			$10::NUMERIC, $11::NUMERIC,
			$12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
			$16, $17)`,
		lot.ID, lot.UserID, lot.SecurityID, lot.Version,
		lot.OpenDate, lot.CloseDate,
		lot.OpenQty.String(), lot.RemainingQty.String(), lot.CloseQty.String(),
		lot.OpenPrice.String(), decimalPtrString(lot.ClosePrice),
		lot.Charges.String(), lot.RealizedPnL.String(), lot.STCG.String(), lot.LTCG.String(),
		string(lot.Status), lot.CreatedAt,
	)
	return err
}

// UpdateLots applies all mutations from one trade inside a single
// transaction, compare-and-swapping each lot's version.
func (s *PostgresStore) UpdateLots(ctx context.Context, lots []*model.TaxLot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, lot := range lots {
		tag, err := tx.Exec(ctx,
			`UPDATE tax_lots
			 SET version = version + 1,
			     close_date = $3,
			     remaining_qty = $4::NUMERIC, close_qty = $5::NUMERIC,
			     close_price = $6::NUMERIC,
			     realized_pnl = $7::NUMERIC, stcg = $8::NUMERIC, ltcg = $9::NUMERIC,
			     status = $10
			 WHERE id = $1 AND version = $2`,
			lot.ID, lot.Version,
			lot.CloseDate,
			lot.RemainingQty.String(), lot.CloseQty.String(),
			decimalPtrString(lot.ClosePrice),
			lot.RealizedPnL.String(), lot.STCG.String(), lot.LTCG.String(),
			string(lot.Status),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrVersionConflict
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, lot := range lots {
		lot.Version++
	}
	return nil
}

func (s *PostgresStore) OpenLotsFIFO(ctx context.Context, userID, securityID int64) ([]*model.TaxLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+`
		 FROM tax_lots
		 WHERE user_id = $1 AND security_id = $2 AND status IN ('OPEN', 'PARTIAL')
		 ORDER BY open_date, created_at, id`, userID, securityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) OpenLotsByUser(ctx context.Context, userID int64) ([]*model.TaxLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+`
		 FROM tax_lots
		 WHERE user_id = $1 AND remaining_qty > 0
		 ORDER BY open_date, created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) ListLots(ctx context.Context, userID int64, f LotFilter) ([]*model.TaxLot, error) {
	query := `SELECT ` + lotColumns + ` FROM tax_lots WHERE user_id = $1`
	args := []any{userID}

	if f.SecurityID != nil {
		args = append(args, *f.SecurityID)
		query += fmt.Sprintf(" AND security_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY open_date, created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) LotsClosedBetween(ctx context.Context, userID int64, from, to time.Time) ([]*model.TaxLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+`
		 FROM tax_lots
		 WHERE user_id = $1 AND close_date IS NOT NULL AND close_date BETWEEN $2 AND $3
		 ORDER BY open_date, created_at, id`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) UpsertPrice(ctx context.Context, securityID int64, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO security_prices (security_id, price, updated_at)
		 VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (security_id)
		 DO UPDATE SET price = EXCLUDED.price, updated_at = now()`,
		securityID, price.String(),
	)
	return err
}

func (s *PostgresStore) LatestPrice(ctx context.Context, securityID int64) (decimal.Decimal, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM security_prices WHERE security_id = $1`,
		securityID).Scan(&priceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, ErrNoPrice
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("latest price for security %d: %w", securityID, err)
	}
	price, _ := decimal.NewFromString(priceS)
	return price, nil
}

// scanLots reads pgx rows into TaxLot slices.
func scanLots(rows pgx.Rows) ([]*model.TaxLot, error) {
	var lots []*model.TaxLot
	for rows.Next() {
		var lot model.TaxLot
		var openQty, remainingQty, closeQty, openPrice, charges, realizedPnL, stcg, ltcg string
		var closePrice *string
		var status string

		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.SecurityID, &lot.Version,
			&lot.OpenDate, &lot.CloseDate,
			&openQty, &remainingQty, &closeQty,
			&openPrice, &closePrice,
			&charges, &realizedPnL, &stcg, &ltcg,
			&status, &lot.CreatedAt); err != nil {
			return nil, err
		}

		lot.OpenQty, _ = decimal.NewFromString(openQty)
		lot.RemainingQty, _ = decimal.NewFromString(remainingQty)
		lot.CloseQty, _ = decimal.NewFromString(closeQty)
		lot.OpenPrice, _ = decimal.NewFromString(openPrice)
		if closePrice != nil {
			p, _ := decimal.NewFromString(*closePrice)
			lot.ClosePrice = &p
		}
		lot.Charges, _ = decimal.NewFromString(charges)
		lot.RealizedPnL, _ = decimal.NewFromString(realizedPnL)
		lot.STCG, _ = decimal.NewFromString(stcg)
		lot.LTCG, _ = decimal.NewFromString(ltcg)
		lot.Status = model.LotStatus(status)

		lots = append(lots, &lot)
	}
	return lots, rows.Err()
}

// decimalPtrString converts an optional decimal for a nullable NUMERIC column.
func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
