package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS peg_registry (
        channel_id           TEXT PRIMARY KEY,
        target_usd           NUMERIC NOT NULL,
        native_btc_reference NUMERIC NOT NULL DEFAULT 0,
        updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS payments (
        id           TEXT PRIMARY KEY,
        channel_id   TEXT NOT NULL,
        payment_ref  TEXT,
        direction    TEXT NOT NULL,
        kind         TEXT NOT NULL,
        amount_msat  BIGINT NOT NULL,
        amount_usd   NUMERIC NOT NULL,
        btc_price    NUMERIC NOT NULL,
        counterparty TEXT,
        status       TEXT NOT NULL,
        error        TEXT,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS payments_created_at_idx ON payments (created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS price_history (
        id          BIGSERIAL PRIMARY KEY,
        price       NUMERIC NOT NULL,
        sources     INTEGER NOT NULL,
        captured_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS price_history_captured_at_idx ON price_history (captured_at);`,
}

const (
	listPegsSQL = `SELECT channel_id, target_usd::text, native_btc_reference::text, updated_at
    FROM peg_registry
    ORDER BY channel_id;`

	upsertPegSQL = `INSERT INTO peg_registry (channel_id, target_usd, native_btc_reference, updated_at)
    VALUES ($1, $2, $3, now())
    ON CONFLICT (channel_id) DO UPDATE
    SET target_usd           = EXCLUDED.target_usd,
        native_btc_reference = EXCLUDED.native_btc_reference,
        updated_at           = now();`

	deletePegSQL = `DELETE FROM peg_registry WHERE channel_id = $1;`

	insertPaymentSQL = `INSERT INTO payments (
        id,
        channel_id,
        payment_ref,
        direction,
        kind,
        amount_msat,
        amount_usd,
        btc_price,
        counterparty,
        status,
        error,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentPaymentsSQL = `SELECT
        id,
        channel_id,
        payment_ref,
        direction,
        kind,
        amount_msat,
        amount_usd::text,
        btc_price::text,
        counterparty,
        status,
        error,
        created_at
    FROM payments
    ORDER BY created_at DESC
    LIMIT $1;`

	deletePaymentsBeforeSQL = `DELETE FROM payments WHERE created_at < $1;`

	insertPriceSQL = `INSERT INTO price_history (price, sources, captured_at) VALUES ($1, $2, $3);`

	listPricesBetweenSQL = `SELECT id, price::text, sources, captured_at
    FROM price_history
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at;`

	deletePricesBeforeSQL = `DELETE FROM price_history WHERE captured_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PegRegistry persists which channels are pegged and to what target.
type PegRegistry interface {
	LoadPegs(ctx context.Context) ([]PegRecord, error)
	UpsertPeg(ctx context.Context, rec PegRecord) error
	DeletePeg(ctx context.Context, channelID string) error
}

// PaymentStore defines operations for the payment ledger.
type PaymentStore interface {
	InsertPayment(ctx context.Context, rec PaymentRecord) error
	ListRecentPayments(ctx context.Context, limit int) ([]PaymentRecord, error)
	DeletePaymentsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// PriceStore defines operations for the reference price history.
type PriceStore interface {
	InsertPrice(ctx context.Context, price decimal.Decimal, sources int, capturedAt time.Time) error
	ListPricesBetween(ctx context.Context, from, to time.Time) ([]PriceRecord, error)
	DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates PostgreSQL access for the registry, ledger and history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LoadPegs implements PegRegistry.
func (s *Store) LoadPegs(ctx context.Context) ([]PegRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPegsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pegs: %w", queryErr)
	}
	defer rows.Close()

	pegs := make([]PegRecord, 0)
	for rows.Next() {
		var (
			rec                  PegRecord
			targetStr, nativeStr string
		)
		if err := rows.Scan(&rec.ChannelID, &targetStr, &nativeStr, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.TargetUSD, err = decimal.NewFromString(targetStr); err != nil {
			return nil, fmt.Errorf("parse target usd: %w", err)
		}
		if rec.NativeBTC, err = decimal.NewFromString(nativeStr); err != nil {
			return nil, fmt.Errorf("parse native btc: %w", err)
		}
		pegs = append(pegs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pegs, nil
}

// UpsertPeg implements PegRegistry.
func (s *Store) UpsertPeg(ctx context.Context, rec PegRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertPegSQL, rec.ChannelID, rec.TargetUSD.String(), rec.NativeBTC.String()); execErr != nil {
		return fmt.Errorf("upsert peg: %w", execErr)
	}
	return nil
}

// DeletePeg implements PegRegistry.
func (s *Store) DeletePeg(ctx context.Context, channelID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deletePegSQL, channelID); execErr != nil {
		return fmt.Errorf("delete peg: %w", execErr)
	}
	return nil
}

// InsertPayment implements PaymentStore.
func (s *Store) InsertPayment(ctx context.Context, rec PaymentRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, insertPaymentSQL,
		rec.ID,
		rec.ChannelID,
		rec.PaymentRef,
		rec.Direction,
		rec.Kind,
		int64(rec.AmountMsat),
		rec.AmountUSD.String(),
		rec.BTCPrice.String(),
		rec.Counterparty,
		rec.Status,
		errMsg,
		createdAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert payment: %w", execErr)
	}
	return nil
}

// ListRecentPayments lists the most recent ledger rows, newest first.
func (s *Store) ListRecentPayments(ctx context.Context, limit int) ([]PaymentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPaymentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent payments: %w", queryErr)
	}
	defer rows.Close()

	payments := make([]PaymentRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPayment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		payments = append(payments, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return payments, nil
}

// DeletePaymentsBefore prunes old ledger rows.
func (s *Store) DeletePaymentsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deletePaymentsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete payments before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertPrice implements PriceStore.
func (s *Store) InsertPrice(ctx context.Context, price decimal.Decimal, sources int, capturedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSQL, price.String(), sources, capturedAt); execErr != nil {
		return fmt.Errorf("insert price: %w", execErr)
	}
	return nil
}

// ListPricesBetween lists prices captured within [from, to).
func (s *Store) ListPricesBetween(ctx context.Context, from, to time.Time) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPricesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list prices between: %w", queryErr)
	}
	defer rows.Close()

	prices := make([]PriceRecord, 0)
	for rows.Next() {
		var (
			rec      PriceRecord
			priceStr string
		)
		if err := rows.Scan(&rec.ID, &priceStr, &rec.Sources, &rec.CapturedAt); err != nil {
			return nil, err
		}
		if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		prices = append(prices, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prices, nil
}

// DeletePricesBefore prunes old price history.
func (s *Store) DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deletePricesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete prices before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanPayment(rows pgx.Rows) (PaymentRecord, error) {
	var (
		rec          PaymentRecord
		paymentRef   sql.NullString
		amountMsat   int64
		amountStr    string
		priceStr     string
		counterparty sql.NullString
		errMsg       sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.ChannelID,
		&paymentRef,
		&rec.Direction,
		&rec.Kind,
		&amountMsat,
		&amountStr,
		&priceStr,
		&counterparty,
		&rec.Status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return PaymentRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("parse amount usd: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("parse btc price: %w", err)
	}

	rec.AmountMsat = uint64(amountMsat)
	rec.AmountUSD = amount
	rec.BTCPrice = price
	rec.PaymentRef = paymentRef.String
	rec.Counterparty = counterparty.String
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ PegRegistry    = (*Store)(nil)
	_ PaymentStore   = (*Store)(nil)
	_ PriceStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
