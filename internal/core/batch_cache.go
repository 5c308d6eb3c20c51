package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// BatchCacheStore is the refreshable per-(location, product, batch number)
// FIFO aggregate (C3). Expiry is stored on each row but is not part of its
// key.
type BatchCacheStore interface {
	Get(ctx context.Context, locationID, productID int, batchNumber string) (BatchCache, error)
	ListFIFO(ctx context.Context, locationID, productID int) ([]BatchCache, error)
	// RefreshBatchTx rebuilds a single batch row from the ledger inside the
	// caller's transaction, locking the row first (§4.2).
	RefreshBatchTx(ctx context.Context, tx pgx.Tx, locationID, productID int, batchNumber string) (BatchCache, error)
}

type batchCacheStore struct {
	pool *pgxpool.Pool
}

// NewBatchCacheStore constructs the Batch Cache over the pool.
func NewBatchCacheStore(pool *pgxpool.Pool) BatchCacheStore {
	return &batchCacheStore{pool: pool}
}

const batchCacheColumns = `
	location_id, product_id, batch_number, expiry_date, received_qty, remaining_qty,
	cost_price, received_date, is_unknown_batch, conversion_date
`

func scanBatchCache(row pgx.Row) (BatchCache, error) {
	var b BatchCache
	err := row.Scan(
		&b.LocationID, &b.ProductID, &b.BatchNumber, &b.ExpiryDate, &b.ReceivedQty, &b.RemainingQty,
		&b.CostPrice, &b.ReceivedDate, &b.IsUnknownBatch, &b.ConversionDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BatchCache{}, NewCodedError(CodeItemNotFound, "no batch cache row")
		}
		return BatchCache{}, fmt.Errorf("failed to scan batch cache: %w", err)
	}
	return b, nil
}

func (s *batchCacheStore) Get(ctx context.Context, locationID, productID int, batchNumber string) (BatchCache, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchCacheColumns+`
		FROM batch_cache WHERE location_id = $1 AND product_id = $2 AND batch_number = $3
	`, locationID, productID, batchNumber)
	return scanBatchCache(row)
}

// ListFIFO returns every batch row for (locationID, productID) in FIFO
// consumption order: expiry ascending with nulls last, then received date
// ascending, then batch number ascending (§4.3, §8).
func (s *batchCacheStore) ListFIFO(ctx context.Context, locationID, productID int) ([]BatchCache, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchCacheColumns+`
		FROM batch_cache
		WHERE location_id = $1 AND product_id = $2 AND remaining_qty > 0
		ORDER BY expiry_date ASC NULLS LAST, received_date ASC, batch_number ASC
	`, locationID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query FIFO batches: %w", err)
	}
	defer rows.Close()

	var out []BatchCache
	for rows.Next() {
		b, err := scanBatchCache(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch cache row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// isUnknownBatchNumber mirrors the original source's batch-prefix
// convention: auto-generated or unresolvable batches are tagged so
// downstream reporting can flag them distinctly from real supplier lots.
func isUnknownBatchNumber(batchNumber string) bool {
	return strings.HasPrefix(batchNumber, "AUTO_") || strings.HasPrefix(batchNumber, "UNKNOWN_")
}

func (s *batchCacheStore) RefreshBatchTx(ctx context.Context, tx pgx.Tx, locationID, productID int, batchNumber string) (BatchCache, error) {
	hadRow := true
	var prevConversion *time.Time
	err := tx.QueryRow(ctx, `
		SELECT conversion_date FROM batch_cache
		WHERE location_id = $1 AND product_id = $2 AND batch_number = $3
		FOR UPDATE
	`, locationID, productID, batchNumber).Scan(&prevConversion)
	if errors.Is(err, pgx.ErrNoRows) {
		hadRow = false
	} else if err != nil {
		return BatchCache{}, fmt.Errorf("failed to lock batch cache row: %w", err)
	}

	movements, err := NewMovementLedger(tx).ForBatch(ctx, locationID, productID, batchNumber)
	if err != nil {
		return BatchCache{}, fmt.Errorf("failed to read movements for batch refresh: %w", err)
	}

	var received, consumed, costNumerator decimal.Decimal
	var costPrice decimal.Decimal
	var receivedDate *time.Time
	var expiryDate *time.Time

	for _, m := range movements {
		if m.IsIncomingAt(locationID) {
			received = received.Add(m.Quantity)
			costNumerator = costNumerator.Add(m.Quantity.Mul(m.CostPrice))
			if receivedDate == nil || m.MovementDate.Before(*receivedDate) {
				d := m.MovementDate
				receivedDate = &d
			}
			if m.ExpiryDate != nil {
				expiryDate = m.ExpiryDate
			}
		} else if m.IsOutgoingAt(locationID) {
			consumed = consumed.Add(m.Quantity)
		}
	}

	if !received.IsZero() {
		costPrice = costNumerator.Div(received)
	}
	remaining := received.Sub(consumed)

	if remaining.LessThanOrEqual(decimal.Zero) {
		if hadRow {
			if _, err := tx.Exec(ctx, "DELETE FROM batch_cache WHERE location_id = $1 AND product_id = $2 AND batch_number = $3", locationID, productID, batchNumber); err != nil {
				return BatchCache{}, fmt.Errorf("failed to delete exhausted batch cache row: %w", err)
			}
		}
		return BatchCache{}, NewCodedError(CodeItemNotFound, "batch %s fully consumed; cache deleted", batchNumber)
	}

	b := BatchCache{
		LocationID: locationID, ProductID: productID, BatchNumber: batchNumber,
		ExpiryDate: expiryDate, ReceivedQty: received, RemainingQty: remaining,
		CostPrice: costPrice, IsUnknownBatch: isUnknownBatchNumber(batchNumber),
	}
	if receivedDate != nil {
		b.ReceivedDate = *receivedDate
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO batch_cache (
			location_id, product_id, batch_number, expiry_date, received_qty, remaining_qty,
			cost_price, received_date, is_unknown_batch, conversion_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, $10)
		ON CONFLICT (location_id, product_id, batch_number) DO UPDATE SET
			expiry_date = EXCLUDED.expiry_date,
			received_qty = EXCLUDED.received_qty,
			remaining_qty = EXCLUDED.remaining_qty,
			cost_price = EXCLUDED.cost_price,
			received_date = EXCLUDED.received_date,
			is_unknown_batch = EXCLUDED.is_unknown_batch
		RETURNING `+batchCacheColumns+`
	`,
		locationID, productID, batchNumber, b.ExpiryDate, b.ReceivedQty, b.RemainingQty,
		b.CostPrice, b.ReceivedDate, b.IsUnknownBatch, prevConversion,
	).Scan(
		&b.LocationID, &b.ProductID, &b.BatchNumber, &b.ExpiryDate, &b.ReceivedQty, &b.RemainingQty,
		&b.CostPrice, &b.ReceivedDate, &b.IsUnknownBatch, &b.ConversionDate,
	)
	if err != nil {
		return BatchCache{}, fmt.Errorf("failed to upsert batch cache: %w", err)
	}
	return b, nil
}
