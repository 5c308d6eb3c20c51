package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// BalanceCacheStore is the refreshable per-(location, product) aggregate (C2).
type BalanceCacheStore interface {
	Get(ctx context.Context, locationID, productID int) (BalanceCache, error)
	// RefreshTx rebuilds the cache row for (locationID, productID) from the
	// ledger, inside the caller's transaction, holding a row-level exclusive
	// lock on the cache row for the duration of the update (§4.2).
	RefreshTx(ctx context.Context, tx pgx.Tx, locationID, productID int) (BalanceCache, error)
}

type balanceCacheStore struct {
	pool *pgxpool.Pool
}

// NewBalanceCacheStore constructs the Balance Cache over the pool.
func NewBalanceCacheStore(pool *pgxpool.Pool) BalanceCacheStore {
	return &balanceCacheStore{pool: pool}
}

func (s *balanceCacheStore) Get(ctx context.Context, locationID, productID int) (BalanceCache, error) {
	return scanBalanceCache(s.pool.QueryRow(ctx, balanceCacheSelect, locationID, productID))
}

const balanceCacheSelect = `
	SELECT location_id, product_id, current_qty, reserved_qty, avg_cost,
	       last_purchase_cost, last_purchase_date, last_sale_price, last_sale_date,
	       min_stock_level, max_stock_level, updated_at
	FROM balance_cache WHERE location_id = $1 AND product_id = $2
`

func scanBalanceCache(row pgx.Row) (BalanceCache, error) {
	var b BalanceCache
	err := row.Scan(
		&b.LocationID, &b.ProductID, &b.CurrentQty, &b.ReservedQty, &b.AvgCost,
		&b.LastPurchaseCost, &b.LastPurchaseDate, &b.LastSalePrice, &b.LastSaleDate,
		&b.MinStockLevel, &b.MaxStockLevel, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceCache{}, NewCodedError(CodeItemNotFound, "no balance cache row")
		}
		return BalanceCache{}, fmt.Errorf("failed to scan balance cache: %w", err)
	}
	return b, nil
}

// RefreshTx rebuilds the balance cache for (locationID, productID) from the
// ledger. It locks any existing row FOR UPDATE first (so concurrent
// refreshes of the same key serialize), preserves ReservedQty (caches never
// derive reservations from the ledger — §4.2), and deletes the row only when
// the ledger shows no movements at all AND no reservation is outstanding
// (the REDESIGN fix for Open Question 5: a reservation must never be
// silently dropped by a refresh).
func (s *balanceCacheStore) RefreshTx(ctx context.Context, tx pgx.Tx, locationID, productID int) (BalanceCache, error) {
	var reserved decimal.Decimal
	var minLevel, maxLevel decimal.Decimal
	hadRow := true
	err := tx.QueryRow(ctx, `
		SELECT reserved_qty, min_stock_level, max_stock_level
		FROM balance_cache WHERE location_id = $1 AND product_id = $2
		FOR UPDATE
	`, locationID, productID).Scan(&reserved, &minLevel, &maxLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		hadRow = false
		reserved = decimal.Zero
	} else if err != nil {
		return BalanceCache{}, fmt.Errorf("failed to lock balance cache row: %w", err)
	}

	movements, err := NewMovementLedger(tx).ForCombination(ctx, locationID, productID)
	if err != nil {
		return BalanceCache{}, fmt.Errorf("failed to read movements for refresh: %w", err)
	}

	if len(movements) == 0 {
		if hadRow && reserved.IsZero() {
			if _, err := tx.Exec(ctx, "DELETE FROM balance_cache WHERE location_id = $1 AND product_id = $2", locationID, productID); err != nil {
				return BalanceCache{}, fmt.Errorf("failed to delete empty balance cache row: %w", err)
			}
			return BalanceCache{}, NewCodedError(CodeItemNotFound, "no movements for (%d, %d); cache deleted", locationID, productID)
		}
		// A reservation survives even though the ledger shows nothing — keep
		// a zeroed row rather than lose the reservation (REDESIGN, Open Question 5).
		return s.upsert(ctx, tx, locationID, productID, BalanceCache{
			LocationID: locationID, ProductID: productID,
			CurrentQty: decimal.Zero, ReservedQty: reserved, AvgCost: decimal.Zero,
			MinStockLevel: minLevel, MaxStockLevel: maxLevel,
		})
	}

	var currentQty, costNumerator, costDenominator decimal.Decimal
	var lastPurchaseCost, lastSalePrice *decimal.Decimal
	var lastPurchaseDate, lastSaleDate *time.Time

	for _, m := range movements {
		if m.IsIncomingAt(locationID) {
			currentQty = currentQty.Add(m.Quantity)
			costNumerator = costNumerator.Add(m.Quantity.Mul(m.CostPrice))
			costDenominator = costDenominator.Add(m.Quantity)
			if lastPurchaseDate == nil || m.MovementDate.After(*lastPurchaseDate) {
				date := m.MovementDate
				lastPurchaseDate = &date
				cost := m.CostPrice
				lastPurchaseCost = &cost
			}
		} else if m.IsOutgoingAt(locationID) {
			currentQty = currentQty.Sub(m.Quantity)
			if m.SalePrice != nil && (lastSaleDate == nil || m.MovementDate.After(*lastSaleDate)) {
				date := m.MovementDate
				lastSaleDate = &date
				price := *m.SalePrice
				lastSalePrice = &price
			}
		}
	}

	avgCost := decimal.Zero
	if !costDenominator.IsZero() {
		avgCost = costNumerator.Div(costDenominator)
	}
	if currentQty.IsZero() {
		avgCost = decimal.Zero
	}

	b := BalanceCache{
		LocationID: locationID, ProductID: productID,
		CurrentQty: currentQty, ReservedQty: reserved, AvgCost: avgCost,
		LastPurchaseCost: lastPurchaseCost, LastPurchaseDate: lastPurchaseDate,
		LastSalePrice: lastSalePrice, LastSaleDate: lastSaleDate,
		MinStockLevel: minLevel, MaxStockLevel: maxLevel,
	}
	return s.upsert(ctx, tx, locationID, productID, b)
}

func (s *balanceCacheStore) upsert(ctx context.Context, tx pgx.Tx, locationID, productID int, b BalanceCache) (BalanceCache, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO balance_cache (
			location_id, product_id, current_qty, reserved_qty, avg_cost,
			last_purchase_cost, last_purchase_date, last_sale_price, last_sale_date,
			min_stock_level, max_stock_level, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, NOW())
		ON CONFLICT (location_id, product_id) DO UPDATE SET
			current_qty = EXCLUDED.current_qty,
			reserved_qty = EXCLUDED.reserved_qty,
			avg_cost = EXCLUDED.avg_cost,
			last_purchase_cost = EXCLUDED.last_purchase_cost,
			last_purchase_date = EXCLUDED.last_purchase_date,
			last_sale_price = EXCLUDED.last_sale_price,
			last_sale_date = EXCLUDED.last_sale_date,
			updated_at = NOW()
		RETURNING location_id, product_id, current_qty, reserved_qty, avg_cost,
		          last_purchase_cost, last_purchase_date, last_sale_price, last_sale_date,
		          min_stock_level, max_stock_level, updated_at
	`,
		locationID, productID, b.CurrentQty, b.ReservedQty, b.AvgCost,
		b.LastPurchaseCost, b.LastPurchaseDate, b.LastSalePrice, b.LastSaleDate,
		b.MinStockLevel, b.MaxStockLevel,
	).Scan(
		&b.LocationID, &b.ProductID, &b.CurrentQty, &b.ReservedQty, &b.AvgCost,
		&b.LastPurchaseCost, &b.LastPurchaseDate, &b.LastSalePrice, &b.LastSaleDate,
		&b.MinStockLevel, &b.MaxStockLevel, &b.UpdatedAt,
	)
	if err != nil {
		return BalanceCache{}, fmt.Errorf("failed to upsert balance cache: %w", err)
	}
	return b, nil
}
