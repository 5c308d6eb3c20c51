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

// AvailabilityData is the structured payload of ValidateAvailability.
type AvailabilityData struct {
	LocationID   int             `json:"location_id"`
	ProductID    int             `json:"product_id"`
	CurrentQty   decimal.Decimal `json:"current_qty"`
	ReservedQty  decimal.Decimal `json:"reserved_qty"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	RequiredQty  decimal.Decimal `json:"required_qty"`
	CanFulfill   bool            `json:"can_fulfill"`
	ShortageQty  decimal.Decimal `json:"shortage_qty"`
}

// BatchAvailabilityData is the structured payload of ValidateBatchAvailability.
type BatchAvailabilityData struct {
	RequiredQty decimal.Decimal          `json:"required_qty"`
	Proposals   []BatchAllocationSummary `json:"proposals"`
	CanFulfill  bool                     `json:"can_fulfill"`
}

// BatchAllocationSummary is one line of a batch-availability proposal.
type BatchAllocationSummary struct {
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExpiryDate  *string         `json:"expiry_date,omitempty"`
	IsExpired   bool            `json:"is_expired"`
}

// CostSource tags where cost_for_location's value came from (§4.4).
type CostSource string

const (
	CostSourceAvgCost         CostSource = "INVENTORY_ITEM_AVG_COST"
	CostSourceLastPurchase    CostSource = "LAST_PURCHASE_COST"
	CostSourceFallbackZero    CostSource = "FALLBACK_ZERO"
)

// CostData is the structured payload of CostForLocation.
type CostData struct {
	Cost   decimal.Decimal `json:"cost"`
	Source CostSource      `json:"source"`
}

// ProfitSummary is the weighted-average profit aggregate described by
// SPEC_FULL.md's Open Question 1 resolution: it averages per-movement
// margins weighted by revenue rather than summing raw percentages, which
// avoids the overflow the original exhibits under mixed-sign profits.
type ProfitSummary struct {
	TotalRevenue        decimal.Decimal `json:"total_revenue"`
	TotalProfit         decimal.Decimal `json:"total_profit"`
	WeightedMarginPct   decimal.Decimal `json:"weighted_margin_percentage"`
	MovementCount       int             `json:"movement_count"`
}

// InventoryService is the read-side availability/reservation/cost API (C5).
// Every method returns a Result carrying a tagged code, per §4.4.
type InventoryService interface {
	ValidateAvailability(ctx context.Context, locationID, productID int, requiredQty decimal.Decimal) Result[AvailabilityData]
	ValidateBatchAvailability(ctx context.Context, locationID, productID int, requiredQty decimal.Decimal) Result[BatchAvailabilityData]
	Reserve(ctx context.Context, locationID, productID int, qty decimal.Decimal, reason string) Result[AvailabilityData]
	Release(ctx context.Context, locationID, productID int, qty decimal.Decimal) Result[AvailabilityData]
	CostForLocation(ctx context.Context, locationID, productID int) Result[CostData]
	ProfitSummaryForCombination(ctx context.Context, locationID, productID int) Result[ProfitSummary]
}

type inventoryService struct {
	pool      *pgxpool.Pool
	locations LocationStore
	balances  BalanceCacheStore
	batches   BatchCacheStore
	ledger    MovementLedger
}

// NewInventoryService constructs the Inventory Service over its dependencies.
func NewInventoryService(pool *pgxpool.Pool, locations LocationStore, balances BalanceCacheStore, batches BatchCacheStore, ledger MovementLedger) InventoryService {
	return &inventoryService{pool: pool, locations: locations, balances: balances, batches: batches, ledger: ledger}
}

func (s *inventoryService) ValidateAvailability(ctx context.Context, locationID, productID int, requiredQty decimal.Decimal) Result[AvailabilityData] {
	loc, err := s.locations.ByID(ctx, locationID)
	if err != nil {
		return Fail[AvailabilityData](CodeItemNotFound, "location %d not found: %v", locationID, err)
	}
	balance, err := s.balances.Get(ctx, locationID, productID)
	if err != nil {
		var ce *CodedError
		if errors.As(err, &ce) && ce.Code == CodeItemNotFound {
			balance = BalanceCache{LocationID: locationID, ProductID: productID}
		} else {
			return Fail[AvailabilityData](CodeAvailabilityError, "failed to read balance: %v", err)
		}
	}

	available := balance.AvailableQty()
	canFulfill := available.GreaterThanOrEqual(requiredQty) || loc.AllowNegativeStock
	shortage := requiredQty.Sub(available)
	if shortage.IsNegative() {
		shortage = decimal.Zero
	}

	data := AvailabilityData{
		LocationID: locationID, ProductID: productID, CurrentQty: balance.CurrentQty,
		ReservedQty: balance.ReservedQty, AvailableQty: available, RequiredQty: requiredQty,
		CanFulfill: canFulfill, ShortageQty: shortage,
	}
	if !canFulfill {
		return Result[AvailabilityData]{OK: false, Code: CodeInsufficientStock, Msg: fmt.Sprintf("insufficient stock: available %s, required %s", available, requiredQty), Data: data}
	}
	return Ok(data)
}

// ValidateBatchAvailability enumerates FIFO batches up to requiredQty,
// flagging expired ones, without mutating any cache row (§4.4).
func (s *inventoryService) ValidateBatchAvailability(ctx context.Context, locationID, productID int, requiredQty decimal.Decimal) Result[BatchAvailabilityData] {
	batches, err := s.batches.ListFIFO(ctx, locationID, productID)
	if err != nil {
		return Fail[BatchAvailabilityData](CodeAvailabilityError, "failed to list batches: %v", err)
	}

	allocations, full := allocateFIFO(batches, requiredQty)
	proposals := make([]BatchAllocationSummary, 0, len(allocations))
	now := time.Now()
	for _, a := range allocations {
		summary := BatchAllocationSummary{BatchNumber: a.Batch.BatchNumber, Quantity: a.Quantity}
		if a.Batch.ExpiryDate != nil {
			s := a.Batch.ExpiryDate.Format("2006-01-02")
			summary.ExpiryDate = &s
			summary.IsExpired = a.Batch.ExpiryDate.Before(now)
		}
		proposals = append(proposals, summary)
	}

	data := BatchAvailabilityData{RequiredQty: requiredQty, Proposals: proposals, CanFulfill: full}
	if !full {
		return Result[BatchAvailabilityData]{OK: false, Code: CodeInsufficientBatch, Msg: "insufficient batch stock to cover requested quantity", Data: data}
	}
	return Ok(data)
}

// Reserve atomically increments reserved_qty after re-checking availability
// under an exclusive row lock; the caller's own pre-check, if any, is only
// an optimization (§5).
func (s *inventoryService) Reserve(ctx context.Context, locationID, productID int, qty decimal.Decimal, reason string) Result[AvailabilityData] {
	if qty.LessThanOrEqual(decimal.Zero) {
		return Fail[AvailabilityData](CodeInvalidQuantity, "reservation quantity must be positive")
	}

	loc, err := s.locations.ByID(ctx, locationID)
	if err != nil {
		return Fail[AvailabilityData](CodeItemNotFound, "location %d not found: %v", locationID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	var current, reserved decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT current_qty, reserved_qty FROM balance_cache
		WHERE location_id = $1 AND product_id = $2 FOR UPDATE
	`, locationID, productID).Scan(&current, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fail[AvailabilityData](CodeItemNotFound, "no balance cache row for (%d, %d)", locationID, productID)
	}
	if err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to lock balance row: %v", err)
	}

	available := current.Sub(reserved)
	if available.LessThan(qty) && !loc.AllowNegativeStock {
		return Result[AvailabilityData]{
			OK: false, Code: CodeInsufficientAvailable,
			Msg: fmt.Sprintf("insufficient available stock: available %s, requested %s", available, qty),
			Data: AvailabilityData{LocationID: locationID, ProductID: productID, CurrentQty: current, ReservedQty: reserved, AvailableQty: available, RequiredQty: qty, CanFulfill: false, ShortageQty: qty.Sub(available)},
		}
	}

	newReserved := reserved.Add(qty)
	if _, err := tx.Exec(ctx, `UPDATE balance_cache SET reserved_qty = $1, updated_at = NOW() WHERE location_id = $2 AND product_id = $3`, newReserved, locationID, productID); err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to update reservation: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to commit reservation: %v", err)
	}

	return Ok(AvailabilityData{
		LocationID: locationID, ProductID: productID, CurrentQty: current, ReservedQty: newReserved,
		AvailableQty: current.Sub(newReserved), RequiredQty: qty, CanFulfill: true,
	})
}

// Release atomically decrements reserved_qty; fails with
// CodeInsufficientReserved if the release would go negative (§4.4).
func (s *inventoryService) Release(ctx context.Context, locationID, productID int, qty decimal.Decimal) Result[AvailabilityData] {
	if qty.LessThanOrEqual(decimal.Zero) {
		return Fail[AvailabilityData](CodeInvalidQuantity, "release quantity must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	var current, reserved decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT current_qty, reserved_qty FROM balance_cache
		WHERE location_id = $1 AND product_id = $2 FOR UPDATE
	`, locationID, productID).Scan(&current, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fail[AvailabilityData](CodeItemNotFound, "no balance cache row for (%d, %d)", locationID, productID)
	}
	if err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to lock balance row: %v", err)
	}

	if reserved.LessThan(qty) {
		return Result[AvailabilityData]{
			OK: false, Code: CodeInsufficientReserved,
			Msg: fmt.Sprintf("cannot release %s: only %s reserved", qty, reserved),
			Data: AvailabilityData{LocationID: locationID, ProductID: productID, CurrentQty: current, ReservedQty: reserved},
		}
	}

	newReserved := reserved.Sub(qty)
	if _, err := tx.Exec(ctx, `UPDATE balance_cache SET reserved_qty = $1, updated_at = NOW() WHERE location_id = $2 AND product_id = $3`, newReserved, locationID, productID); err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to update reservation: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Fail[AvailabilityData](CodeAvailabilityError, "failed to commit release: %v", err)
	}

	return Ok(AvailabilityData{
		LocationID: locationID, ProductID: productID, CurrentQty: current, ReservedQty: newReserved,
		AvailableQty: current.Sub(newReserved), CanFulfill: true,
	})
}

// CostForLocation returns the tagged cost source per §4.4: the balance
// cache's avg_cost, else the last purchase cost, else zero.
func (s *inventoryService) CostForLocation(ctx context.Context, locationID, productID int) Result[CostData] {
	balance, err := s.balances.Get(ctx, locationID, productID)
	if err != nil {
		var ce *CodedError
		if errors.As(err, &ce) && ce.Code == CodeItemNotFound {
			return Ok(CostData{Cost: decimal.Zero, Source: CostSourceFallbackZero})
		}
		return Fail[CostData](CodeAvailabilityError, "failed to read balance: %v", err)
	}
	if balance.AvgCost.IsPositive() {
		return Ok(CostData{Cost: balance.AvgCost, Source: CostSourceAvgCost})
	}
	if balance.LastPurchaseCost != nil && balance.LastPurchaseCost.IsPositive() {
		return Ok(CostData{Cost: *balance.LastPurchaseCost, Source: CostSourceLastPurchase})
	}
	return Ok(CostData{Cost: decimal.Zero, Source: CostSourceFallbackZero})
}

// ProfitSummaryForCombination aggregates profit for every OUT movement
// carrying a sale_price at (locationID, productID), weighting the margin by
// revenue rather than averaging raw per-movement percentages (the fix for
// Open Question 1 — summing mixed-sign percentages can overflow).
func (s *inventoryService) ProfitSummaryForCombination(ctx context.Context, locationID, productID int) Result[ProfitSummary] {
	movements, err := s.ledger.ForCombination(ctx, locationID, productID)
	if err != nil {
		return Fail[ProfitSummary](CodeAvailabilityError, "failed to read movements: %v", err)
	}

	var totalRevenue, totalProfit decimal.Decimal
	count := 0
	for _, m := range movements {
		if m.Type != MovementOut || m.SalePrice == nil || m.ProfitAmount == nil {
			continue
		}
		revenue := m.SalePrice.Mul(m.Quantity)
		profit := m.ProfitAmount.Mul(m.Quantity)
		totalRevenue = totalRevenue.Add(revenue)
		totalProfit = totalProfit.Add(profit)
		count++
	}

	weightedMargin := decimal.Zero
	if totalRevenue.IsPositive() {
		weightedMargin = totalProfit.Div(totalRevenue).Mul(decimal.NewFromInt(100))
	}

	return Ok(ProfitSummary{
		TotalRevenue: totalRevenue, TotalProfit: totalProfit,
		WeightedMarginPct: weightedMargin, MovementCount: count,
	})
}
