package core_test

import (
	"context"
	"testing"
	"time"

	"posledger/internal/core"

	"github.com/shopspring/decimal"
)

type inventoryTestFixture struct {
	inventory core.InventoryService
	processor core.MovementProcessor
	location  core.Location
	product   core.Product
	ctx       context.Context
}

func setupInventoryTestDB(t *testing.T) inventoryTestFixture {
	t.Helper()
	pool := setupTestDB(t)
	ctx := context.Background()

	locations := core.NewLocationStore(pool)
	products := core.NewProductStore(pool)
	balances := core.NewBalanceCacheStore(pool)
	batches := core.NewBatchCacheStore(pool)
	ledger := core.NewMovementLedger(pool)
	validator := core.NewProductValidator(products, locations, balances)
	pricing := core.NewPricingResolver(pool, locations, balances)
	processor := core.NewMovementProcessor(pool, validator, products, locations, pricing)
	inventory := core.NewInventoryService(pool, locations, balances, batches, ledger)

	loc := seedLocation(t, ctx, locations, "MAIN", nil)
	product := seedProduct(t, ctx, products, "WIDGET", func(p *core.Product) {
		p.TrackBatches = true
	})

	return inventoryTestFixture{inventory: inventory, processor: processor, location: loc, product: product, ctx: ctx}
}

func TestInventoryService_ValidateAvailability_ReportsShortage(t *testing.T) {
	f := setupInventoryTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10),
		CostPrice: decimal.NewFromFloat(5), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	res := f.inventory.ValidateAvailability(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(15))
	if res.OK {
		t.Fatalf("expected insufficient stock, got OK")
	}
	if res.Code != core.CodeInsufficientStock {
		t.Errorf("expected CodeInsufficientStock, got %s", res.Code)
	}
	if !res.Data.ShortageQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected shortage of 5, got %s", res.Data.ShortageQty)
	}
}

func TestInventoryService_ReserveThenRelease_RoundTrips(t *testing.T) {
	f := setupInventoryTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(20),
		CostPrice: decimal.NewFromFloat(5), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	reserveRes := f.inventory.Reserve(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(8), "order hold")
	if !reserveRes.OK {
		t.Fatalf("Reserve failed: %s", reserveRes.Msg)
	}
	if !reserveRes.Data.ReservedQty.Equal(decimal.NewFromInt(8)) {
		t.Errorf("expected reserved_qty=8, got %s", reserveRes.Data.ReservedQty)
	}
	if !reserveRes.Data.AvailableQty.Equal(decimal.NewFromInt(12)) {
		t.Errorf("expected available_qty=12, got %s", reserveRes.Data.AvailableQty)
	}

	releaseRes := f.inventory.Release(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(8))
	if !releaseRes.OK {
		t.Fatalf("Release failed: %s", releaseRes.Msg)
	}
	if !releaseRes.Data.ReservedQty.IsZero() {
		t.Errorf("expected reserved_qty=0 after full release, got %s", releaseRes.Data.ReservedQty)
	}
}

func TestInventoryService_Reserve_RejectsOverReservation(t *testing.T) {
	f := setupInventoryTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(5),
		CostPrice: decimal.NewFromFloat(5), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	res := f.inventory.Reserve(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(6), "order hold")
	if res.OK {
		t.Fatalf("expected over-reservation to fail")
	}
	if res.Code != core.CodeInsufficientAvailable {
		t.Errorf("expected CodeInsufficientAvailable, got %s", res.Code)
	}
}

func TestInventoryService_Release_RejectsMoreThanReserved(t *testing.T) {
	f := setupInventoryTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10),
		CostPrice: decimal.NewFromFloat(5), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}
	if res := f.inventory.Reserve(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(3), "hold"); !res.OK {
		t.Fatalf("Reserve failed: %s", res.Msg)
	}

	res := f.inventory.Release(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(5))
	if res.OK {
		t.Fatalf("expected releasing more than reserved to fail")
	}
	if res.Code != core.CodeInsufficientReserved {
		t.Errorf("expected CodeInsufficientReserved, got %s", res.Code)
	}
}

func TestInventoryService_ProfitSummary_WeightsByRevenue(t *testing.T) {
	f := setupInventoryTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(100),
		CostPrice: decimal.NewFromFloat(10), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	// One large low-margin sale and one tiny high-margin sale: a naive average
	// of percentages would overweight the tiny sale; weighting by revenue
	// should not.
	bigSale := decimal.NewFromFloat(11)
	tinySale := decimal.NewFromFloat(100)
	if _, err := f.processor.CreateOutgoing(f.ctx, core.OutgoingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(90),
		SalePrice: &bigSale, IsSale: true, BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("big sale failed: %v", err)
	}
	if _, err := f.processor.CreateOutgoing(f.ctx, core.OutgoingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1),
		SalePrice: &tinySale, IsSale: true, BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("tiny sale failed: %v", err)
	}

	res := f.inventory.ProfitSummaryForCombination(f.ctx, f.location.ID, f.product.ID)
	if !res.OK {
		t.Fatalf("ProfitSummaryForCombination failed: %s", res.Msg)
	}
	if res.Data.MovementCount != 2 {
		t.Fatalf("expected 2 sale movements counted, got %d", res.Data.MovementCount)
	}
	// revenue = 90*11 + 1*100 = 990 + 100 = 1090; profit = 90*1 + 1*90 = 90 + 90 = 180
	if !res.Data.TotalRevenue.Equal(decimal.NewFromInt(1090)) {
		t.Errorf("expected total revenue 1090, got %s", res.Data.TotalRevenue)
	}
	if !res.Data.TotalProfit.Equal(decimal.NewFromInt(180)) {
		t.Errorf("expected total profit 180, got %s", res.Data.TotalProfit)
	}
}
