package core_test

import (
	"context"
	"testing"
	"time"

	"posledger/internal/core"

	"github.com/shopspring/decimal"
)

type pricingTestFixture struct {
	pricing   core.PricingResolver
	processor core.MovementProcessor
	location  core.Location
	product   core.Product
	ctx       context.Context
}

func setupPricingTestDB(t *testing.T) pricingTestFixture {
	t.Helper()
	pool := setupTestDB(t)
	ctx := context.Background()

	locations := core.NewLocationStore(pool)
	products := core.NewProductStore(pool)
	balances := core.NewBalanceCacheStore(pool)
	validator := core.NewProductValidator(products, locations, balances)
	pricing := core.NewPricingResolver(pool, locations, balances)
	processor := core.NewMovementProcessor(pool, validator, products, locations, pricing)

	loc := seedLocation(t, ctx, locations, "MAIN", func(l *core.Location) {
		l.DefaultMarkupPercentage = decimal.NewFromInt(20)
	})
	product := seedProduct(t, ctx, products, "WIDGET", nil)

	return pricingTestFixture{pricing: pricing, processor: processor, location: loc, product: product, ctx: ctx}
}

func TestPricingResolver_FallsBackToCostPlusMarkup(t *testing.T) {
	f := setupPricingTestDB(t)

	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10),
		CostPrice: decimal.NewFromInt(100), MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourceFallback {
		t.Errorf("expected fallback source, got %s", res.Source)
	}
	if !res.Price.Equal(decimal.NewFromInt(120)) {
		t.Errorf("expected 100 * 1.20 = 120, got %s", res.Price)
	}
}

func TestPricingResolver_BasePriceBeatsFallback(t *testing.T) {
	f := setupPricingTestDB(t)

	markup := decimal.NewFromInt(50)
	if _, err := f.pricing.UpsertBasePrice(f.ctx, f.location.ID, f.product.ID, core.StrategyFixed, decimalPtr(decimal.NewFromInt(75)), nil); err != nil {
		t.Fatalf("UpsertBasePrice failed: %v", err)
	}
	_ = markup

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourceBasePrice {
		t.Errorf("expected base price source, got %s", res.Source)
	}
	if !res.Price.Equal(decimal.NewFromInt(75)) {
		t.Errorf("expected fixed price 75, got %s", res.Price)
	}
}

func TestPricingResolver_StepPriceBeatsBasePrice(t *testing.T) {
	f := setupPricingTestDB(t)

	if _, err := f.pricing.UpsertBasePrice(f.ctx, f.location.ID, f.product.ID, core.StrategyFixed, decimalPtr(decimal.NewFromInt(100)), nil); err != nil {
		t.Fatalf("UpsertBasePrice failed: %v", err)
	}
	if _, err := f.pricing.UpsertStepPrice(f.ctx, core.StepPrice{
		LocationID: f.location.ID, ProductID: f.product.ID, MinQuantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(80),
	}); err != nil {
		t.Fatalf("UpsertStepPrice failed: %v", err)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(12)})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourceStepPrice {
		t.Errorf("expected step price source, got %s", res.Source)
	}
	if !res.Price.Equal(decimal.NewFromInt(80)) {
		t.Errorf("expected step price 80, got %s", res.Price)
	}
}

func TestPricingResolver_CustomerGroupBeatsStepPrice(t *testing.T) {
	f := setupPricingTestDB(t)

	if _, err := f.pricing.UpsertStepPrice(f.ctx, core.StepPrice{
		LocationID: f.location.ID, ProductID: f.product.ID, MinQuantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(80),
	}); err != nil {
		t.Fatalf("UpsertStepPrice failed: %v", err)
	}
	if _, err := f.pricing.UpsertGroupPrice(f.ctx, core.GroupPrice{
		LocationID: f.location.ID, ProductID: f.product.ID, PriceGroup: "WHOLESALE", MinQuantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(60),
	}); err != nil {
		t.Fatalf("UpsertGroupPrice failed: %v", err)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1), CustomerGroup: "WHOLESALE",
	})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourceCustomerGroup {
		t.Errorf("expected customer group source, got %s", res.Source)
	}
	if !res.Price.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected group price 60, got %s", res.Price)
	}
}

func TestPricingResolver_PromotionBeatsEverything(t *testing.T) {
	f := setupPricingTestDB(t)

	if _, err := f.pricing.UpsertBasePrice(f.ctx, f.location.ID, f.product.ID, core.StrategyFixed, decimalPtr(decimal.NewFromInt(100)), nil); err != nil {
		t.Fatalf("UpsertBasePrice failed: %v", err)
	}
	now := time.Now()
	if _, err := f.pricing.CreatePromotion(f.ctx, core.Promotion{
		LocationID: f.location.ID, ProductID: f.product.ID,
		StartDate: now.Add(-24 * time.Hour), EndDate: now.Add(24 * time.Hour),
		PromotionalPrice: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("CreatePromotion failed: %v", err)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1), Date: now})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourcePromotion {
		t.Errorf("expected promotion source, got %s", res.Source)
	}
	if !res.Price.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected promotional price 50, got %s", res.Price)
	}
}

func TestPricingResolver_PromotionRespectsMaxQuantity(t *testing.T) {
	f := setupPricingTestDB(t)

	if _, err := f.pricing.UpsertBasePrice(f.ctx, f.location.ID, f.product.ID, core.StrategyFixed, decimalPtr(decimal.NewFromInt(100)), nil); err != nil {
		t.Fatalf("UpsertBasePrice failed: %v", err)
	}
	now := time.Now()
	maxQty := decimal.NewFromInt(5)
	if _, err := f.pricing.CreatePromotion(f.ctx, core.Promotion{
		LocationID: f.location.ID, ProductID: f.product.ID,
		StartDate: now.Add(-24 * time.Hour), EndDate: now.Add(24 * time.Hour),
		PromotionalPrice: decimal.NewFromInt(50), MaxQuantity: &maxQty,
	}); err != nil {
		t.Fatalf("CreatePromotion failed: %v", err)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10), Date: now})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if res.Source != core.SourceBasePrice {
		t.Errorf("expected promotion to be excluded above max_quantity, got source %s", res.Source)
	}
}

func TestPricingResolver_UpdateMarkupPrices_RewritesActiveMarkupRows(t *testing.T) {
	f := setupPricingTestDB(t)

	markup := decimal.NewFromInt(25)
	bp, err := f.pricing.UpsertBasePrice(f.ctx, f.location.ID, f.product.ID, core.StrategyMarkup, nil, &markup)
	if err != nil {
		t.Fatalf("UpsertBasePrice failed: %v", err)
	}
	if !bp.EffectivePrice.IsZero() {
		t.Fatalf("expected zero effective price before any cost exists, got %s", bp.EffectivePrice)
	}

	count, err := f.pricing.UpdateMarkupPrices(f.ctx, f.location.ID, f.product.ID, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("UpdateMarkupPrices failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 markup row updated, got %d", count)
	}

	res, err := f.pricing.SalePrice(f.ctx, core.SalePriceQuery{LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("SalePrice failed: %v", err)
	}
	if !res.Price.Equal(decimal.NewFromInt(125)) {
		t.Errorf("expected 100 * 1.25 = 125 after markup rewrite, got %s", res.Price)
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
