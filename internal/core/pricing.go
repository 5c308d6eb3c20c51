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

// PriceSource tags which tier of §4.5 produced a resolved sale price. The
// original Python exposes this as `get_applied_pricing_rule`; spec.md's
// §4.5 only describes the priority order, so this supplements it with the
// source tag per SPEC_FULL.md supplement 1.
type PriceSource string

const (
	SourcePromotion     PriceSource = "PROMOTION"
	SourceCustomerGroup PriceSource = "CUSTOMER_GROUP"
	SourceStepPrice     PriceSource = "STEP_PRICE"
	SourceBasePrice     PriceSource = "BASE_PRICE"
	SourceFallback      PriceSource = "FALLBACK"
)

// BaseStrategy is the pricing method a BasePrice or PackagingPrice uses to
// compute its EffectivePrice (§3).
type BaseStrategy string

const (
	StrategyFixed  BaseStrategy = "FIXED"
	StrategyMarkup BaseStrategy = "MARKUP"
	StrategyAuto   BaseStrategy = "AUTO"
)

// BasePrice is the one-per-(location,product) price record (§3).
type BasePrice struct {
	ID               int
	LocationID       int
	ProductID        int
	Strategy         BaseStrategy
	Price            *decimal.Decimal
	MarkupPercentage *decimal.Decimal
	EffectivePrice   decimal.Decimal
	IsActive         bool
}

// GroupPrice is a per-(location, product, price_group, min_quantity) price.
type GroupPrice struct {
	LocationID  int
	ProductID   int
	PriceGroup  string
	MinQuantity decimal.Decimal
	Price       decimal.Decimal
}

// StepPrice is a per-(location, product, min_quantity) quantity break.
type StepPrice struct {
	LocationID  int
	ProductID   int
	MinQuantity decimal.Decimal
	Price       decimal.Decimal
}

// Promotion is a time-boxed promotional price (§3).
type Promotion struct {
	ID               int
	LocationID       int
	ProductID        int
	StartDate        time.Time
	EndDate          time.Time
	PromotionalPrice decimal.Decimal
	MinQuantity      *decimal.Decimal
	MaxQuantity      *decimal.Decimal
	CustomerGroup    *string
	Priority         int
}

// PackagingPrice prices a specific packaging unit independently of the base
// product price (§4.5 "Barcode pricing").
type PackagingPrice struct {
	ID               int
	LocationID       int
	ProductID        int
	PackagingUnit    string
	Strategy         BaseStrategy
	Price            *decimal.Decimal
	MarkupPercentage *decimal.Decimal
	EffectivePrice   decimal.Decimal
	ConversionFactor decimal.Decimal
}

// SalePriceQuery is the input to PricingResolver.SalePrice.
type SalePriceQuery struct {
	LocationID    int
	ProductID     int
	CustomerGroup string
	Quantity      decimal.Decimal
	Date          time.Time
}

// PriceResolution is SalePrice's return value: the price plus the tier that
// produced it, per SPEC_FULL.md supplement 1.
type PriceResolution struct {
	Price  decimal.Decimal
	Source PriceSource
}

// BarcodeResolution is GetBarcodePricing's structured result (§4.5).
type BarcodeResolution struct {
	ProductID            int
	PackagingUnit        string
	Price                decimal.Decimal
	UnitPrice            decimal.Decimal
	QuantityRepresented  decimal.Decimal
	PricingType          string // "PACKAGING" or "PRODUCT"
}

// PricingResolver is the layered price lookup engine (C6).
type PricingResolver interface {
	SalePrice(ctx context.Context, q SalePriceQuery) (PriceResolution, error)
	GetBarcodePricing(ctx context.Context, locationID int, barcode string, quantity decimal.Decimal) (BarcodeResolution, error)
	// UpdateMarkupPrices rewrites the effective price of every active MARKUP
	// BasePrice for (locationID, productID) when the Movement Processor
	// detects a >5% avg_cost change (§4.3, §4.5).
	UpdateMarkupPrices(ctx context.Context, locationID, productID int, newCost decimal.Decimal) (int, error)

	// UpsertBasePrice creates or replaces the single BasePrice row for
	// (locationID, productID), computing EffectivePrice from its strategy.
	UpsertBasePrice(ctx context.Context, locationID, productID int, strategy BaseStrategy, price, markup *decimal.Decimal) (BasePrice, error)
	UpsertGroupPrice(ctx context.Context, gp GroupPrice) (GroupPrice, error)
	UpsertStepPrice(ctx context.Context, sp StepPrice) (StepPrice, error)
	CreatePromotion(ctx context.Context, promo Promotion) (Promotion, error)
	UpsertPackagingPrice(ctx context.Context, pp PackagingPrice) (PackagingPrice, error)
}

type pricingResolver struct {
	pool      *pgxpool.Pool
	locations LocationStore
	balances  BalanceCacheStore
}

// NewPricingResolver constructs the Pricing Resolver over the pool.
func NewPricingResolver(pool *pgxpool.Pool, locations LocationStore, balances BalanceCacheStore) PricingResolver {
	return &pricingResolver{pool: pool, locations: locations, balances: balances}
}

// SalePrice resolves by strict priority, short-circuiting on the first tier
// that produces a positive value (§4.5): active promotion, customer-group
// price, step price, base price, cost-plus-markup fallback.
func (r *pricingResolver) SalePrice(ctx context.Context, q SalePriceQuery) (PriceResolution, error) {
	if q.Quantity.IsZero() {
		q.Quantity = decimal.NewFromInt(1)
	}
	if q.Date.IsZero() {
		q.Date = time.Now()
	}

	if price, ok, err := r.promotionalPrice(ctx, q); err != nil {
		return PriceResolution{}, err
	} else if ok {
		return PriceResolution{Price: price, Source: SourcePromotion}, nil
	}

	if q.CustomerGroup != "" {
		if price, ok, err := r.groupPrice(ctx, q.LocationID, q.ProductID, q.CustomerGroup, q.Quantity); err != nil {
			return PriceResolution{}, err
		} else if ok {
			return PriceResolution{Price: price, Source: SourceCustomerGroup}, nil
		}
	}

	if price, ok, err := r.stepPrice(ctx, q.LocationID, q.ProductID, q.Quantity); err != nil {
		return PriceResolution{}, err
	} else if ok {
		return PriceResolution{Price: price, Source: SourceStepPrice}, nil
	}

	if price, ok, err := r.basePrice(ctx, q.LocationID, q.ProductID); err != nil {
		return PriceResolution{}, err
	} else if ok {
		return PriceResolution{Price: price, Source: SourceBasePrice}, nil
	}

	fallback, err := r.fallbackPrice(ctx, q.LocationID, q.ProductID)
	if err != nil {
		return PriceResolution{}, err
	}
	return PriceResolution{Price: fallback, Source: SourceFallback}, nil
}

// promotionalPrice finds the promotion with the lowest promotional_price
// among those active on q.Date, matching the customer group (or unrestricted),
// and within [min_quantity, max_quantity] — both bounds, per the REDESIGN
// resolution of Open Question 2 (the original only enforced min_quantity).
// Ties are broken by higher priority.
func (r *pricingResolver) promotionalPrice(ctx context.Context, q SalePriceQuery) (decimal.Decimal, bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT promotional_price, min_quantity, max_quantity, customer_group, priority
		FROM promotions
		WHERE location_id = $1 AND product_id = $2 AND start_date <= $3 AND end_date >= $3
		ORDER BY promotional_price ASC, priority DESC
	`, q.LocationID, q.ProductID, q.Date)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query promotions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var price decimal.Decimal
		var minQty, maxQty *decimal.Decimal
		var group *string
		var priority int
		if err := rows.Scan(&price, &minQty, &maxQty, &group, &priority); err != nil {
			return decimal.Zero, false, fmt.Errorf("failed to scan promotion: %w", err)
		}
		if group != nil && *group != "" && *group != q.CustomerGroup {
			continue
		}
		if minQty != nil && q.Quantity.LessThan(*minQty) {
			continue
		}
		if maxQty != nil && q.Quantity.GreaterThan(*maxQty) {
			continue
		}
		if price.IsPositive() {
			return price, true, nil
		}
	}
	return decimal.Zero, false, rows.Err()
}

func (r *pricingResolver) groupPrice(ctx context.Context, locationID, productID int, group string, qty decimal.Decimal) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT price FROM group_prices
		WHERE location_id = $1 AND product_id = $2 AND price_group = $3 AND min_quantity <= $4
		ORDER BY min_quantity DESC LIMIT 1
	`, locationID, productID, group, qty).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query group price: %w", err)
	}
	return price, price.IsPositive(), nil
}

// stepPrice returns the record with the greatest min_quantity <= qty (§4.5).
func (r *pricingResolver) stepPrice(ctx context.Context, locationID, productID int, qty decimal.Decimal) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT price FROM step_prices
		WHERE location_id = $1 AND product_id = $2 AND min_quantity <= $3
		ORDER BY min_quantity DESC LIMIT 1
	`, locationID, productID, qty).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query step price: %w", err)
	}
	return price, price.IsPositive(), nil
}

func (r *pricingResolver) basePrice(ctx context.Context, locationID, productID int) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT effective_price FROM base_prices
		WHERE location_id = $1 AND product_id = $2 AND is_active = true
	`, locationID, productID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query base price: %w", err)
	}
	return price, price.IsPositive(), nil
}

// fallbackPrice is cost_from_inventory * (1 + location.default_markup / 100).
func (r *pricingResolver) fallbackPrice(ctx context.Context, locationID, productID int) (decimal.Decimal, error) {
	balance, err := r.balances.Get(ctx, locationID, productID)
	if err != nil {
		var ce *CodedError
		if errors.As(err, &ce) && ce.Code == CodeItemNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to read cost for fallback price: %w", err)
	}
	if balance.AvgCost.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	loc, err := r.locations.ByID(ctx, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	price := balance.AvgCost.Mul(decimal.NewFromInt(1).Add(loc.DefaultMarkupPercentage.Div(decimal.NewFromInt(100))))
	if price.IsNegative() {
		return decimal.Zero, nil
	}
	return price, nil
}

// effectiveFromStrategy computes a BasePrice/PackagingPrice's effective
// price from its strategy (§4.5 "Base-price effective computation").
func (r *pricingResolver) effectiveFromStrategy(ctx context.Context, locationID, productID int, strategy BaseStrategy, price, markup *decimal.Decimal) (decimal.Decimal, error) {
	switch strategy {
	case StrategyFixed:
		if price == nil {
			return decimal.Zero, NewCodedError(CodeValidation, "FIXED strategy requires a base_price")
		}
		return *price, nil
	case StrategyMarkup, StrategyAuto:
		balance, err := r.balances.Get(ctx, locationID, productID)
		cost := decimal.Zero
		if err == nil {
			cost = balance.AvgCost
		}
		markupPct := decimal.Zero
		if strategy == StrategyMarkup {
			if markup == nil {
				return decimal.Zero, NewCodedError(CodeValidation, "MARKUP strategy requires a markup_percentage")
			}
			markupPct = *markup
		} else {
			loc, err := r.locations.ByID(ctx, locationID)
			if err != nil {
				return decimal.Zero, err
			}
			markupPct = loc.DefaultMarkupPercentage
		}
		return cost.Mul(decimal.NewFromInt(1).Add(markupPct.Div(decimal.NewFromInt(100)))), nil
	default:
		return decimal.Zero, NewCodedError(CodeValidation, "unknown base price strategy %q", strategy)
	}
}

// UpdateMarkupPrices walks every active MARKUP BasePrice for (locationID,
// productID) and rewrites its effective price from newCost (§4.5).
func (r *pricingResolver) UpdateMarkupPrices(ctx context.Context, locationID, productID int, newCost decimal.Decimal) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, markup_percentage FROM base_prices
		WHERE location_id = $1 AND product_id = $2 AND strategy = 'MARKUP' AND is_active = true
	`, locationID, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to query markup base prices: %w", err)
	}
	type row struct {
		id     int
		markup decimal.Decimal
	}
	var toUpdate []row
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.id, &rw.markup); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan markup base price: %w", err)
		}
		toUpdate = append(toUpdate, rw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, rw := range toUpdate {
		newPrice := newCost.Mul(decimal.NewFromInt(1).Add(rw.markup.Div(decimal.NewFromInt(100))))
		if _, err := r.pool.Exec(ctx, `
			UPDATE base_prices SET effective_price = $1, updated_at = NOW() WHERE id = $2
		`, newPrice, rw.id); err != nil {
			return count, fmt.Errorf("failed to update markup base price %d: %w", rw.id, err)
		}
		count++
	}
	return count, nil
}

// GetBarcodePricing resolves §4.5's "Barcode pricing": if the barcode is
// linked to a packaging unit, that packaging's price takes precedence over
// the base product price, and its per-unit price is divided by the
// packaging's conversion factor.
func (r *pricingResolver) GetBarcodePricing(ctx context.Context, locationID int, barcode string, quantity decimal.Decimal) (BarcodeResolution, error) {
	var productID int
	var packagingUnit *string
	err := r.pool.QueryRow(ctx, `SELECT product_id, packaging_unit FROM product_barcodes WHERE barcode = $1`, barcode).
		Scan(&productID, &packagingUnit)
	if errors.Is(err, pgx.ErrNoRows) {
		return BarcodeResolution{}, NewCodedError(CodeItemNotFound, "barcode %q not found", barcode)
	}
	if err != nil {
		return BarcodeResolution{}, fmt.Errorf("failed to resolve barcode %q: %w", barcode, err)
	}

	if packagingUnit != nil && *packagingUnit != "" {
		var price, conversion decimal.Decimal
		err := r.pool.QueryRow(ctx, `
			SELECT effective_price, conversion_factor FROM packaging_prices
			WHERE location_id = $1 AND product_id = $2 AND packaging_unit = $3
		`, locationID, productID, *packagingUnit).Scan(&price, &conversion)
		if err == nil && conversion.IsPositive() {
			return BarcodeResolution{
				ProductID: productID, PackagingUnit: *packagingUnit, Price: price,
				UnitPrice: price.Div(conversion), QuantityRepresented: conversion, PricingType: "PACKAGING",
			}, nil
		}
	}

	resolution, err := r.SalePrice(ctx, SalePriceQuery{LocationID: locationID, ProductID: productID, Quantity: quantity})
	if err != nil {
		return BarcodeResolution{}, err
	}
	return BarcodeResolution{
		ProductID: productID, Price: resolution.Price, UnitPrice: resolution.Price,
		QuantityRepresented: decimal.NewFromInt(1), PricingType: "PRODUCT",
	}, nil
}

// UpsertBasePrice creates or replaces (location, product)'s single BasePrice
// row, computing EffectivePrice from its strategy (§4.5).
func (r *pricingResolver) UpsertBasePrice(ctx context.Context, locationID, productID int, strategy BaseStrategy, price, markup *decimal.Decimal) (BasePrice, error) {
	effective, err := r.effectiveFromStrategy(ctx, locationID, productID, strategy, price, markup)
	if err != nil {
		return BasePrice{}, err
	}
	var bp BasePrice
	err = r.pool.QueryRow(ctx, `
		INSERT INTO base_prices (location_id, product_id, strategy, base_price, markup_percentage, effective_price, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		ON CONFLICT (location_id, product_id) DO UPDATE SET
			strategy = EXCLUDED.strategy, base_price = EXCLUDED.base_price,
			markup_percentage = EXCLUDED.markup_percentage, effective_price = EXCLUDED.effective_price,
			is_active = true, updated_at = NOW()
		RETURNING id, location_id, product_id, strategy, base_price, markup_percentage, effective_price, is_active
	`, locationID, productID, strategy, price, markup, effective).Scan(
		&bp.ID, &bp.LocationID, &bp.ProductID, &bp.Strategy, &bp.Price, &bp.MarkupPercentage, &bp.EffectivePrice, &bp.IsActive,
	)
	if err != nil {
		return BasePrice{}, fmt.Errorf("failed to upsert base price: %w", err)
	}
	return bp, nil
}

func (r *pricingResolver) UpsertGroupPrice(ctx context.Context, gp GroupPrice) (GroupPrice, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO group_prices (location_id, product_id, price_group, min_quantity, price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (location_id, product_id, price_group, min_quantity) DO UPDATE SET price = EXCLUDED.price
		RETURNING location_id, product_id, price_group, min_quantity, price
	`, gp.LocationID, gp.ProductID, gp.PriceGroup, gp.MinQuantity, gp.Price).Scan(
		&gp.LocationID, &gp.ProductID, &gp.PriceGroup, &gp.MinQuantity, &gp.Price,
	)
	if err != nil {
		return GroupPrice{}, fmt.Errorf("failed to upsert group price: %w", err)
	}
	return gp, nil
}

func (r *pricingResolver) UpsertStepPrice(ctx context.Context, sp StepPrice) (StepPrice, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO step_prices (location_id, product_id, min_quantity, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (location_id, product_id, min_quantity) DO UPDATE SET price = EXCLUDED.price
		RETURNING location_id, product_id, min_quantity, price
	`, sp.LocationID, sp.ProductID, sp.MinQuantity, sp.Price).Scan(
		&sp.LocationID, &sp.ProductID, &sp.MinQuantity, &sp.Price,
	)
	if err != nil {
		return StepPrice{}, fmt.Errorf("failed to upsert step price: %w", err)
	}
	return sp, nil
}

func (r *pricingResolver) CreatePromotion(ctx context.Context, promo Promotion) (Promotion, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO promotions (location_id, product_id, start_date, end_date, promotional_price, min_quantity, max_quantity, customer_group, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, location_id, product_id, start_date, end_date, promotional_price, min_quantity, max_quantity, customer_group, priority
	`, promo.LocationID, promo.ProductID, promo.StartDate, promo.EndDate, promo.PromotionalPrice,
		promo.MinQuantity, promo.MaxQuantity, promo.CustomerGroup, promo.Priority,
	).Scan(
		&promo.ID, &promo.LocationID, &promo.ProductID, &promo.StartDate, &promo.EndDate, &promo.PromotionalPrice,
		&promo.MinQuantity, &promo.MaxQuantity, &promo.CustomerGroup, &promo.Priority,
	)
	if err != nil {
		return Promotion{}, fmt.Errorf("failed to create promotion: %w", err)
	}
	return promo, nil
}

func (r *pricingResolver) UpsertPackagingPrice(ctx context.Context, pp PackagingPrice) (PackagingPrice, error) {
	effective, err := r.effectiveFromStrategy(ctx, pp.LocationID, pp.ProductID, pp.Strategy, pp.Price, pp.MarkupPercentage)
	if err != nil {
		return PackagingPrice{}, err
	}
	pp.EffectivePrice = effective
	err = r.pool.QueryRow(ctx, `
		INSERT INTO packaging_prices (location_id, packaging_unit, strategy, base_price, markup_percentage, effective_price, conversion_factor, product_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location_id, packaging_unit) DO UPDATE SET
			strategy = EXCLUDED.strategy, base_price = EXCLUDED.base_price,
			markup_percentage = EXCLUDED.markup_percentage, effective_price = EXCLUDED.effective_price,
			conversion_factor = EXCLUDED.conversion_factor
		RETURNING id, location_id, packaging_unit, strategy, base_price, markup_percentage, effective_price, conversion_factor, product_id
	`, pp.LocationID, pp.PackagingUnit, pp.Strategy, pp.Price, pp.MarkupPercentage, pp.EffectivePrice, pp.ConversionFactor, pp.ProductID).Scan(
		&pp.ID, &pp.LocationID, &pp.PackagingUnit, &pp.Strategy, &pp.Price, &pp.MarkupPercentage, &pp.EffectivePrice, &pp.ConversionFactor, &pp.ProductID,
	)
	if err != nil {
		return PackagingPrice{}, fmt.Errorf("failed to upsert packaging price: %w", err)
	}
	return pp, nil
}
