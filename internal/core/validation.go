package core

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ValidationData is the structured payload a ProductValidator result carries.
type ValidationData struct {
	ProductCode string          `json:"product_code"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// ProductValidator is the external collaborator contract consumed by the
// Movement Processor (§6): validate_sale / validate_purchase. It is kept as
// a narrow interface rather than folded into the processor itself, matching
// the "consumed collaborator" framing of §6 — an alternate backing (a rules
// engine, a remote catalog service) could implement it without touching C4.
type ProductValidator interface {
	ValidateSale(ctx context.Context, productID, locationID int, quantity decimal.Decimal) Result[ValidationData]
	ValidatePurchase(ctx context.Context, productID int, quantity decimal.Decimal, supplier string) Result[ValidationData]
}

type productValidator struct {
	products  ProductStore
	locations LocationStore
	balances  BalanceCacheStore
}

// NewProductValidator builds the default ProductValidator, backed by this
// module's own product/location/balance tables.
func NewProductValidator(products ProductStore, locations LocationStore, balances BalanceCacheStore) ProductValidator {
	return &productValidator{products: products, locations: locations, balances: balances}
}

func (v *productValidator) ValidateSale(ctx context.Context, productID, locationID int, quantity decimal.Decimal) Result[ValidationData] {
	p, err := v.products.ByID(ctx, productID)
	if err != nil {
		return Fail[ValidationData](CodeItemNotFound, "product %d not found: %v", productID, err)
	}
	data := ValidationData{ProductCode: p.Code, Quantity: quantity}

	if p.SalesBlocked {
		return Fail[ValidationData](CodeSalesBlocked, "product %s is blocked for sale", p.Code)
	}
	if p.LifecycleStatus != LifecycleActive && p.LifecycleStatus != LifecyclePhaseOut {
		return Fail[ValidationData](CodeLifecycleRestricted, "product %s cannot be sold in lifecycle status %s", p.Code, p.LifecycleStatus)
	}
	if p.UnitType == UnitPiece && !quantity.Equal(quantity.Truncate(0)) {
		return Fail[ValidationData](CodeFractionalPieces, "product %s is sold by the piece; quantity %s is not a whole number", p.Code, quantity)
	}

	loc, err := v.locations.ByID(ctx, locationID)
	if err != nil {
		return Fail[ValidationData](CodeItemNotFound, "location %d not found: %v", locationID, err)
	}

	balance, err := v.balances.Get(ctx, locationID, productID)
	if err != nil {
		var ce *CodedError
		if errors.As(err, &ce) && ce.Code == CodeItemNotFound {
			return Fail[ValidationData](CodeNoStock, "no stock recorded for product %s at location %s", p.Code, loc.Code)
		}
		return Fail[ValidationData](CodeAvailabilityError, "failed to read stock for product %s: %v", p.Code, err)
	}
	if !loc.AllowNegativeStock && balance.AvailableQty().LessThan(quantity) {
		return Fail[ValidationData](CodeInsufficientStock, "insufficient stock for product %s at %s: available %s, requested %s",
			p.Code, loc.Code, balance.AvailableQty(), quantity)
	}

	return Ok(data)
}

func (v *productValidator) ValidatePurchase(ctx context.Context, productID int, quantity decimal.Decimal, supplier string) Result[ValidationData] {
	p, err := v.products.ByID(ctx, productID)
	if err != nil {
		return Fail[ValidationData](CodeItemNotFound, "product %d not found: %v", productID, err)
	}
	data := ValidationData{ProductCode: p.Code, Quantity: quantity}

	if p.PurchaseBlocked {
		return Fail[ValidationData](CodePurchaseBlocked, "product %s is blocked for purchase", p.Code)
	}
	if p.LifecycleStatus == LifecycleDiscontinued {
		return Fail[ValidationData](CodeLifecycleRestricted, "product %s is discontinued and cannot be purchased", p.Code)
	}
	if p.UnitType == UnitPiece && !quantity.Equal(quantity.Truncate(0)) {
		return Fail[ValidationData](CodeFractionalPieces, "product %s is purchased by the piece; quantity %s is not a whole number", p.Code, quantity)
	}

	return Ok(data)
}
