package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchTrackingMode controls whether a location requires, allows, or
// forbids batch numbers on incoming movements.
type BatchTrackingMode string

const (
	BatchTrackingDisabled BatchTrackingMode = "DISABLED"
	BatchTrackingOptional BatchTrackingMode = "OPTIONAL"
	BatchTrackingEnforced BatchTrackingMode = "ENFORCED"
)

// Location is a physical stock-holding site.
type Location struct {
	ID                       int             `json:"id"`
	Code                     string          `json:"code"`
	Name                     string          `json:"name"`
	AllowNegativeStock       bool            `json:"allow_negative_stock"`
	DefaultMarkupPercentage  decimal.Decimal `json:"default_markup_percentage"`
	BatchTrackingMode        BatchTrackingMode `json:"batch_tracking_mode"`
	CreatedAt                time.Time       `json:"created_at"`
}

// UnitType classifies how a product's quantity is measured.
type UnitType string

const (
	UnitPiece  UnitType = "PIECE"
	UnitWeight UnitType = "WEIGHT"
	UnitVolume UnitType = "VOLUME"
	UnitLength UnitType = "LENGTH"
)

// LifecycleStatus is a product's administrative state.
type LifecycleStatus string

const (
	LifecycleNew         LifecycleStatus = "NEW"
	LifecycleActive      LifecycleStatus = "ACTIVE"
	LifecyclePhaseOut    LifecycleStatus = "PHASE_OUT"
	LifecycleDiscontinued LifecycleStatus = "DISCONTINUED"
)

// Product is a sellable or purchasable catalog item.
type Product struct {
	ID                    int             `json:"id"`
	Code                  string          `json:"code"`
	Name                  string          `json:"name"`
	BaseUnit              string          `json:"base_unit"`
	UnitType              UnitType        `json:"unit_type"`
	TaxGroup              string          `json:"tax_group"`
	LifecycleStatus       LifecycleStatus `json:"lifecycle_status"`
	SalesBlocked          bool            `json:"sales_blocked"`
	PurchaseBlocked       bool            `json:"purchase_blocked"`
	TrackBatches          bool            `json:"track_batches"`
	EnableSerialTracking  bool            `json:"enable_serial_tracking"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Validate checks the invariants from the data model that are cheap enough
// to enforce in Go rather than as a database constraint.
func (p Product) Validate() error {
	if p.TrackBatches && p.UnitType == UnitPiece && p.EnableSerialTracking {
		return NewCodedError(CodeValidation, "product cannot enable both batch tracking and serial tracking for a PIECE unit type")
	}
	return nil
}

// MovementType is the kind of stock change a MovementRecord represents.
type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementProduction MovementType = "PRODUCTION"
	MovementCycleCount MovementType = "CYCLE_COUNT"
)

// IsOutgoingAt reports whether this movement reduces quantity at locationID.
// A TRANSFER row carries both FromLocationID and ToLocationID on the same
// record; its source leg is outgoing at FromLocationID — unlike a naive
// Type=="OUT" check, which would miss it (see the numbering of analytics
// fixes in DESIGN.md).
func (m MovementRecord) IsOutgoingAt(locationID int) bool {
	switch m.Type {
	case MovementOut:
		return true
	case MovementTransfer:
		return m.FromLocationID != nil && *m.FromLocationID == locationID
	default:
		return false
	}
}

// IsIncomingAt reports whether this movement increases quantity at locationID.
// A TRANSFER row is the source leg of a transfer and the destination leg is
// its own IN row, so a TRANSFER row is never incoming.
func (m MovementRecord) IsIncomingAt(locationID int) bool {
	switch m.Type {
	case MovementIn, MovementProduction:
		return true
	default:
		return false
	}
}

// SourceDocumentKind identifies what caused a movement to be written.
// REVERSAL is reserved for compensating movements created by Reverse.
const SourceKindReversal = "REVERSAL"

// MovementRecord is an immutable entry in the append-only ledger.
type MovementRecord struct {
	ID                    int64           `json:"id"`
	LocationID             int             `json:"location_id"`
	ProductID              int             `json:"product_id"`
	Type                   MovementType    `json:"type"`
	Quantity               decimal.Decimal `json:"quantity"`
	CostPrice              decimal.Decimal `json:"cost_price"`
	SalePrice              *decimal.Decimal `json:"sale_price,omitempty"`
	ProfitAmount           *decimal.Decimal `json:"profit_amount,omitempty"`
	ProfitMarginPercentage *decimal.Decimal `json:"profit_margin_percentage,omitempty"`
	BatchNumber            *string         `json:"batch_number,omitempty"`
	ExpiryDate             *time.Time      `json:"expiry_date,omitempty"`
	FromLocationID         *int            `json:"from_location_id,omitempty"`
	ToLocationID           *int            `json:"to_location_id,omitempty"`
	SourceDocumentKind     string          `json:"source_document_kind"`
	SourceDocumentNumber   string          `json:"source_document_number"`
	Reason                 string          `json:"reason"`
	MovementDate           time.Time       `json:"movement_date"`
	CreatedAt              time.Time       `json:"created_at"`
}

// deriveProfit fills ProfitAmount and ProfitMarginPercentage from SalePrice
// and CostPrice. appendTx calls it before every insert, so a movement is
// persisted with its profit already set; no database trigger and no
// read-side hook computes it.
func (m *MovementRecord) deriveProfit() {
	if m.SalePrice == nil {
		return
	}
	profit := m.SalePrice.Sub(m.CostPrice)
	m.ProfitAmount = &profit
	if m.SalePrice.IsPositive() {
		margin := profit.Div(*m.SalePrice).Mul(decimal.NewFromInt(100))
		m.ProfitMarginPercentage = &margin
	}
}

// BalanceCache is the derived aggregate for one (location, product) pair.
type BalanceCache struct {
	LocationID       int             `json:"location_id"`
	ProductID        int             `json:"product_id"`
	CurrentQty       decimal.Decimal `json:"current_qty"`
	ReservedQty      decimal.Decimal `json:"reserved_qty"`
	AvgCost          decimal.Decimal `json:"avg_cost"`
	LastPurchaseCost *decimal.Decimal `json:"last_purchase_cost,omitempty"`
	LastPurchaseDate *time.Time      `json:"last_purchase_date,omitempty"`
	LastSalePrice    *decimal.Decimal `json:"last_sale_price,omitempty"`
	LastSaleDate     *time.Time      `json:"last_sale_date,omitempty"`
	MinStockLevel    decimal.Decimal `json:"min_stock_level"`
	MaxStockLevel    decimal.Decimal `json:"max_stock_level"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AvailableQty is current on-hand quantity net of soft reservations.
func (b BalanceCache) AvailableQty() decimal.Decimal {
	return b.CurrentQty.Sub(b.ReservedQty)
}

// BatchCache is the derived FIFO aggregate for one (location, product, batch
// number). ExpiryDate is stored on the row but is not part of its key:
// receipts of one batch number with different expiry dates share one row.
type BatchCache struct {
	LocationID     int             `json:"location_id"`
	ProductID      int             `json:"product_id"`
	BatchNumber    string          `json:"batch_number"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	ReceivedQty    decimal.Decimal `json:"received_qty"`
	RemainingQty   decimal.Decimal `json:"remaining_qty"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	ReceivedDate   time.Time       `json:"received_date"`
	IsUnknownBatch bool            `json:"is_unknown_batch"`
	ConversionDate *time.Time      `json:"conversion_date,omitempty"`
}

// Customer is the minimal partner record the Pricing Resolver needs: its
// price group gates GroupPrice lookups and promotion eligibility (§4.5).
// The spec treats suppliers/customers as narrow external references, not a
// full partner master — this mirrors that (a code, a name, one price group).
type Customer struct {
	ID         int    `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	PriceGroup string `json:"price_group"`
}
