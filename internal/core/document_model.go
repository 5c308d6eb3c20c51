package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentKind discriminates the single concrete Document struct into the
// three document families the engine tracks (§9 "mixins and multiple
// inheritance" redesign note: one struct, one discriminant, no is-a).
type DocumentKind string

const (
	DocumentKindPurchaseRequest DocumentKind = "PURCHASE_REQUEST"
	DocumentKindPurchaseOrder  DocumentKind = "PURCHASE_ORDER"
	DocumentKindDeliveryReceipt DocumentKind = "DELIVERY_RECEIPT"
)

// DocumentType is the workflow configuration a Document references; it owns
// the set of DocumentTypeStatus rows that declare side effects per status.
type DocumentType struct {
	ID               int    `json:"id"`
	TypeKey          string `json:"type_key"`
	RequiresApproval bool   `json:"requires_approval"`
}

// MovementDirection is which ledger direction a status's inventory side
// effect produces.
type MovementDirection string

const (
	MovementDirectionIn  MovementDirection = "IN"
	MovementDirectionOut MovementDirection = "OUT"
)

// DocumentTypeStatus declares what a status means for one document type:
// whether it's editable, initial, a cancellation/final state, and which
// inventory side effects firing into this status (or editing while in it)
// should trigger (§4.6).
type DocumentTypeStatus struct {
	ID                         int
	DocumentTypeID             int
	StatusKey                  string
	IsInitial                  bool
	IsCancellation             bool
	IsFinal                    bool
	AllowsEditing              bool
	CreatesInventoryMovements  bool
	ReversesInventoryMovements bool
	AllowsMovementCorrection   bool
	AutoCorrectMovementsOnEdit bool
	MovementDirection          MovementDirection
}

// DocumentStatusTransition is a declared edge in a document type's workflow
// graph; ApprovalRule further gates who may traverse it and under what
// amount range.
type DocumentStatusTransition struct {
	DocumentTypeID int
	FromStatus     string
	ToStatus       string
}

// ApprovalRule is one entry considered by the Approval Engine (C8) when
// resolving a status transition.
type ApprovalRule struct {
	ID                  int
	DocumentTypeID      int
	FromStatus          string
	ToStatus            string
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	RequiredApproverSet []string
	Priority            int
	Level               int
}

// ApprovalLog is the immutable audit trail row written by every executed
// transition (§4.7 "every executed transition writes exactly one ApprovalLog
// entry").
type ApprovalLog struct {
	ID          int64
	DocumentID  int
	Actor       string
	FromStatus  string
	ToStatus    string
	RuleMatched *int
	Timestamp   time.Time
	Comments    string
}

// Document is the single concrete struct backing all three document kinds
// (§9): DocumentKind plus LocationID plus the workflow fields shared by
// requests, orders, and receipts. Kind-specific fields (UrgencyLevel,
// RequestedBy, ConvertedOrderID) are simply nil/zero when not applicable to
// the kind in play, rather than living on separate per-kind structs.
type Document struct {
	ID               int             `json:"id"`
	DocumentNumber   string          `json:"document_number"`
	DocumentDate     time.Time       `json:"document_date"`
	Kind             DocumentKind    `json:"document_kind"`
	DocumentTypeID   int             `json:"document_type_id"`
	Status           string          `json:"status"`
	Supplier         string          `json:"supplier"`
	LocationID       int             `json:"location_id"`
	VATIncluded      bool            `json:"vat_included"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	VATAmount        decimal.Decimal `json:"vat_amount"`
	UrgencyLevel     *string         `json:"urgency_level,omitempty"`
	RequestedBy      *string         `json:"requested_by,omitempty"`
	ConvertedOrderID *int            `json:"converted_order_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DocumentLine is one line of a Document. TaxRatePercent is supplied by the
// caller (resolved externally from the product's tax_group, the same way
// product validation is an external collaborator contract per §6) rather
// than looked up here, keeping this engine's boundary narrow.
type DocumentLine struct {
	DocumentID      int             `json:"document_id"`
	LineNumber      int             `json:"line_number"`
	ProductID       int             `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxRatePercent  decimal.Decimal `json:"tax_rate_percent"`
	BatchNumber     *string         `json:"batch_number,omitempty"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty"`
	LineTotal       decimal.Decimal `json:"line_total"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
}

// computeLineTotals fills LineTotal and VATAmount per §4.6:
// line_total = quantity * unit_price * (1 - discount%/100);
// vat_amount is line_total*rate/100 when VAT is excluded from unit_price,
// or derived as line_total*rate/(100+rate) when the unit_price already
// includes VAT.
func (l *DocumentLine) computeLineTotals(vatIncluded bool) {
	hundred := decimal.NewFromInt(100)
	discountFactor := hundred.Sub(l.DiscountPercent).Div(hundred)
	l.LineTotal = l.Quantity.Mul(l.UnitPrice).Mul(discountFactor)

	if l.TaxRatePercent.IsZero() {
		l.VATAmount = decimal.Zero
		return
	}
	if vatIncluded {
		l.VATAmount = l.LineTotal.Mul(l.TaxRatePercent).Div(hundred.Add(l.TaxRatePercent))
	} else {
		l.VATAmount = l.LineTotal.Mul(l.TaxRatePercent).Div(hundred)
	}
}

// documentTotals sums LineTotal and VATAmount across lines into a
// Document's cached total_amount/vat_amount (§4.6: "recomputed when lines
// change").
func documentTotals(lines []DocumentLine) (total, vat decimal.Decimal) {
	for _, l := range lines {
		total = total.Add(l.LineTotal)
		vat = vat.Add(l.VATAmount)
	}
	return total, vat
}
