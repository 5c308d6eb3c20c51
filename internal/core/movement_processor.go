package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// costChangeThresholdPercent is the avg_cost delta (§4.3) that triggers a
// markup-price recompute after an incoming movement.
const costChangeThresholdPercent = 5

// MovementProcessor is the transactional writer (C4): the only component
// permitted to append to the ledger. The plain methods run in their own
// transaction; the Tx variants run inside a transaction the caller already
// holds open — used by the Approval Engine so a document transition and the
// inventory movements it triggers commit or roll back together (§4.7:
// "invokes the side-effect hooks ... SIDE_EFFECT_FAILED rolls back"). Every
// variant locks affected balance/batch rows in the order required by §5
// (balance rows first by (location_id, product_id) ascending, batch rows
// second in FIFO order).
type MovementProcessor interface {
	CreateIncoming(ctx context.Context, in IncomingInput) (MovementRecord, error)
	CreateIncomingTx(ctx context.Context, tx pgx.Tx, in IncomingInput) (MovementRecord, error)
	CreateOutgoing(ctx context.Context, in OutgoingInput) ([]MovementRecord, error)
	CreateOutgoingTx(ctx context.Context, tx pgx.Tx, in OutgoingInput) ([]MovementRecord, error)
	CreateTransfer(ctx context.Context, in TransferInput) (out, in2 []MovementRecord, err error)
	CreateAdjustment(ctx context.Context, in AdjustmentInput) (MovementRecord, error)
	Reverse(ctx context.Context, movementID int64, reason string) (MovementRecord, error)
	ReverseTx(ctx context.Context, tx pgx.Tx, movementID int64, reason string) (MovementRecord, error)
}

type movementProcessor struct {
	pool      *pgxpool.Pool
	validator ProductValidator
	products  ProductStore
	locations LocationStore
	pricing   PricingResolver
	// Logger receives non-fatal cache-refresh failures per §4.3/§7; defaults
	// to log.Default() so tests can inject their own and assert on it.
	Logger *log.Logger
}

// NewMovementProcessor wires C4 over its dependencies. pricing may be nil if
// the caller does not want cost-change markup propagation wired in (e.g. in
// a context that only exercises ledger mechanics).
func NewMovementProcessor(pool *pgxpool.Pool, validator ProductValidator, products ProductStore, locations LocationStore, pricing PricingResolver) MovementProcessor {
	return &movementProcessor{
		pool: pool, validator: validator, products: products, locations: locations,
		pricing: pricing, Logger: log.Default(),
	}
}

func (p *movementProcessor) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// IncomingInput is the argument struct for CreateIncoming.
type IncomingInput struct {
	LocationID           int
	ProductID            int
	Quantity             decimal.Decimal
	CostPrice            decimal.Decimal
	SourceDocumentKind   string
	SourceDocumentNumber string
	BatchNumber          *string
	ExpiryDate           *time.Time
	MovementDate         time.Time
	Reason               string
}

// CreateIncoming runs CreateIncomingTx in its own transaction, then (after
// commit) propagates any >5% avg_cost change to the Pricing Resolver.
func (p *movementProcessor) CreateIncoming(ctx context.Context, in IncomingInput) (MovementRecord, error) {
	oldBalance, oldErr := NewBalanceCacheStore(p.pool).Get(ctx, in.LocationID, in.ProductID)
	hadOldBalance := oldErr == nil

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return MovementRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := p.createIncomingInTx(ctx, tx, in)
	if err != nil {
		return MovementRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MovementRecord{}, fmt.Errorf("failed to commit incoming movement: %w", err)
	}

	if p.pricing != nil && hadOldBalance && oldBalance.AvgCost.IsPositive() {
		newBalance, err := NewBalanceCacheStore(p.pool).Get(ctx, in.LocationID, in.ProductID)
		if err == nil {
			change := newBalance.AvgCost.Sub(oldBalance.AvgCost).Abs().Div(oldBalance.AvgCost).Mul(decimal.NewFromInt(100))
			if change.GreaterThan(decimal.NewFromInt(costChangeThresholdPercent)) {
				if _, err := p.pricing.UpdateMarkupPrices(ctx, in.LocationID, in.ProductID, newBalance.AvgCost); err != nil {
					p.logf("movement processor: markup propagation failed for (%d, %d): %v", in.LocationID, in.ProductID, err)
				}
			}
		}
	}

	return m, nil
}

// CreateIncomingTx runs the same logic as CreateIncoming inside the
// caller's transaction; it does not propagate cost changes to the Pricing
// Resolver since the caller may still roll back.
func (p *movementProcessor) CreateIncomingTx(ctx context.Context, tx pgx.Tx, in IncomingInput) (MovementRecord, error) {
	return p.createIncomingInTx(ctx, tx, in)
}

func (p *movementProcessor) createIncomingInTx(ctx context.Context, tx pgx.Tx, in IncomingInput) (MovementRecord, error) {
	if in.Quantity.LessThanOrEqual(decimal.Zero) {
		return MovementRecord{}, NewCodedError(CodeInvalidQuantity, "incoming quantity must be positive, got %s", in.Quantity)
	}

	res := p.validator.ValidatePurchase(ctx, in.ProductID, in.Quantity, "")
	if !res.OK {
		return MovementRecord{}, NewCodedError(res.Code, "%s", res.Msg)
	}

	loc, err := p.locations.ByID(ctx, in.LocationID)
	if err != nil {
		return MovementRecord{}, err
	}
	product, err := p.products.ByID(ctx, in.ProductID)
	if err != nil {
		return MovementRecord{}, err
	}

	batchNumber := in.BatchNumber
	if batchNumber == nil && loc.BatchTrackingMode == BatchTrackingEnforced {
		auto := fmt.Sprintf("AUTO_%s_%s_%s", product.Code, in.MovementDate.Format("060102"), loc.Code)
		batchNumber = &auto
	}
	if in.MovementDate.IsZero() {
		in.MovementDate = time.Now()
	}

	m := MovementRecord{
		LocationID: in.LocationID, ProductID: in.ProductID, Type: MovementIn,
		Quantity: in.Quantity, CostPrice: in.CostPrice, BatchNumber: batchNumber,
		ExpiryDate: in.ExpiryDate, SourceDocumentKind: in.SourceDocumentKind,
		SourceDocumentNumber: in.SourceDocumentNumber, Reason: in.Reason, MovementDate: in.MovementDate,
	}
	m, err = appendTx(ctx, tx, m)
	if err != nil {
		return MovementRecord{}, err
	}

	if _, err := NewBalanceCacheStore(p.pool).RefreshTx(ctx, tx, in.LocationID, in.ProductID); err != nil {
		p.logf("movement processor: balance cache refresh failed for (%d, %d): %v", in.LocationID, in.ProductID, err)
	}
	if batchNumber != nil {
		if _, err := NewBatchCacheStore(p.pool).RefreshBatchTx(ctx, tx, in.LocationID, in.ProductID, *batchNumber); err != nil {
			var ce *CodedError
			if !errors.As(err, &ce) || ce.Code != CodeItemNotFound {
				p.logf("movement processor: batch cache refresh failed for %s: %v", *batchNumber, err)
			}
		}
	}

	return m, nil
}

// OutgoingInput is the argument struct for CreateOutgoing.
type OutgoingInput struct {
	LocationID           int
	ProductID            int
	Quantity             decimal.Decimal
	SourceDocumentKind   string
	SourceDocumentNumber string
	CostPrice            *decimal.Decimal
	BatchNumber          *string
	SalePrice            *decimal.Decimal
	Customer             *Customer
	IsSale               bool
	UseFIFO              bool
	MovementDate         time.Time
	Reason               string
}

// CreateOutgoing runs CreateOutgoingTx in its own transaction.
func (p *movementProcessor) CreateOutgoing(ctx context.Context, in OutgoingInput) ([]MovementRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	records, err := p.createOutgoingInTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit outgoing movement: %w", err)
	}
	return records, nil
}

// CreateOutgoingTx runs the same logic as CreateOutgoing inside the
// caller's transaction.
func (p *movementProcessor) CreateOutgoingTx(ctx context.Context, tx pgx.Tx, in OutgoingInput) ([]MovementRecord, error) {
	return p.createOutgoingInTx(ctx, tx, in)
}

// createOutgoingInTx validates sellability, resolves a sale price via the
// Pricing Resolver when the caller didn't supply one and this is a sale,
// and — for batch-tracked products with no manual batch/cost override —
// allocates the quantity across batches in FIFO order (§4.3).
func (p *movementProcessor) createOutgoingInTx(ctx context.Context, tx pgx.Tx, in OutgoingInput) ([]MovementRecord, error) {
	if in.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, NewCodedError(CodeInvalidQuantity, "outgoing quantity must be positive, got %s", in.Quantity)
	}

	loc, err := p.locations.ByID(ctx, in.LocationID)
	if err != nil {
		return nil, err
	}

	res := p.validator.ValidateSale(ctx, in.ProductID, in.LocationID, in.Quantity)
	if !res.OK && !(loc.AllowNegativeStock && res.Code == CodeNoStock) {
		return nil, NewCodedError(res.Code, "%s", res.Msg)
	}

	salePrice := in.SalePrice
	if salePrice == nil && in.IsSale && p.pricing != nil {
		var custGroup string
		if in.Customer != nil {
			custGroup = in.Customer.PriceGroup
		}
		resolved, err := p.pricing.SalePrice(ctx, SalePriceQuery{
			LocationID: in.LocationID, ProductID: in.ProductID, CustomerGroup: custGroup,
			Quantity: in.Quantity, Date: in.MovementDate,
		})
		if err == nil && resolved.Price.IsPositive() {
			salePrice = &resolved.Price
		}
	}

	if in.MovementDate.IsZero() {
		in.MovementDate = time.Now()
	}

	product, err := p.products.ByID(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}

	useFIFO := in.UseFIFO && product.TrackBatches && loc.BatchTrackingMode != BatchTrackingDisabled &&
		in.CostPrice == nil && in.BatchNumber == nil

	var records []MovementRecord

	if useFIFO {
		batches, err := NewBatchCacheStore(p.pool).ListFIFO(ctx, in.LocationID, in.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to list FIFO batches: %w", err)
		}
		allocations, full := allocateFIFO(batches, in.Quantity)
		if !full && !loc.AllowNegativeStock {
			return nil, NewCodedError(CodeInsufficientBatch, "insufficient batch stock for product %s at %s", product.Code, loc.Code)
		}
		if !full && loc.AllowNegativeStock {
			// Negative stock is allowed: the shortfall becomes one extra OUT
			// record at the smart-resolved cost (no batch to attribute it to).
			covered := decimal.Zero
			for _, a := range allocations {
				covered = covered.Add(a.Quantity)
			}
			shortfall := in.Quantity.Sub(covered)
			cost, err := p.smartCost(ctx, in.LocationID, in.ProductID, nil, nil)
			if err != nil {
				return nil, err
			}
			allocations = append(allocations, BatchAllocation{Batch: BatchCache{CostPrice: cost}, Quantity: shortfall})
		}

		batchNumbers := make([]string, 0, len(allocations))
		for _, a := range allocations {
			if a.Batch.BatchNumber != "" {
				batchNumbers = append(batchNumbers, a.Batch.BatchNumber)
			}
		}
		for _, a := range allocations {
			m := MovementRecord{
				LocationID: in.LocationID, ProductID: in.ProductID, Type: MovementOut,
				Quantity: a.Quantity, CostPrice: a.Batch.CostPrice, SalePrice: salePrice,
				SourceDocumentKind: in.SourceDocumentKind, SourceDocumentNumber: in.SourceDocumentNumber,
				Reason: in.Reason, MovementDate: in.MovementDate,
			}
			if a.Batch.BatchNumber != "" {
				bn := a.Batch.BatchNumber
				m.BatchNumber = &bn
				m.ExpiryDate = a.Batch.ExpiryDate
			}
			m, err := appendTx(ctx, tx, m)
			if err != nil {
				return nil, err
			}
			records = append(records, m)
		}

		if _, err := NewBalanceCacheStore(p.pool).RefreshTx(ctx, tx, in.LocationID, in.ProductID); err != nil {
			p.logf("movement processor: balance cache refresh failed for (%d, %d): %v", in.LocationID, in.ProductID, err)
		}
		for _, bn := range batchNumbers {
			if _, err := NewBatchCacheStore(p.pool).RefreshBatchTx(ctx, tx, in.LocationID, in.ProductID, bn); err != nil {
				var ce *CodedError
				if !errors.As(err, &ce) || ce.Code != CodeItemNotFound {
					p.logf("movement processor: batch cache refresh failed for %s: %v", bn, err)
				}
			}
		}
	} else {
		cost, err := p.smartCost(ctx, in.LocationID, in.ProductID, in.CostPrice, in.BatchNumber)
		if err != nil {
			return nil, err
		}
		m := MovementRecord{
			LocationID: in.LocationID, ProductID: in.ProductID, Type: MovementOut,
			Quantity: in.Quantity, CostPrice: cost, SalePrice: salePrice, BatchNumber: in.BatchNumber,
			SourceDocumentKind: in.SourceDocumentKind, SourceDocumentNumber: in.SourceDocumentNumber,
			Reason: in.Reason, MovementDate: in.MovementDate,
		}
		m, err = appendTx(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		records = append(records, m)

		if _, err := NewBalanceCacheStore(p.pool).RefreshTx(ctx, tx, in.LocationID, in.ProductID); err != nil {
			p.logf("movement processor: balance cache refresh failed for (%d, %d): %v", in.LocationID, in.ProductID, err)
		}
		if in.BatchNumber != nil {
			if _, err := NewBatchCacheStore(p.pool).RefreshBatchTx(ctx, tx, in.LocationID, in.ProductID, *in.BatchNumber); err != nil {
				var ce *CodedError
				if !errors.As(err, &ce) || ce.Code != CodeItemNotFound {
					p.logf("movement processor: batch cache refresh failed for %s: %v", *in.BatchNumber, err)
				}
			}
		}
	}

	return records, nil
}

// smartCost implements the cost hierarchy of §4.3: manual override, else the
// named batch's stored cost, else the balance cache's avg_cost, else zero
// with a logged warning.
func (p *movementProcessor) smartCost(ctx context.Context, locationID, productID int, manual *decimal.Decimal, batchNumber *string) (decimal.Decimal, error) {
	if manual != nil {
		return *manual, nil
	}
	if batchNumber != nil {
		b, err := NewBatchCacheStore(p.pool).Get(ctx, locationID, productID, *batchNumber)
		if err == nil && b.CostPrice.IsPositive() {
			return b.CostPrice, nil
		}
	}
	balance, err := NewBalanceCacheStore(p.pool).Get(ctx, locationID, productID)
	if err == nil && balance.AvgCost.IsPositive() {
		return balance.AvgCost, nil
	}
	p.logf("movement processor: no cost data for (%d, %d); falling back to zero", locationID, productID)
	return decimal.Zero, nil
}

// TransferInput is the argument struct for CreateTransfer.
type TransferInput struct {
	FromLocationID       int
	ToLocationID         int
	ProductID            int
	Quantity             decimal.Decimal
	SourceDocumentKind   string
	SourceDocumentNumber string
	MovementDate         time.Time
	Reason               string
}

// CreateTransfer performs a FIFO-aware outgoing at FromLocationID and, for
// each resulting OUT record, an IN at ToLocationID carrying the same batch,
// expiry, and cost (§4.3). Both legs run inside one transaction — source
// rows are locked fully before any destination row per §5 — so a failure on
// the incoming leg rolls back the outgoing leg along with it: "both sides
// commit or neither does."
func (p *movementProcessor) CreateTransfer(ctx context.Context, in TransferInput) ([]MovementRecord, []MovementRecord, error) {
	if in.FromLocationID == in.ToLocationID {
		return nil, nil, NewCodedError(CodeValidation, "transfer source and destination locations must differ")
	}
	if in.MovementDate.IsZero() {
		in.MovementDate = time.Now()
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transfer transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	outRecords, err := p.CreateOutgoingTx(ctx, tx, OutgoingInput{
		LocationID: in.FromLocationID, ProductID: in.ProductID, Quantity: in.Quantity,
		SourceDocumentKind: in.SourceDocumentKind, SourceDocumentNumber: in.SourceDocumentNumber,
		UseFIFO: true, MovementDate: in.MovementDate, Reason: in.Reason,
	})
	if err != nil {
		return nil, nil, err
	}

	var inRecords []MovementRecord
	for _, out := range outRecords {
		cost := out.CostPrice
		rec, err := p.CreateIncomingTx(ctx, tx, IncomingInput{
			LocationID: in.ToLocationID, ProductID: in.ProductID, Quantity: out.Quantity, CostPrice: cost,
			SourceDocumentKind: in.SourceDocumentKind, SourceDocumentNumber: in.SourceDocumentNumber,
			BatchNumber: out.BatchNumber, ExpiryDate: out.ExpiryDate, MovementDate: in.MovementDate, Reason: in.Reason,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("transfer: incoming leg failed, rolling back outgoing leg: %w", err)
		}
		inRecords = append(inRecords, rec)
	}

	if err := p.markTransferPairTx(ctx, tx, outRecords, inRecords, in); err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to annotate transfer pair: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transfer: %w", err)
	}

	return outRecords, inRecords, nil
}

// markTransferPairTx stamps FromLocationID/ToLocationID on both legs of a
// transfer so later analytics (§8 Open Question 4: TRANSFER legs count as
// outgoing at the source) can identify the pair without re-deriving it.
func (p *movementProcessor) markTransferPairTx(ctx context.Context, tx pgx.Tx, outRecords, inRecords []MovementRecord, in TransferInput) error {
	from, to := in.FromLocationID, in.ToLocationID
	for i := range outRecords {
		if _, err := tx.Exec(ctx, `
			UPDATE movement_records SET type = 'TRANSFER', from_location_id = $1, to_location_id = $2 WHERE id = $3
		`, in.FromLocationID, in.ToLocationID, outRecords[i].ID); err != nil {
			return err
		}
		outRecords[i].Type = MovementTransfer
		outRecords[i].FromLocationID = &from
		outRecords[i].ToLocationID = &to
	}
	for i := range inRecords {
		if _, err := tx.Exec(ctx, `
			UPDATE movement_records SET from_location_id = $1, to_location_id = $2 WHERE id = $3
		`, in.FromLocationID, in.ToLocationID, inRecords[i].ID); err != nil {
			return err
		}
		inRecords[i].FromLocationID = &from
		inRecords[i].ToLocationID = &to
	}
	return nil
}

// AdjustmentInput is the argument struct for CreateAdjustment.
type AdjustmentInput struct {
	LocationID           int
	ProductID            int
	SignedQty            decimal.Decimal
	Reason               string
	CostPrice            *decimal.Decimal
	BatchNumber          *string
	SourceDocumentKind   string
	SourceDocumentNumber string
	MovementDate         time.Time
}

// CreateAdjustment writes an IN (positive qty) or OUT (negative qty) record
// at the smart-resolved cost. Adjustments bypass the validator: they are
// allowed regardless of product lifecycle to permit inventory reconciliation
// (§4.3).
func (p *movementProcessor) CreateAdjustment(ctx context.Context, in AdjustmentInput) (MovementRecord, error) {
	if in.SignedQty.IsZero() {
		return MovementRecord{}, NewCodedError(CodeInvalidQuantity, "adjustment quantity must be non-zero")
	}
	if in.MovementDate.IsZero() {
		in.MovementDate = time.Now()
	}
	if in.SourceDocumentKind == "" {
		in.SourceDocumentKind = "ADJUSTMENT"
	}

	movementType := MovementIn
	qty := in.SignedQty
	if in.SignedQty.IsNegative() {
		movementType = MovementOut
		qty = qty.Neg()
	}

	cost, err := p.smartCost(ctx, in.LocationID, in.ProductID, in.CostPrice, in.BatchNumber)
	if err != nil {
		return MovementRecord{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return MovementRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	m := MovementRecord{
		LocationID: in.LocationID, ProductID: in.ProductID, Type: movementType, Quantity: qty, CostPrice: cost,
		BatchNumber: in.BatchNumber, SourceDocumentKind: in.SourceDocumentKind,
		SourceDocumentNumber: in.SourceDocumentNumber, Reason: in.Reason, MovementDate: in.MovementDate,
	}
	m, err = appendTx(ctx, tx, m)
	if err != nil {
		return MovementRecord{}, err
	}

	if _, err := NewBalanceCacheStore(p.pool).RefreshTx(ctx, tx, in.LocationID, in.ProductID); err != nil {
		p.logf("movement processor: balance cache refresh failed for (%d, %d): %v", in.LocationID, in.ProductID, err)
	}
	if in.BatchNumber != nil {
		if _, err := NewBatchCacheStore(p.pool).RefreshBatchTx(ctx, tx, in.LocationID, in.ProductID, *in.BatchNumber); err != nil {
			var ce *CodedError
			if !errors.As(err, &ce) || ce.Code != CodeItemNotFound {
				p.logf("movement processor: batch cache refresh failed for %s: %v", *in.BatchNumber, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MovementRecord{}, fmt.Errorf("failed to commit adjustment: %w", err)
	}
	return m, nil
}

// Reverse runs ReverseTx in its own transaction.
func (p *movementProcessor) Reverse(ctx context.Context, movementID int64, reason string) (MovementRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return MovementRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := p.reverseInTx(ctx, tx, movementID, reason)
	if err != nil {
		return MovementRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MovementRecord{}, fmt.Errorf("failed to commit reversal: %w", err)
	}
	return m, nil
}

// ReverseTx runs the same logic as Reverse inside the caller's transaction.
func (p *movementProcessor) ReverseTx(ctx context.Context, tx pgx.Tx, movementID int64, reason string) (MovementRecord, error) {
	return p.reverseInTx(ctx, tx, movementID, reason)
}

// reverseInTx creates the opposite movement of movementID with
// source_kind=REVERSAL, allowed to drive the balance negative even where the
// location otherwise forbids it (§4.3: "reversal must succeed even if it
// drives the balance negative"). TRANSFER rows are refused: CreateTransfer
// stores the source leg of a transfer as its TRANSFER row, so only the
// destination IN leg of a transfer can be reversed here.
func (p *movementProcessor) reverseInTx(ctx context.Context, tx pgx.Tx, movementID int64, reason string) (MovementRecord, error) {
	original, err := NewMovementLedger(tx).ByID(ctx, movementID)
	if err != nil {
		return MovementRecord{}, err
	}
	if original.Type == MovementTransfer {
		return MovementRecord{}, NewCodedError(CodeValidation, "TRANSFER movements cannot be reversed; only a transfer's destination IN leg can")
	}

	opposite := MovementOut
	if original.Type == MovementOut {
		opposite = MovementIn
	}

	m := MovementRecord{
		LocationID: original.LocationID, ProductID: original.ProductID, Type: opposite,
		Quantity: original.Quantity, CostPrice: original.CostPrice,
		BatchNumber: original.BatchNumber, ExpiryDate: original.ExpiryDate,
		SourceDocumentKind: SourceKindReversal, SourceDocumentNumber: fmt.Sprintf("%d", original.ID),
		Reason: fmt.Sprintf("reversal of movement %d: %s", original.ID, reason),
		MovementDate: time.Now(),
	}
	m, err = appendTx(ctx, tx, m)
	if err != nil {
		return MovementRecord{}, err
	}

	if _, err := NewBalanceCacheStore(p.pool).RefreshTx(ctx, tx, original.LocationID, original.ProductID); err != nil {
		p.logf("movement processor: balance cache refresh failed while reversing %d: %v", movementID, err)
	}
	if original.BatchNumber != nil {
		if _, err := NewBatchCacheStore(p.pool).RefreshBatchTx(ctx, tx, original.LocationID, original.ProductID, *original.BatchNumber); err != nil {
			var ce *CodedError
			if !errors.As(err, &ce) || ce.Code != CodeItemNotFound {
				p.logf("movement processor: batch cache refresh failed while reversing %d: %v", movementID, err)
			}
		}
	}

	return m, nil
}
