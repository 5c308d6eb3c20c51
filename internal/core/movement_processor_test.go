package core_test

import (
	"context"
	"testing"
	"time"

	"posledger/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type movementTestFixture struct {
	pool      *pgxpool.Pool
	processor core.MovementProcessor
	locations core.LocationStore
	products  core.ProductStore
	balances  core.BalanceCacheStore
	location  core.Location
	product   core.Product
	ctx       context.Context
}

// setupMovementTestDB extends the base test DB with the stores and the
// Movement Processor itself, plus one batch-tracking-enforced location and
// one PIECE product ready to receive stock.
func setupMovementTestDB(t *testing.T) movementTestFixture {
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
		l.BatchTrackingMode = core.BatchTrackingEnforced
	})
	product := seedProduct(t, ctx, products, "WIDGET", func(p *core.Product) {
		p.TrackBatches = true
	})

	return movementTestFixture{
		pool: pool, processor: processor, locations: locations, products: products,
		balances: balances, location: loc, product: product, ctx: ctx,
	}
}

func TestMovementProcessor_CreateIncoming_SimpleReceipt(t *testing.T) {
	f := setupMovementTestDB(t)

	m, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(100),
		CostPrice: decimal.NewFromFloat(10), SourceDocumentKind: "PO", SourceDocumentNumber: "PO-1",
		MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateIncoming failed: %v", err)
	}
	if m.Type != core.MovementIn {
		t.Errorf("expected type IN, got %s", m.Type)
	}
	if m.BatchNumber == nil {
		t.Errorf("expected an auto-generated batch number under ENFORCED tracking")
	}
	if !m.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected quantity 100, got %s", m.Quantity)
	}
}

func TestMovementProcessor_WeightedAverageCost(t *testing.T) {
	f := setupMovementTestDB(t)

	batch1 := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(100),
		CostPrice: decimal.NewFromFloat(200), BatchNumber: &batch1, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("first receipt failed: %v", err)
	}

	batch2 := "B2"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(100),
		CostPrice: decimal.NewFromFloat(300), BatchNumber: &batch2, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("second receipt failed: %v", err)
	}

	bal, err := f.balances.Get(f.ctx, f.location.ID, f.product.ID)
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !bal.CurrentQty.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected current_qty=200, got %s", bal.CurrentQty)
	}
	if !bal.AvgCost.Equal(decimal.NewFromFloat(250)) {
		t.Errorf("expected weighted avg_cost=250, got %s", bal.AvgCost)
	}
}

func TestMovementProcessor_CreateOutgoing_FIFOAllocatesAcrossBatches(t *testing.T) {
	f := setupMovementTestDB(t)

	early := "EARLY"
	late := "LATE"
	earlyExpiry := time.Now().AddDate(0, 0, 5)
	lateExpiry := time.Now().AddDate(0, 1, 0)

	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(30),
		CostPrice: decimal.NewFromFloat(10), BatchNumber: &late, ExpiryDate: &lateExpiry, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("receipt of LATE batch failed: %v", err)
	}
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(20),
		CostPrice: decimal.NewFromFloat(12), BatchNumber: &early, ExpiryDate: &earlyExpiry, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("receipt of EARLY batch failed: %v", err)
	}

	records, err := f.processor.CreateOutgoing(f.ctx, core.OutgoingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(35),
		UseFIFO: true, MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateOutgoing failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 OUT records spanning both batches, got %d", len(records))
	}
	if records[0].BatchNumber == nil || *records[0].BatchNumber != early {
		t.Errorf("expected the earlier-expiring batch to be consumed first, got %v", records[0].BatchNumber)
	}
	if !records[0].Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected EARLY batch fully consumed (20), got %s", records[0].Quantity)
	}
	if !records[1].Quantity.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected remaining 15 pulled from LATE batch, got %s", records[1].Quantity)
	}
}

func TestMovementProcessor_CreateOutgoing_InsufficientStockRejected(t *testing.T) {
	f := setupMovementTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(5),
		CostPrice: decimal.NewFromFloat(10), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("receipt failed: %v", err)
	}

	_, err := f.processor.CreateOutgoing(f.ctx, core.OutgoingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10), MovementDate: time.Now(),
	})
	if err == nil {
		t.Fatal("expected insufficient stock error")
	}
	if core.CodeOf(err) != core.CodeInsufficientStock {
		t.Errorf("expected CodeInsufficientStock, got %s", core.CodeOf(err))
	}
}

func TestMovementProcessor_CreateTransfer_MovesStockBetweenLocations(t *testing.T) {
	f := setupMovementTestDB(t)
	dest := seedLocation(t, f.ctx, f.locations, "BRANCH", nil)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(40),
		CostPrice: decimal.NewFromFloat(15), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	outRecs, inRecs, err := f.processor.CreateTransfer(f.ctx, core.TransferInput{
		FromLocationID: f.location.ID, ToLocationID: dest.ID, ProductID: f.product.ID,
		Quantity: decimal.NewFromInt(10), MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}
	if len(outRecs) != 1 || len(inRecs) != 1 {
		t.Fatalf("expected one leg on each side, got %d out / %d in", len(outRecs), len(inRecs))
	}
	if outRecs[0].FromLocationID == nil || *outRecs[0].FromLocationID != f.location.ID {
		t.Errorf("expected outgoing leg to carry from_location_id=%d", f.location.ID)
	}
	if inRecs[0].ToLocationID == nil || *inRecs[0].ToLocationID != dest.ID {
		t.Errorf("expected incoming leg to carry to_location_id=%d", dest.ID)
	}
	if !outRecs[0].IsOutgoingAt(f.location.ID) {
		t.Errorf("expected the source leg to be outgoing at the source location")
	}
	if !inRecs[0].IsIncomingAt(dest.ID) {
		t.Errorf("expected the destination leg to be incoming at the destination location")
	}
}

func TestMovementProcessor_CreateAdjustment_NegativeQuantityWritesOut(t *testing.T) {
	f := setupMovementTestDB(t)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(50),
		CostPrice: decimal.NewFromFloat(8), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	m, err := f.processor.CreateAdjustment(f.ctx, core.AdjustmentInput{
		LocationID: f.location.ID, ProductID: f.product.ID, SignedQty: decimal.NewFromInt(-3),
		Reason: "cycle count correction", MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAdjustment failed: %v", err)
	}
	if m.Type != core.MovementOut {
		t.Errorf("expected OUT for a negative adjustment, got %s", m.Type)
	}
	if !m.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected the stored quantity to be the absolute value 3, got %s", m.Quantity)
	}
}

func TestMovementProcessor_Reverse_CreatesOppositeMovement(t *testing.T) {
	f := setupMovementTestDB(t)

	batch := "B1"
	m, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(25),
		CostPrice: decimal.NewFromFloat(7), BatchNumber: &batch, MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	reversal, err := f.processor.Reverse(f.ctx, m.ID, "wrong quantity entered")
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if reversal.Type != core.MovementOut {
		t.Errorf("expected the reversal of an IN to be an OUT, got %s", reversal.Type)
	}
	if reversal.SourceDocumentKind != core.SourceKindReversal {
		t.Errorf("expected source_document_kind=%s, got %s", core.SourceKindReversal, reversal.SourceDocumentKind)
	}
	if !reversal.Quantity.Equal(m.Quantity) {
		t.Errorf("expected the reversal to carry the same quantity, got %s", reversal.Quantity)
	}
}

func TestMovementProcessor_Reverse_RefusesTransferAtomically(t *testing.T) {
	f := setupMovementTestDB(t)
	dest := seedLocation(t, f.ctx, f.locations, "BRANCH2", nil)

	batch := "B1"
	if _, err := f.processor.CreateIncoming(f.ctx, core.IncomingInput{
		LocationID: f.location.ID, ProductID: f.product.ID, Quantity: decimal.NewFromInt(10),
		CostPrice: decimal.NewFromFloat(5), BatchNumber: &batch, MovementDate: time.Now(),
	}); err != nil {
		t.Fatalf("seed receipt failed: %v", err)
	}

	outRecs, _, err := f.processor.CreateTransfer(f.ctx, core.TransferInput{
		FromLocationID: f.location.ID, ToLocationID: dest.ID, ProductID: f.product.ID,
		Quantity: decimal.NewFromInt(5), MovementDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}

	_, err = f.processor.Reverse(f.ctx, outRecs[0].ID, "attempted atomic reversal")
	if err == nil {
		t.Fatal("expected reversing a TRANSFER leg atomically to fail")
	}
	if core.CodeOf(err) != core.CodeValidation {
		t.Errorf("expected CodeValidation, got %s", core.CodeOf(err))
	}
}
