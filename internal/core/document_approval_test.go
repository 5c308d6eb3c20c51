package core_test

import (
	"context"
	"testing"
	"time"

	"posledger/internal/core"

	"github.com/shopspring/decimal"
)

type documentTestFixture struct {
	documents core.DocumentService
	approvals core.ApprovalEngine
	balances  core.BalanceCacheStore
	location  core.Location
	product   core.Product
	docType   core.DocumentType
	ctx       context.Context
}

// setupDocumentTestDB configures a single PURCHASE_ORDER workflow:
// DRAFT (editable, initial) --approve--> RECEIVED (creates inventory
// movements) --cancel--> CANCELLED (reverses inventory movements, final).
func setupDocumentTestDB(t *testing.T) documentTestFixture {
	t.Helper()
	pool := setupTestDB(t)
	ctx := context.Background()

	locations := core.NewLocationStore(pool)
	products := core.NewProductStore(pool)
	balances := core.NewBalanceCacheStore(pool)
	validator := core.NewProductValidator(products, locations, balances)
	pricing := core.NewPricingResolver(pool, locations, balances)
	processor := core.NewMovementProcessor(pool, validator, products, locations, pricing)
	documents := core.NewDocumentService(pool)
	approvals := core.NewApprovalEngine(pool, documents, processor)

	loc := seedLocation(t, ctx, locations, "MAIN", nil)
	product := seedProduct(t, ctx, products, "WIDGET", nil)

	docType, err := documents.CreateDocumentType(ctx, "PURCHASE_ORDER", true)
	if err != nil {
		t.Fatalf("CreateDocumentType failed: %v", err)
	}

	statuses := []core.DocumentTypeStatus{
		{DocumentTypeID: docType.ID, StatusKey: "DRAFT", IsInitial: true, AllowsEditing: true},
		{DocumentTypeID: docType.ID, StatusKey: "RECEIVED", CreatesInventoryMovements: true, MovementDirection: core.MovementDirectionIn},
		{DocumentTypeID: docType.ID, StatusKey: "CANCELLED", IsCancellation: true, IsFinal: true, ReversesInventoryMovements: true},
	}
	for _, st := range statuses {
		if _, err := documents.AddStatus(ctx, st); err != nil {
			t.Fatalf("AddStatus(%s) failed: %v", st.StatusKey, err)
		}
	}

	transitions := []core.DocumentStatusTransition{
		{DocumentTypeID: docType.ID, FromStatus: "DRAFT", ToStatus: "RECEIVED"},
		{DocumentTypeID: docType.ID, FromStatus: "DRAFT", ToStatus: "CANCELLED"},
		{DocumentTypeID: docType.ID, FromStatus: "RECEIVED", ToStatus: "CANCELLED"},
	}
	for _, tr := range transitions {
		if err := documents.AddTransition(ctx, tr); err != nil {
			t.Fatalf("AddTransition(%s->%s) failed: %v", tr.FromStatus, tr.ToStatus, err)
		}
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO approval_rules (document_type_id, from_status, to_status, min_amount, max_amount, required_approver_set, priority, level)
		VALUES ($1, 'DRAFT', 'RECEIVED', 0, 100000, $2, 1, 1),
		       ($1, 'RECEIVED', 'CANCELLED', 0, 100000, $2, 1, 1)
	`, docType.ID, []string{"MANAGER"}); err != nil {
		t.Fatalf("failed to seed approval rule: %v", err)
	}

	return documentTestFixture{documents: documents, approvals: approvals, balances: balances, location: loc, product: product, docType: docType, ctx: ctx}
}

func (f documentTestFixture) createDraft(t *testing.T, qty, price decimal.Decimal) (core.Document, []core.DocumentLine) {
	t.Helper()
	doc := core.Document{
		DocumentNumber: "PO-0001", DocumentDate: time.Now(), Kind: core.DocumentKindPurchaseOrder,
		DocumentTypeID: f.docType.ID, Status: "DRAFT", Supplier: "ACME", LocationID: f.location.ID,
	}
	lines := []core.DocumentLine{
		{ProductID: f.product.ID, Quantity: qty, Unit: "EA", UnitPrice: price},
	}
	created, createdLines, err := f.documents.CreateDocument(f.ctx, doc, lines)
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return created, createdLines
}

func TestDocumentService_CreateDocument_ComputesTotals(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, lines := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(20))

	if !doc.TotalAmount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected total_amount 200, got %s", doc.TotalAmount)
	}
	if len(lines) != 1 || lines[0].LineNumber != 1 {
		t.Fatalf("expected a single numbered line, got %+v", lines)
	}
}

func TestDocumentService_UpdateLines_RejectsNonEditableStatus(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(20))

	res := f.approvals.ExecuteTransition(f.ctx, doc.ID, "RECEIVED", "alice", []string{"MANAGER"}, "approved")
	if !res.OK {
		t.Fatalf("ExecuteTransition failed: %s", res.Msg)
	}

	_, _, err := f.documents.UpdateLines(f.ctx, doc.ID, []core.DocumentLine{
		{ProductID: f.product.ID, Quantity: decimal.NewFromInt(5), Unit: "EA", UnitPrice: decimal.NewFromInt(20)},
	})
	if err == nil {
		t.Fatalf("expected UpdateLines to fail once status disallows editing")
	}
	if core.CodeOf(err) != core.CodeInvalidTransition {
		t.Errorf("expected CodeInvalidTransition, got %s", core.CodeOf(err))
	}
}

func TestApprovalEngine_ExecuteTransition_AppliesInventorySideEffect(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(20))

	res := f.approvals.ExecuteTransition(f.ctx, doc.ID, "RECEIVED", "alice", []string{"MANAGER"}, "approved")
	if !res.OK {
		t.Fatalf("ExecuteTransition failed: %s", res.Msg)
	}
	if res.Data.Document.Status != "RECEIVED" {
		t.Errorf("expected status RECEIVED, got %s", res.Data.Document.Status)
	}
	if res.Data.RuleUsed == nil {
		t.Errorf("expected a matched rule to be recorded")
	}
	if res.Data.Log.FromStatus != "DRAFT" || res.Data.Log.ToStatus != "RECEIVED" {
		t.Errorf("expected approval log DRAFT->RECEIVED, got %s->%s", res.Data.Log.FromStatus, res.Data.Log.ToStatus)
	}

	balance, err := f.balances.Get(f.ctx, f.location.ID, f.product.ID)
	if err != nil {
		t.Fatalf("expected a balance row after receipt: %v", err)
	}
	if !balance.CurrentQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected current_qty 10 after receipt, got %s", balance.CurrentQty)
	}
}

func TestApprovalEngine_ExecuteTransition_RejectsAmountOutsideRuleRange(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(50000))

	res := f.approvals.ExecuteTransition(f.ctx, doc.ID, "RECEIVED", "alice", []string{"MANAGER"}, "approved")
	if res.OK {
		t.Fatalf("expected transition outside every rule's amount range to fail")
	}
	if res.Code != core.CodeAmountOutOfRange {
		t.Errorf("expected CodeAmountOutOfRange, got %s", res.Code)
	}
}

func TestApprovalEngine_ExecuteTransition_RejectsMissingApproverSet(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(20))

	res := f.approvals.ExecuteTransition(f.ctx, doc.ID, "RECEIVED", "bob", []string{"CLERK"}, "attempt")
	if res.OK {
		t.Fatalf("expected transition without a matching approver set to fail")
	}
	if res.Code != core.CodePermissionDenied {
		t.Errorf("expected CodePermissionDenied, got %s", res.Code)
	}
}

func TestApprovalEngine_CancelAfterReceipt_ReversesInventory(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(20))

	if res := f.approvals.ExecuteTransition(f.ctx, doc.ID, "RECEIVED", "alice", []string{"MANAGER"}, "approved"); !res.OK {
		t.Fatalf("ExecuteTransition to RECEIVED failed: %s", res.Msg)
	}

	cancelRes := f.approvals.ExecuteTransition(f.ctx, doc.ID, "CANCELLED", "alice", []string{"MANAGER"}, "cancel after receipt")
	if !cancelRes.OK {
		t.Fatalf("ExecuteTransition to CANCELLED failed: %s", cancelRes.Msg)
	}

	balance, err := f.balances.Get(f.ctx, f.location.ID, f.product.ID)
	if err != nil {
		t.Fatalf("expected a balance row: %v", err)
	}
	if !balance.CurrentQty.IsZero() {
		t.Errorf("expected current_qty to return to 0 after cancellation reverses the receipt, got %s", balance.CurrentQty)
	}
}

func TestApprovalEngine_Reject_BypassesRuleMatching(t *testing.T) {
	f := setupDocumentTestDB(t)
	doc, _ := f.createDraft(t, decimal.NewFromInt(10), decimal.NewFromInt(50000))

	res := f.approvals.Reject(f.ctx, doc.ID, "bob", "not needed")
	if !res.OK {
		t.Fatalf("Reject failed: %s", res.Msg)
	}
	if res.Data.Document.Status != "CANCELLED" {
		t.Errorf("expected status CANCELLED after reject, got %s", res.Data.Document.Status)
	}
}
