package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransitionData is the structured payload of ExecuteTransition and Reject.
type TransitionData struct {
	Document   Document         `json:"document"`
	Log        ApprovalLog      `json:"log"`
	RuleUsed   *ApprovalRule    `json:"rule_used,omitempty"`
}

// ApprovalEngine resolves and executes status transitions for documents
// governed by a DocumentType's workflow graph (C8). Every executed
// transition writes exactly one ApprovalLog row and, when the target status
// declares inventory side effects, applies them in the same transaction —
// a side-effect failure rolls back the whole transition (§4.7).
type ApprovalEngine interface {
	// AvailableTransitions lists the ApprovalRules reachable from the
	// document's current status for the given actor's approver sets,
	// ordered by priority (highest first).
	AvailableTransitions(ctx context.Context, documentID int, approverSets []string) ([]ApprovalRule, error)
	// ExecuteTransition moves a document to toStatus. It requires a
	// configured DocumentStatusTransition edge, a matching ApprovalRule
	// (amount in range, actor's sets intersect the rule's required set),
	// and the target status's side effects to apply cleanly.
	ExecuteTransition(ctx context.Context, documentID int, toStatus string, actor string, approverSets []string, comments string) Result[TransitionData]
	// Reject is a convenience wrapper that transitions to the document
	// type's configured cancellation status, bypassing amount/approver-set
	// gating (a rejection is always permitted for anyone who can see the
	// document's current status).
	Reject(ctx context.Context, documentID int, actor string, comments string) Result[TransitionData]
}

type approvalEngine struct {
	pool      *pgxpool.Pool
	documents DocumentService
	processor MovementProcessor
}

// NewApprovalEngine constructs the Approval Engine over its dependencies.
func NewApprovalEngine(pool *pgxpool.Pool, documents DocumentService, processor MovementProcessor) ApprovalEngine {
	return &approvalEngine{pool: pool, documents: documents, processor: processor}
}

func (e *approvalEngine) AvailableTransitions(ctx context.Context, documentID int, approverSets []string) ([]ApprovalRule, error) {
	doc, _, err := e.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	rows, err := e.pool.Query(ctx, `
		SELECT id, document_type_id, from_status, to_status, min_amount, max_amount,
		       required_approver_set, priority, level
		FROM approval_rules
		WHERE document_type_id = $1 AND from_status = $2
		ORDER BY priority DESC
	`, doc.DocumentTypeID, doc.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval rules: %w", err)
	}
	defer rows.Close()

	var rules []ApprovalRule
	for rows.Next() {
		r, err := scanApprovalRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval rule: %w", err)
		}
		if !doc.TotalAmount.GreaterThanOrEqual(r.MinAmount) || !doc.TotalAmount.LessThanOrEqual(r.MaxAmount) {
			continue
		}
		if !approverSetsIntersect(r.RequiredApproverSet, approverSets) {
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanApprovalRule(row pgx.Rows) (ApprovalRule, error) {
	var r ApprovalRule
	err := row.Scan(&r.ID, &r.DocumentTypeID, &r.FromStatus, &r.ToStatus, &r.MinAmount, &r.MaxAmount, &r.RequiredApproverSet, &r.Priority, &r.Level)
	return r, err
}

func approverSetsIntersect(required, actorSets []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(actorSets))
	for _, s := range actorSets {
		have[s] = true
	}
	for _, r := range required {
		if have[r] {
			return true
		}
	}
	return false
}

// ExecuteTransition finds the highest-priority matching rule, writes the
// ApprovalLog, updates the document's status, applies the target status's
// inventory side effects, and commits all of it as one transaction.
func (e *approvalEngine) ExecuteTransition(ctx context.Context, documentID int, toStatus string, actor string, approverSets []string, comments string) Result[TransitionData] {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	doc, err := scanDocument(tx.QueryRow(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = $1 FOR UPDATE", documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fail[TransitionData](CodeItemNotFound, "document %d not found", documentID)
		}
		return Fail[TransitionData](CodeAvailabilityError, "failed to lock document %d: %v", documentID, err)
	}

	var transitionExists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM document_status_transitions WHERE document_type_id = $1 AND from_status = $2 AND to_status = $3)
	`, doc.DocumentTypeID, doc.Status, toStatus).Scan(&transitionExists); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to check transition: %v", err)
	}
	if !transitionExists {
		return Fail[TransitionData](CodeInvalidTransition, "no configured transition %s -> %s for document type %d", doc.Status, toStatus, doc.DocumentTypeID)
	}

	rule, err := e.matchRuleTx(ctx, tx, doc, toStatus, approverSets)
	if err != nil {
		code := CodeNoRule
		var ce *CodedError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		return Fail[TransitionData](code, "%s", err)
	}

	toStatusCfg, err := scanDocumentTypeStatus(tx.QueryRow(ctx, `
		SELECT id, document_type_id, status_key, is_initial, is_cancellation, is_final, allows_editing,
		       creates_inventory_movements, reverses_inventory_movements, allows_movement_correction,
		       auto_correct_movements_on_edit, movement_direction
		FROM document_type_statuses WHERE document_type_id = $1 AND status_key = $2
	`, doc.DocumentTypeID, toStatus), doc.DocumentTypeID)
	if err != nil {
		return Fail[TransitionData](CodeItemNotFound, "target status %q not configured: %v", toStatus, err)
	}

	var ruleID *int
	if rule != nil {
		id := rule.ID
		ruleID = &id
	}

	var log ApprovalLog
	if err := tx.QueryRow(ctx, `
		INSERT INTO approval_logs (document_id, actor, from_status, to_status, rule_matched, comments)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, document_id, actor, from_status, to_status, rule_matched, timestamp, comments
	`, documentID, actor, doc.Status, toStatus, ruleID, comments).Scan(
		&log.ID, &log.DocumentID, &log.Actor, &log.FromStatus, &log.ToStatus, &log.RuleMatched, &log.Timestamp, &log.Comments,
	); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to write approval log: %v", err)
	}

	fromStatus := doc.Status
	doc.Status = toStatus
	if err := tx.QueryRow(ctx, `
		UPDATE documents SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at
	`, toStatus, documentID).Scan(&doc.UpdatedAt); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to update document status: %v", err)
	}

	if err := e.documents.ApplyStatusSideEffects(ctx, tx, e.processor, doc, toStatusCfg); err != nil {
		code := CodeSideEffectFailed
		var ce *CodedError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		return Fail[TransitionData](code, "side effect for transition %s -> %s failed: %v", fromStatus, toStatus, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to commit transition: %v", err)
	}

	return Ok(TransitionData{Document: doc, Log: log, RuleUsed: rule})
}

// matchRuleTx finds the highest-priority ApprovalRule (by priority, already
// ordered by the query) whose amount range covers the document total and
// whose required approver set intersects the actor's sets. With no rule row
// for the edge it returns NO_RULE when the document type requires approval,
// and a nil rule otherwise. When rules exist but none matches, it returns
// PERMISSION_DENIED if some rule's amount range covers the total, and
// AMOUNT_OUT_OF_RANGE if none does.
func (e *approvalEngine) matchRuleTx(ctx context.Context, tx pgx.Tx, doc Document, toStatus string, approverSets []string) (*ApprovalRule, error) {
	var requiresApproval bool
	if err := tx.QueryRow(ctx, `SELECT requires_approval FROM document_types WHERE id = $1`, doc.DocumentTypeID).Scan(&requiresApproval); err != nil {
		return nil, fmt.Errorf("failed to check document type %d: %w", doc.DocumentTypeID, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, document_type_id, from_status, to_status, min_amount, max_amount,
		       required_approver_set, priority, level
		FROM approval_rules
		WHERE document_type_id = $1 AND from_status = $2 AND to_status = $3
		ORDER BY priority DESC
	`, doc.DocumentTypeID, doc.Status, toStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval rules: %w", err)
	}
	defer rows.Close()

	var rules []ApprovalRule
	for rows.Next() {
		r, err := scanApprovalRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(rules) == 0 {
		if requiresApproval {
			return nil, NewCodedError(CodeNoRule, "no approval rule configured for %s -> %s on document type %d", doc.Status, toStatus, doc.DocumentTypeID)
		}
		return nil, nil
	}

	for _, r := range rules {
		if !doc.TotalAmount.GreaterThanOrEqual(r.MinAmount) || !doc.TotalAmount.LessThanOrEqual(r.MaxAmount) {
			continue
		}
		if !approverSetsIntersect(r.RequiredApproverSet, approverSets) {
			continue
		}
		rule := r
		return &rule, nil
	}

	for _, r := range rules {
		if doc.TotalAmount.GreaterThanOrEqual(r.MinAmount) && doc.TotalAmount.LessThanOrEqual(r.MaxAmount) {
			return nil, NewCodedError(CodePermissionDenied, "actor's approver sets do not match any rule for %s -> %s", doc.Status, toStatus)
		}
	}
	return nil, NewCodedError(CodeAmountOutOfRange, "document total %s outside every configured rule's amount range for %s -> %s", doc.TotalAmount, doc.Status, toStatus)
}

// Reject transitions the document to its type's configured cancellation
// status, bypassing ExecuteTransition's rule matching (a reject is always
// permitted regardless of amount or approver set).
func (e *approvalEngine) Reject(ctx context.Context, documentID int, actor string, comments string) Result[TransitionData] {
	doc, _, err := e.documents.GetDocument(ctx, documentID)
	if err != nil {
		return Fail[TransitionData](CodeItemNotFound, "document %d not found: %v", documentID, err)
	}

	var cancelStatus string
	err = e.pool.QueryRow(ctx, `
		SELECT status_key FROM document_type_statuses WHERE document_type_id = $1 AND is_cancellation = true LIMIT 1
	`, doc.DocumentTypeID).Scan(&cancelStatus)
	if err != nil {
		return Fail[TransitionData](CodeItemNotFound, "no cancellation status configured for document type %d: %v", doc.DocumentTypeID, err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	toStatusCfg, err := scanDocumentTypeStatus(tx.QueryRow(ctx, `
		SELECT id, document_type_id, status_key, is_initial, is_cancellation, is_final, allows_editing,
		       creates_inventory_movements, reverses_inventory_movements, allows_movement_correction,
		       auto_correct_movements_on_edit, movement_direction
		FROM document_type_statuses WHERE document_type_id = $1 AND status_key = $2
	`, doc.DocumentTypeID, cancelStatus), doc.DocumentTypeID)
	if err != nil {
		return Fail[TransitionData](CodeItemNotFound, "cancellation status not configured: %v", err)
	}

	var log ApprovalLog
	if err := tx.QueryRow(ctx, `
		INSERT INTO approval_logs (document_id, actor, from_status, to_status, rule_matched, comments)
		VALUES ($1,$2,$3,$4,NULL,$5)
		RETURNING id, document_id, actor, from_status, to_status, rule_matched, timestamp, comments
	`, documentID, actor, doc.Status, cancelStatus, comments).Scan(
		&log.ID, &log.DocumentID, &log.Actor, &log.FromStatus, &log.ToStatus, &log.RuleMatched, &log.Timestamp, &log.Comments,
	); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to write approval log: %v", err)
	}

	doc.Status = cancelStatus
	if err := tx.QueryRow(ctx, `
		UPDATE documents SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at
	`, cancelStatus, documentID).Scan(&doc.UpdatedAt); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to update document status: %v", err)
	}

	if err := e.documents.ApplyStatusSideEffects(ctx, tx, e.processor, doc, toStatusCfg); err != nil {
		code := CodeSideEffectFailed
		var ce *CodedError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		return Fail[TransitionData](code, "side effect for rejection failed: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Fail[TransitionData](CodeAvailabilityError, "failed to commit rejection: %v", err)
	}

	return Ok(TransitionData{Document: doc, Log: log})
}
