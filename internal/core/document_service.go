package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DocumentService owns the document/type/status configuration tables and the
// Document+DocumentLine CRUD surface (C7). Inventory side effects declared
// on a DocumentTypeStatus are applied by ApplyStatusSideEffects, called by
// the Approval Engine inside its own transition transaction.
type DocumentService interface {
	CreateDocumentType(ctx context.Context, typeKey string, requiresApproval bool) (DocumentType, error)
	AddStatus(ctx context.Context, s DocumentTypeStatus) (DocumentTypeStatus, error)
	AddTransition(ctx context.Context, t DocumentStatusTransition) error
	StatusByKey(ctx context.Context, documentTypeID int, statusKey string) (DocumentTypeStatus, error)
	TransitionExists(ctx context.Context, documentTypeID int, fromStatus, toStatus string) (bool, error)

	CreateDocument(ctx context.Context, doc Document, lines []DocumentLine) (Document, []DocumentLine, error)
	GetDocument(ctx context.Context, id int) (Document, []DocumentLine, error)
	// UpdateLines replaces a document's lines and recomputes its totals.
	// Fails with CodeInvalidTransition if the current status's
	// DocumentTypeStatus has allows_editing=false. When the status has
	// auto_correct_movements_on_edit=true, the caller (Approval Engine or a
	// direct editor) is expected to follow up with compensating adjustments;
	// UpdateLines itself only recomputes totals and does not touch the ledger.
	UpdateLines(ctx context.Context, documentID int, lines []DocumentLine) (Document, []DocumentLine, error)

	// ApplyStatusSideEffects runs the inventory side effects declared on
	// toStatus's DocumentTypeStatus row, inside tx (§4.6):
	// creates_inventory_movements writes one movement per line;
	// reverses_inventory_movements reverses every movement previously
	// written for this document (matched by source_document_number).
	ApplyStatusSideEffects(ctx context.Context, tx pgx.Tx, processor MovementProcessor, doc Document, toStatus DocumentTypeStatus) error
}

type documentService struct {
	pool *pgxpool.Pool
}

// NewDocumentService constructs the Document Model/Service over the pool.
func NewDocumentService(pool *pgxpool.Pool) DocumentService {
	return &documentService{pool: pool}
}

func (s *documentService) CreateDocumentType(ctx context.Context, typeKey string, requiresApproval bool) (DocumentType, error) {
	var dt DocumentType
	err := s.pool.QueryRow(ctx, `
		INSERT INTO document_types (type_key, requires_approval) VALUES ($1, $2)
		RETURNING id, type_key, requires_approval
	`, typeKey, requiresApproval).Scan(&dt.ID, &dt.TypeKey, &dt.RequiresApproval)
	if err != nil {
		return DocumentType{}, fmt.Errorf("failed to create document type %q: %w", typeKey, err)
	}
	return dt, nil
}

func (s *documentService) AddStatus(ctx context.Context, st DocumentTypeStatus) (DocumentTypeStatus, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO document_type_statuses (
			document_type_id, status_key, is_initial, is_cancellation, is_final, allows_editing,
			creates_inventory_movements, reverses_inventory_movements, allows_movement_correction,
			auto_correct_movements_on_edit, movement_direction
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, document_type_id, status_key, is_initial, is_cancellation, is_final, allows_editing,
		          creates_inventory_movements, reverses_inventory_movements, allows_movement_correction,
		          auto_correct_movements_on_edit, movement_direction
	`,
		st.DocumentTypeID, st.StatusKey, st.IsInitial, st.IsCancellation, st.IsFinal, st.AllowsEditing,
		st.CreatesInventoryMovements, st.ReversesInventoryMovements, st.AllowsMovementCorrection,
		st.AutoCorrectMovementsOnEdit, st.MovementDirection,
	).Scan(
		&st.ID, &st.DocumentTypeID, &st.StatusKey, &st.IsInitial, &st.IsCancellation, &st.IsFinal, &st.AllowsEditing,
		&st.CreatesInventoryMovements, &st.ReversesInventoryMovements, &st.AllowsMovementCorrection,
		&st.AutoCorrectMovementsOnEdit, &st.MovementDirection,
	)
	if err != nil {
		return DocumentTypeStatus{}, fmt.Errorf("failed to add status %q: %w", st.StatusKey, err)
	}
	return st, nil
}

func (s *documentService) AddTransition(ctx context.Context, t DocumentStatusTransition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_status_transitions (document_type_id, from_status, to_status)
		VALUES ($1, $2, $3) ON CONFLICT (document_type_id, from_status, to_status) DO NOTHING
	`, t.DocumentTypeID, t.FromStatus, t.ToStatus)
	if err != nil {
		return fmt.Errorf("failed to add transition %s -> %s: %w", t.FromStatus, t.ToStatus, err)
	}
	return nil
}

func (s *documentService) StatusByKey(ctx context.Context, documentTypeID int, statusKey string) (DocumentTypeStatus, error) {
	return scanDocumentTypeStatus(s.pool.QueryRow(ctx, `
		SELECT id, document_type_id, status_key, is_initial, is_cancellation, is_final, allows_editing,
		       creates_inventory_movements, reverses_inventory_movements, allows_movement_correction,
		       auto_correct_movements_on_edit, movement_direction
		FROM document_type_statuses WHERE document_type_id = $1 AND status_key = $2
	`, documentTypeID, statusKey), documentTypeID)
}

func scanDocumentTypeStatus(row pgx.Row, documentTypeID int) (DocumentTypeStatus, error) {
	var st DocumentTypeStatus
	err := row.Scan(
		&st.ID, &st.DocumentTypeID, &st.StatusKey, &st.IsInitial, &st.IsCancellation, &st.IsFinal, &st.AllowsEditing,
		&st.CreatesInventoryMovements, &st.ReversesInventoryMovements, &st.AllowsMovementCorrection,
		&st.AutoCorrectMovementsOnEdit, &st.MovementDirection,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DocumentTypeStatus{}, NewCodedError(CodeItemNotFound, "status %q not configured for document type %d", "", documentTypeID)
		}
		return DocumentTypeStatus{}, fmt.Errorf("failed to fetch document type status: %w", err)
	}
	return st, nil
}

func (s *documentService) TransitionExists(ctx context.Context, documentTypeID int, fromStatus, toStatus string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM document_status_transitions WHERE document_type_id = $1 AND from_status = $2 AND to_status = $3)
	`, documentTypeID, fromStatus, toStatus).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transition: %w", err)
	}
	return exists, nil
}

// CreateDocument computes line totals and the document's cached total_amount
// and vat_amount, then inserts the document and its lines inside one
// transaction (§4.6).
func (s *documentService) CreateDocument(ctx context.Context, doc Document, lines []DocumentLine) (Document, []DocumentLine, error) {
	for i := range lines {
		lines[i].computeLineTotals(doc.VATIncluded)
	}
	doc.TotalAmount, doc.VATAmount = documentTotals(lines)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO documents (
			document_number, document_date, document_kind, document_type_id, status, supplier,
			location_id, vat_included, total_amount, vat_amount, urgency_level, requested_by, converted_order_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at, updated_at
	`,
		doc.DocumentNumber, doc.DocumentDate, doc.Kind, doc.DocumentTypeID, doc.Status, doc.Supplier,
		doc.LocationID, doc.VATIncluded, doc.TotalAmount, doc.VATAmount, doc.UrgencyLevel, doc.RequestedBy, doc.ConvertedOrderID,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to create document: %w", err)
	}

	for i := range lines {
		lines[i].DocumentID = doc.ID
		lines[i].LineNumber = i + 1
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_lines (
				document_id, line_number, product_id, quantity, unit, unit_price, discount_percent,
				tax_rate_percent, batch_number, expiry_date, line_total, vat_amount
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			lines[i].DocumentID, lines[i].LineNumber, lines[i].ProductID, lines[i].Quantity, lines[i].Unit,
			lines[i].UnitPrice, lines[i].DiscountPercent, lines[i].TaxRatePercent, lines[i].BatchNumber,
			lines[i].ExpiryDate, lines[i].LineTotal, lines[i].VATAmount,
		); err != nil {
			return Document{}, nil, fmt.Errorf("failed to insert document line %d: %w", lines[i].LineNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, nil, fmt.Errorf("failed to commit document creation: %w", err)
	}
	return doc, lines, nil
}

const documentColumns = `
	id, document_number, document_date, document_kind, document_type_id, status, supplier,
	location_id, vat_included, total_amount, vat_amount, urgency_level, requested_by,
	converted_order_id, created_at, updated_at
`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.DocumentNumber, &d.DocumentDate, &d.Kind, &d.DocumentTypeID, &d.Status, &d.Supplier,
		&d.LocationID, &d.VATIncluded, &d.TotalAmount, &d.VATAmount, &d.UrgencyLevel, &d.RequestedBy,
		&d.ConvertedOrderID, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func (s *documentService) GetDocument(ctx context.Context, id int) (Document, []DocumentLine, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, nil, NewCodedError(CodeItemNotFound, "document %d not found", id)
		}
		return Document{}, nil, fmt.Errorf("failed to fetch document %d: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT document_id, line_number, product_id, quantity, unit, unit_price, discount_percent,
		       tax_rate_percent, batch_number, expiry_date, line_total, vat_amount
		FROM document_lines WHERE document_id = $1 ORDER BY line_number
	`, id)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to query document lines: %w", err)
	}
	defer rows.Close()

	var lines []DocumentLine
	for rows.Next() {
		var l DocumentLine
		if err := rows.Scan(
			&l.DocumentID, &l.LineNumber, &l.ProductID, &l.Quantity, &l.Unit, &l.UnitPrice, &l.DiscountPercent,
			&l.TaxRatePercent, &l.BatchNumber, &l.ExpiryDate, &l.LineTotal, &l.VATAmount,
		); err != nil {
			return Document{}, nil, fmt.Errorf("failed to scan document line: %w", err)
		}
		lines = append(lines, l)
	}
	return doc, lines, rows.Err()
}

func (s *documentService) UpdateLines(ctx context.Context, documentID int, lines []DocumentLine) (Document, []DocumentLine, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := scanDocument(tx.QueryRow(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = $1 FOR UPDATE", documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, nil, NewCodedError(CodeItemNotFound, "document %d not found", documentID)
		}
		return Document{}, nil, fmt.Errorf("failed to lock document %d: %w", documentID, err)
	}

	st, err := s.StatusByKey(ctx, doc.DocumentTypeID, doc.Status)
	if err != nil {
		return Document{}, nil, err
	}
	if !st.AllowsEditing {
		return Document{}, nil, NewCodedError(CodeInvalidTransition, "document %d cannot be edited while in status %q", documentID, doc.Status)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM document_lines WHERE document_id = $1", documentID); err != nil {
		return Document{}, nil, fmt.Errorf("failed to clear document lines: %w", err)
	}
	for i := range lines {
		lines[i].computeLineTotals(doc.VATIncluded)
		lines[i].DocumentID = documentID
		lines[i].LineNumber = i + 1
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_lines (
				document_id, line_number, product_id, quantity, unit, unit_price, discount_percent,
				tax_rate_percent, batch_number, expiry_date, line_total, vat_amount
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			lines[i].DocumentID, lines[i].LineNumber, lines[i].ProductID, lines[i].Quantity, lines[i].Unit,
			lines[i].UnitPrice, lines[i].DiscountPercent, lines[i].TaxRatePercent, lines[i].BatchNumber,
			lines[i].ExpiryDate, lines[i].LineTotal, lines[i].VATAmount,
		); err != nil {
			return Document{}, nil, fmt.Errorf("failed to insert document line %d: %w", lines[i].LineNumber, err)
		}
	}

	doc.TotalAmount, doc.VATAmount = documentTotals(lines)
	if err := tx.QueryRow(ctx, `
		UPDATE documents SET total_amount = $1, vat_amount = $2, updated_at = NOW() WHERE id = $3
		RETURNING updated_at
	`, doc.TotalAmount, doc.VATAmount, documentID).Scan(&doc.UpdatedAt); err != nil {
		return Document{}, nil, fmt.Errorf("failed to update document totals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, nil, fmt.Errorf("failed to commit line update: %w", err)
	}
	return doc, lines, nil
}

// ApplyStatusSideEffects implements §4.6's side-effect declarations.
// creates_inventory_movements and reverses_inventory_movements are mutually
// exclusive by convention (a status either receives stock or reverses a
// prior receipt, never both); both read the document's lines to know what
// to move.
func (s *documentService) ApplyStatusSideEffects(ctx context.Context, tx pgx.Tx, processor MovementProcessor, doc Document, toStatus DocumentTypeStatus) error {
	if toStatus.ReversesInventoryMovements {
		rows, err := tx.Query(ctx, `SELECT id FROM movement_records WHERE source_document_kind = $1 AND source_document_number = $2`, string(doc.Kind), doc.DocumentNumber)
		if err != nil {
			return fmt.Errorf("failed to list movements to reverse: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan movement id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := processor.ReverseTx(ctx, tx, id, fmt.Sprintf("document %s entered status %s", doc.DocumentNumber, toStatus.StatusKey)); err != nil {
				return fmt.Errorf("failed to reverse movement %d: %w", id, err)
			}
		}
		return nil
	}

	if toStatus.CreatesInventoryMovements {
		lines, err := queryDocumentLinesTx(ctx, tx, doc.ID)
		if err != nil {
			return fmt.Errorf("failed to read document lines for side effect: %w", err)
		}
		for _, l := range lines {
			if toStatus.MovementDirection == MovementDirectionOut {
				if _, err := processor.CreateOutgoingTx(ctx, tx, OutgoingInput{
					LocationID: doc.LocationID, ProductID: l.ProductID, Quantity: l.Quantity,
					CostPrice: &l.UnitPrice, BatchNumber: l.BatchNumber,
					SourceDocumentKind: string(doc.Kind), SourceDocumentNumber: doc.DocumentNumber,
					Reason: fmt.Sprintf("document %s entered status %s", doc.DocumentNumber, toStatus.StatusKey),
				}); err != nil {
					return fmt.Errorf("failed to create outgoing movement for line %d: %w", l.LineNumber, err)
				}
			} else {
				if _, err := processor.CreateIncomingTx(ctx, tx, IncomingInput{
					LocationID: doc.LocationID, ProductID: l.ProductID, Quantity: l.Quantity, CostPrice: l.UnitPrice,
					BatchNumber: l.BatchNumber, ExpiryDate: l.ExpiryDate,
					SourceDocumentKind: string(doc.Kind), SourceDocumentNumber: doc.DocumentNumber,
					Reason: fmt.Sprintf("document %s entered status %s", doc.DocumentNumber, toStatus.StatusKey),
				}); err != nil {
					return fmt.Errorf("failed to create incoming movement for line %d: %w", l.LineNumber, err)
				}
			}
		}
	}
	return nil
}

// queryDocumentLinesTx reads a document's lines within tx so side effects
// see lines written earlier in the same transaction.
func queryDocumentLinesTx(ctx context.Context, tx pgx.Tx, documentID int) ([]DocumentLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT document_id, line_number, product_id, quantity, unit, unit_price, discount_percent,
		       tax_rate_percent, batch_number, expiry_date, line_total, vat_amount
		FROM document_lines WHERE document_id = $1 ORDER BY line_number
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []DocumentLine
	for rows.Next() {
		var l DocumentLine
		if err := rows.Scan(
			&l.DocumentID, &l.LineNumber, &l.ProductID, &l.Quantity, &l.Unit, &l.UnitPrice, &l.DiscountPercent,
			&l.TaxRatePercent, &l.BatchNumber, &l.ExpiryDate, &l.LineTotal, &l.VATAmount,
		); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
