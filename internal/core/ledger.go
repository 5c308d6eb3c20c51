package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers that work whether or not the caller has an open transaction.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxRowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx (for Query).
type pgxRowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MovementLedger is the append-only store of MovementRecord (C1). Writes
// happen only through appendTx, called by the Movement Processor inside its
// own transaction; every read here is free and may run against the pool or
// an in-flight transaction.
type MovementLedger interface {
	ByID(ctx context.Context, id int64) (MovementRecord, error)
	ForCombination(ctx context.Context, locationID, productID int) ([]MovementRecord, error)
	ForBatch(ctx context.Context, locationID, productID int, batchNumber string) ([]MovementRecord, error)
	BySourceDocument(ctx context.Context, kind, number string) ([]MovementRecord, error)
}

type movementLedger struct {
	pool pgxRowQuerier
}

// NewMovementLedger constructs the read-side of the ledger over the pool.
func NewMovementLedger(pool pgxRowQuerier) MovementLedger {
	return &movementLedger{pool: pool}
}

const movementColumns = `
	id, location_id, product_id, type, quantity, cost_price, sale_price,
	profit_amount, profit_margin_percentage, batch_number, expiry_date,
	from_location_id, to_location_id, source_document_kind,
	source_document_number, reason, movement_date, created_at
`

func scanMovement(row interface {
	Scan(dest ...any) error
}) (MovementRecord, error) {
	var m MovementRecord
	err := row.Scan(
		&m.ID, &m.LocationID, &m.ProductID, &m.Type, &m.Quantity, &m.CostPrice, &m.SalePrice,
		&m.ProfitAmount, &m.ProfitMarginPercentage, &m.BatchNumber, &m.ExpiryDate,
		&m.FromLocationID, &m.ToLocationID, &m.SourceDocumentKind,
		&m.SourceDocumentNumber, &m.Reason, &m.MovementDate, &m.CreatedAt,
	)
	return m, err
}

func (l *movementLedger) ByID(ctx context.Context, id int64) (MovementRecord, error) {
	q, ok := l.pool.(pgxQuerier)
	if !ok {
		return MovementRecord{}, fmt.Errorf("ledger: pool does not support QueryRow")
	}
	row := q.QueryRow(ctx, "SELECT "+movementColumns+" FROM movement_records WHERE id = $1", id)
	m, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementRecord{}, NewCodedError(CodeItemNotFound, "movement %d not found", id)
		}
		return MovementRecord{}, fmt.Errorf("failed to fetch movement %d: %w", id, err)
	}
	return m, nil
}

// ForCombination returns the movements stored at (locationID, productID),
// plus TRANSFER rows whose to_location_id is locationID. A TRANSFER row's
// location_id is the source; CreateTransfer records the destination leg as
// its own IN row, so IsIncomingAt does not count the TRANSFER row there.
func (l *movementLedger) ForCombination(ctx context.Context, locationID, productID int) ([]MovementRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM movement_records
		WHERE product_id = $2 AND (location_id = $1 OR to_location_id = $1)
		ORDER BY movement_date, id
	`, locationID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for (%d, %d): %w", locationID, productID, err)
	}
	defer rows.Close()

	var out []MovementRecord
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *movementLedger) ForBatch(ctx context.Context, locationID, productID int, batchNumber string) ([]MovementRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM movement_records
		WHERE product_id = $2 AND (location_id = $1 OR to_location_id = $1) AND batch_number = $3
		ORDER BY movement_date, id
	`, locationID, productID, batchNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for batch %s: %w", batchNumber, err)
	}
	defer rows.Close()

	var out []MovementRecord
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *movementLedger) BySourceDocument(ctx context.Context, kind, number string) ([]MovementRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM movement_records
		WHERE source_document_kind = $1 AND source_document_number = $2
		ORDER BY movement_date, id
	`, kind, number)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for source %s/%s: %w", kind, number, err)
	}
	defer rows.Close()

	var out []MovementRecord
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// appendTx writes a single MovementRecord inside the caller's transaction.
// It is unexported: the only writer of the ledger is the Movement Processor,
// matching §4.1's "writes occur only through the Movement Processor".
func appendTx(ctx context.Context, tx pgx.Tx, m MovementRecord) (MovementRecord, error) {
	m.deriveProfit()
	err := tx.QueryRow(ctx, `
		INSERT INTO movement_records (
			location_id, product_id, type, quantity, cost_price, sale_price,
			profit_amount, profit_margin_percentage, batch_number, expiry_date,
			from_location_id, to_location_id, source_document_kind,
			source_document_number, reason, movement_date, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16, NOW())
		RETURNING id, created_at
	`,
		m.LocationID, m.ProductID, m.Type, m.Quantity, m.CostPrice, m.SalePrice,
		m.ProfitAmount, m.ProfitMarginPercentage, m.BatchNumber, m.ExpiryDate,
		m.FromLocationID, m.ToLocationID, m.SourceDocumentKind,
		m.SourceDocumentNumber, m.Reason, m.MovementDate,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return MovementRecord{}, fmt.Errorf("failed to append movement record: %w", err)
	}
	return m, nil
}
