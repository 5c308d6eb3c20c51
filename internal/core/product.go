package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductStore is the root-entity CRUD surface for Product (§3).
type ProductStore interface {
	Create(ctx context.Context, p Product) (Product, error)
	ByID(ctx context.Context, id int) (Product, error)
	ByCode(ctx context.Context, code string) (Product, error)
	List(ctx context.Context) ([]Product, error)
}

type productStore struct {
	pool *pgxpool.Pool
}

// NewProductStore constructs a ProductStore backed by PostgreSQL.
func NewProductStore(pool *pgxpool.Pool) ProductStore {
	return &productStore{pool: pool}
}

const productColumns = `
	id, code, name, base_unit, unit_type, tax_group, lifecycle_status,
	sales_blocked, purchase_blocked, track_batches, enable_serial_tracking, created_at
`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.Code, &p.Name, &p.BaseUnit, &p.UnitType, &p.TaxGroup, &p.LifecycleStatus,
		&p.SalesBlocked, &p.PurchaseBlocked, &p.TrackBatches, &p.EnableSerialTracking, &p.CreatedAt,
	)
	return p, err
}

func (s *productStore) Create(ctx context.Context, p Product) (Product, error) {
	if err := p.Validate(); err != nil {
		return Product{}, err
	}
	if p.LifecycleStatus == "" {
		p.LifecycleStatus = LifecycleNew
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO products (code, name, base_unit, unit_type, tax_group, lifecycle_status,
		                       sales_blocked, purchase_blocked, track_batches, enable_serial_tracking)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+productColumns,
		p.Code, p.Name, p.BaseUnit, p.UnitType, p.TaxGroup, p.LifecycleStatus,
		p.SalesBlocked, p.PurchaseBlocked, p.TrackBatches, p.EnableSerialTracking,
	)
	out, err := scanProduct(row)
	if err != nil {
		return Product{}, fmt.Errorf("failed to create product %q: %w", p.Code, err)
	}
	return out, nil
}

func (s *productStore) ByID(ctx context.Context, id int) (Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, NewCodedError(CodeItemNotFound, "product %d not found", id)
		}
		return Product{}, fmt.Errorf("failed to fetch product %d: %w", id, err)
	}
	return p, nil
}

func (s *productStore) ByCode(ctx context.Context, code string) (Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE code = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, NewCodedError(CodeItemNotFound, "product %q not found", code)
		}
		return Product{}, fmt.Errorf("failed to fetch product %q: %w", code, err)
	}
	return p, nil
}

func (s *productStore) List(ctx context.Context) ([]Product, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+productColumns+" FROM products ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
