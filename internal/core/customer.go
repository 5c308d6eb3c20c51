package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CustomerStore is the minimal partner surface the Pricing Resolver and
// Movement Processor consume for price-group lookups (§4.5).
type CustomerStore interface {
	Create(ctx context.Context, c Customer) (Customer, error)
	ByID(ctx context.Context, id int) (Customer, error)
	ByCode(ctx context.Context, code string) (Customer, error)
}

type customerStore struct {
	pool *pgxpool.Pool
}

// NewCustomerStore constructs a CustomerStore backed by PostgreSQL.
func NewCustomerStore(pool *pgxpool.Pool) CustomerStore {
	return &customerStore{pool: pool}
}

const customerColumns = `id, code, name, price_group, created_at`

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	var createdAt any
	err := row.Scan(&c.ID, &c.Code, &c.Name, &c.PriceGroup, &createdAt)
	return c, err
}

func (s *customerStore) Create(ctx context.Context, c Customer) (Customer, error) {
	out, err := scanCustomer(s.pool.QueryRow(ctx, `
		INSERT INTO customers (code, name, price_group) VALUES ($1, $2, $3)
		RETURNING `+customerColumns,
		c.Code, c.Name, c.PriceGroup,
	))
	if err != nil {
		return Customer{}, fmt.Errorf("failed to create customer %q: %w", c.Code, err)
	}
	return out, nil
}

func (s *customerStore) ByID(ctx context.Context, id int) (Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, NewCodedError(CodeItemNotFound, "customer %d not found", id)
		}
		return Customer{}, fmt.Errorf("failed to fetch customer %d: %w", id, err)
	}
	return c, nil
}

func (s *customerStore) ByCode(ctx context.Context, code string) (Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE code = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, NewCodedError(CodeItemNotFound, "customer %q not found", code)
		}
		return Customer{}, fmt.Errorf("failed to fetch customer %q: %w", code, err)
	}
	return c, nil
}
