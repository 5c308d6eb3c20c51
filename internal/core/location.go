package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LocationStore is the root-entity CRUD surface for Location (§3).
type LocationStore interface {
	Create(ctx context.Context, l Location) (Location, error)
	ByID(ctx context.Context, id int) (Location, error)
	ByCode(ctx context.Context, code string) (Location, error)
	List(ctx context.Context) ([]Location, error)
}

type locationStore struct {
	pool *pgxpool.Pool
}

// NewLocationStore constructs a LocationStore backed by PostgreSQL.
func NewLocationStore(pool *pgxpool.Pool) LocationStore {
	return &locationStore{pool: pool}
}

const locationColumns = `id, code, name, allow_negative_stock, default_markup_percentage, batch_tracking_mode, created_at`

func scanLocation(row pgx.Row) (Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.Code, &l.Name, &l.AllowNegativeStock, &l.DefaultMarkupPercentage, &l.BatchTrackingMode, &l.CreatedAt)
	return l, err
}

func (s *locationStore) Create(ctx context.Context, l Location) (Location, error) {
	if l.BatchTrackingMode == "" {
		l.BatchTrackingMode = BatchTrackingDisabled
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO locations (code, name, allow_negative_stock, default_markup_percentage, batch_tracking_mode)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+locationColumns,
		l.Code, l.Name, l.AllowNegativeStock, l.DefaultMarkupPercentage, l.BatchTrackingMode,
	)
	out, err := scanLocation(row)
	if err != nil {
		return Location{}, fmt.Errorf("failed to create location %q: %w", l.Code, err)
	}
	return out, nil
}

func (s *locationStore) ByID(ctx context.Context, id int) (Location, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx, "SELECT "+locationColumns+" FROM locations WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, NewCodedError(CodeItemNotFound, "location %d not found", id)
		}
		return Location{}, fmt.Errorf("failed to fetch location %d: %w", id, err)
	}
	return l, nil
}

func (s *locationStore) ByCode(ctx context.Context, code string) (Location, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx, "SELECT "+locationColumns+" FROM locations WHERE code = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, NewCodedError(CodeItemNotFound, "location %q not found", code)
		}
		return Location{}, fmt.Errorf("failed to fetch location %q: %w", code, err)
	}
	return l, nil
}

func (s *locationStore) List(ctx context.Context) ([]Location, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+locationColumns+" FROM locations ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
