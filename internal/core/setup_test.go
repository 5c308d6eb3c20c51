package core_test

import (
	"context"
	"os"
	"testing"

	"posledger/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// setupTestDB connects to a dedicated TEST database and wipes every table
// this module owns. Set TEST_DATABASE_URL in your .env or environment to run
// these tests; without it they are skipped so a stray run never touches a
// live database.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE
			approval_logs, approval_rules, document_status_transitions, document_type_statuses,
			document_lines, documents, document_types,
			numbering_configs, product_barcodes, packaging_prices, promotions, step_prices,
			group_prices, base_prices, batch_cache, balance_cache, movement_records,
			customers, products, locations
		CASCADE;
	`)
	if err != nil {
		t.Fatalf("failed to truncate test database: %v", err)
	}

	return pool
}

// seedLocation creates a Location with sane defaults, overridden by fn.
func seedLocation(t *testing.T, ctx context.Context, locations core.LocationStore, code string, fn func(*core.Location)) core.Location {
	t.Helper()
	l := core.Location{Code: code, Name: code, BatchTrackingMode: core.BatchTrackingDisabled}
	if fn != nil {
		fn(&l)
	}
	out, err := locations.Create(ctx, l)
	if err != nil {
		t.Fatalf("failed to seed location %s: %v", code, err)
	}
	return out
}

// seedProduct creates a Product with sane defaults, overridden by fn.
func seedProduct(t *testing.T, ctx context.Context, products core.ProductStore, code string, fn func(*core.Product)) core.Product {
	t.Helper()
	p := core.Product{Code: code, Name: code, BaseUnit: "EA", UnitType: core.UnitPiece, LifecycleStatus: core.LifecycleActive}
	if fn != nil {
		fn(&p)
	}
	out, err := products.Create(ctx, p)
	if err != nil {
		t.Fatalf("failed to seed product %s: %v", code, err)
	}
	return out
}

// seedCustomer creates a Customer with sane defaults, overridden by fn.
func seedCustomer(t *testing.T, ctx context.Context, customers core.CustomerStore, code string, fn func(*core.Customer)) core.Customer {
	t.Helper()
	c := core.Customer{Code: code, Name: code}
	if fn != nil {
		fn(&c)
	}
	out, err := customers.Create(ctx, c)
	if err != nil {
		t.Fatalf("failed to seed customer %s: %v", code, err)
	}
	return out
}
