// rebuildcache recomputes every balance_cache and batch_cache row from the
// movement ledger. Caches are derived state (§3: "owned derivatives of the
// ledger — they may be freely deleted and rebuilt"); run this after a schema
// change to the cache tables or whenever a cache is suspected stale.
//
// Usage: go run ./cmd/rebuildcache
package main

import (
	"context"
	"log"

	"posledger/internal/core"
	"posledger/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

type locationProduct struct {
	locationID int
	productID  int
}

type locationProductBatch struct {
	locationID  int
	productID   int
	batchNumber string
}

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	balances := core.NewBalanceCacheStore(pool)
	batches := core.NewBatchCacheStore(pool)

	pairs, err := distinctLocationProductPairs(ctx, pool)
	if err != nil {
		log.Fatalf("failed to list location/product combinations: %v", err)
	}
	log.Printf("[SCAN] %d (location, product) combinations found in the ledger", len(pairs))

	var refreshed, failed int
	for _, p := range pairs {
		if err := rebuildBalance(ctx, pool, balances, p.locationID, p.productID); err != nil {
			log.Printf("[ERROR] balance (%d, %d): %v", p.locationID, p.productID, err)
			failed++
			continue
		}
		refreshed++
	}
	log.Printf("[BALANCE] %d refreshed, %d failed", refreshed, failed)

	batchKeys, err := distinctBatchKeys(ctx, pool)
	if err != nil {
		log.Fatalf("failed to list batch combinations: %v", err)
	}
	log.Printf("[SCAN] %d batch combinations found in the ledger", len(batchKeys))

	var batchRefreshed, batchFailed int
	for _, k := range batchKeys {
		if err := rebuildBatch(ctx, pool, batches, k.locationID, k.productID, k.batchNumber); err != nil {
			log.Printf("[ERROR] batch (%d, %d, %s): %v", k.locationID, k.productID, k.batchNumber, err)
			batchFailed++
			continue
		}
		batchRefreshed++
	}
	log.Printf("[BATCH] %d refreshed, %d failed", batchRefreshed, batchFailed)

	log.Println("[DONE] cache rebuild complete")
}

func distinctLocationProductPairs(ctx context.Context, pool *pgxpool.Pool) ([]locationProduct, error) {
	rows, err := pool.Query(ctx, `SELECT DISTINCT location_id, product_id FROM movement_records ORDER BY location_id, product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []locationProduct
	for rows.Next() {
		var p locationProduct
		if err := rows.Scan(&p.locationID, &p.productID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func distinctBatchKeys(ctx context.Context, pool *pgxpool.Pool) ([]locationProductBatch, error) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT location_id, product_id, batch_number
		FROM movement_records
		WHERE batch_number IS NOT NULL
		ORDER BY location_id, product_id, batch_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []locationProductBatch
	for rows.Next() {
		var k locationProductBatch
		if err := rows.Scan(&k.locationID, &k.productID, &k.batchNumber); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// rebuildBalance locks the (location, product) balance row (if any) and
// refreshes it inside its own transaction, mirroring the lock ordering
// the Movement Processor itself uses (§5: balance rows before batch rows).
func rebuildBalance(ctx context.Context, pool *pgxpool.Pool, balances core.BalanceCacheStore, locationID, productID int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := balances.RefreshTx(ctx, tx, locationID, productID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func rebuildBatch(ctx context.Context, pool *pgxpool.Pool, batches core.BatchCacheStore, locationID, productID int, batchNumber string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := batches.RefreshBatchTx(ctx, tx, locationID, productID, batchNumber); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
