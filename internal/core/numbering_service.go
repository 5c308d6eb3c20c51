package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NumberingType selects the formatting rule next_number applies (§4.8).
type NumberingType string

const (
	NumberingFiscal   NumberingType = "fiscal"
	NumberingInternal NumberingType = "internal"
)

// NumberData is the structured payload of NextNumber and PreviewNumber.
type NumberData struct {
	Number        string `json:"number"`
	ConfigID      int    `json:"config_id"`
	FromFallback  bool   `json:"from_fallback"`
}

type numberingConfig struct {
	ID             int
	DocumentTypeKey string
	LocationID     *int
	AppUser        *string
	NumberingType  NumberingType
	Prefix         string
	DigitsCount    int
	CurrentNumber  int64
	MaxNumber      int64
	ResetYearly    bool
	LastResetYear  *int
}

// NumberingService allocates gapless, per-type sequence numbers (C9).
type NumberingService interface {
	// NextNumber selects the most specific configuration for
	// (documentTypeKey, locationID, appUser) — user-preference over
	// location-assignment over type-default — and atomically allocates the
	// next number from it.
	NextNumber(ctx context.Context, documentTypeKey string, locationID *int, appUser *string) Result[NumberData]
	// PreviewNumber reports what NextNumber would currently return without
	// allocating it (no row lock, no increment; the real call may still
	// race ahead of a preview under concurrent load). For an exhausted
	// configuration it fails with VALIDATION rather than previewing the
	// fallback number NextNumber returns for a non-fiscal one.
	PreviewNumber(ctx context.Context, documentTypeKey string, locationID *int, appUser *string) Result[NumberData]
	// ValidateConfig sanity-checks a configuration's digits_count, prefix,
	// and current/max bounds without mutating anything.
	ValidateConfig(ctx context.Context, configID int) Result[struct{}]
}

type numberingService struct {
	pool *pgxpool.Pool
}

// NewNumberingService constructs the Numbering Service over the pool.
func NewNumberingService(pool *pgxpool.Pool) NumberingService {
	return &numberingService{pool: pool}
}

const numberingConfigColumns = `
	id, document_type_key, location_id, app_user, numbering_type, prefix,
	digits_count, current_number, max_number, reset_yearly, last_reset_year
`

func scanNumberingConfig(row pgx.Row) (numberingConfig, error) {
	var c numberingConfig
	err := row.Scan(
		&c.ID, &c.DocumentTypeKey, &c.LocationID, &c.AppUser, &c.NumberingType, &c.Prefix,
		&c.DigitsCount, &c.CurrentNumber, &c.MaxNumber, &c.ResetYearly, &c.LastResetYear,
	)
	return c, err
}

// selectConfigTx finds the most specific configuration: an exact
// (type, location, user) match first, then (type, location, NULL user),
// then (type, NULL location, NULL user) — user-preference over
// location-assignment over type-default, per §4.8.
func selectConfigTx(ctx context.Context, q pgxQuerier, documentTypeKey string, locationID *int, appUser *string) (numberingConfig, error) {
	row := q.QueryRow(ctx, `
		SELECT `+numberingConfigColumns+`
		FROM numbering_configs
		WHERE document_type_key = $1
		  AND (location_id = $2 OR ($2::int IS NULL AND location_id IS NULL) OR location_id IS NULL)
		  AND (app_user = $3 OR ($3::text IS NULL AND app_user IS NULL) OR app_user IS NULL)
		ORDER BY
			(app_user IS NOT NULL AND app_user = $3) DESC,
			(location_id IS NOT NULL AND location_id = $2) DESC,
			(app_user IS NULL)::int ASC,
			(location_id IS NULL)::int ASC
		LIMIT 1
	`, documentTypeKey, locationID, appUser)
	return scanNumberingConfig(row)
}

// NextNumber implements §4.8 and §5's numbering-configuration locking rule.
func (s *numberingService) NextNumber(ctx context.Context, documentTypeKey string, locationID *int, appUser *string) Result[NumberData] {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := selectConfigTx(ctx, tx, documentTypeKey, locationID, appUser)
	if errors.Is(err, pgx.ErrNoRows) {
		if fallback, ok := fallbackNumber(documentTypeKey); ok {
			return Ok(NumberData{Number: fallback, FromFallback: true})
		}
		return Fail[NumberData](CodeItemNotFound, "no numbering configuration for document type %q", documentTypeKey)
	}
	if err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to select numbering configuration: %v", err)
	}

	var lockedID int
	if err := tx.QueryRow(ctx, `SELECT id FROM numbering_configs WHERE id = $1 FOR UPDATE`, cfg.ID).Scan(&lockedID); err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to lock numbering configuration %d: %v", cfg.ID, err)
	}
	// Re-read under the lock: another transaction may have reset the
	// counter for the new year between the select and the lock.
	cfg, err = scanNumberingConfig(tx.QueryRow(ctx, `SELECT `+numberingConfigColumns+` FROM numbering_configs WHERE id = $1`, cfg.ID))
	if err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to re-read numbering configuration %d: %v", cfg.ID, err)
	}

	now := time.Now()
	nextNumber := cfg.CurrentNumber + 1
	currentYear := now.Year()
	if cfg.ResetYearly && (cfg.LastResetYear == nil || *cfg.LastResetYear != currentYear) {
		nextNumber = 1
	}

	if nextNumber > cfg.MaxNumber {
		if cfg.NumberingType == NumberingFiscal {
			return Fail[NumberData](CodeValidation, "numbering configuration %d exhausted: current_number would exceed max_number %d", cfg.ID, cfg.MaxNumber)
		}
		if fallback, ok := fallbackNumber(documentTypeKey); ok {
			return Ok(NumberData{Number: fallback, ConfigID: cfg.ID, FromFallback: true})
		}
		return Fail[NumberData](CodeValidation, "numbering configuration %d exhausted and no fallback available", cfg.ID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE numbering_configs SET current_number = $1, last_reset_year = $2 WHERE id = $3
	`, nextNumber, currentYear, cfg.ID); err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to persist numbering counter: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to commit numbering allocation: %v", err)
	}

	return Ok(NumberData{Number: formatNumber(cfg, nextNumber), ConfigID: cfg.ID})
}

// PreviewNumber reports the number NextNumber would allocate without
// mutating the configuration row (a read-only supplement to §4.8). An
// exhausted configuration is reported as a VALIDATION failure, fiscal or not.
func (s *numberingService) PreviewNumber(ctx context.Context, documentTypeKey string, locationID *int, appUser *string) Result[NumberData] {
	cfg, err := selectConfigTx(ctx, s.pool, documentTypeKey, locationID, appUser)
	if errors.Is(err, pgx.ErrNoRows) {
		if fallback, ok := fallbackNumber(documentTypeKey); ok {
			return Ok(NumberData{Number: fallback, FromFallback: true})
		}
		return Fail[NumberData](CodeItemNotFound, "no numbering configuration for document type %q", documentTypeKey)
	}
	if err != nil {
		return Fail[NumberData](CodeAvailabilityError, "failed to select numbering configuration: %v", err)
	}

	nextNumber := cfg.CurrentNumber + 1
	if cfg.ResetYearly && (cfg.LastResetYear == nil || *cfg.LastResetYear != time.Now().Year()) {
		nextNumber = 1
	}
	if nextNumber > cfg.MaxNumber {
		return Fail[NumberData](CodeValidation, "numbering configuration %d would be exhausted by the next allocation", cfg.ID)
	}
	return Ok(NumberData{Number: formatNumber(cfg, nextNumber), ConfigID: cfg.ID})
}

// ValidateConfig checks digits_count/prefix/bounds sanity for a stored
// configuration without touching its counter.
func (s *numberingService) ValidateConfig(ctx context.Context, configID int) Result[struct{}] {
	cfg, err := scanNumberingConfig(s.pool.QueryRow(ctx, `SELECT `+numberingConfigColumns+` FROM numbering_configs WHERE id = $1`, configID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Fail[struct{}](CodeItemNotFound, "numbering configuration %d not found", configID)
	}
	if err != nil {
		return Fail[struct{}](CodeAvailabilityError, "failed to read numbering configuration %d: %v", configID, err)
	}

	if cfg.NumberingType == NumberingFiscal && cfg.DigitsCount != 10 {
		return Fail[struct{}](CodeValidation, "fiscal numbering configuration %d must use exactly 10 digits, has %d", configID, cfg.DigitsCount)
	}
	if cfg.NumberingType == NumberingFiscal && cfg.Prefix != "" {
		return Fail[struct{}](CodeValidation, "fiscal numbering configuration %d may not carry a prefix", configID)
	}
	if cfg.DigitsCount <= 0 || cfg.DigitsCount > 18 {
		return Fail[struct{}](CodeValidation, "numbering configuration %d has an invalid digits_count %d", configID, cfg.DigitsCount)
	}
	if cfg.CurrentNumber > cfg.MaxNumber {
		return Fail[struct{}](CodeValidation, "numbering configuration %d has current_number already past max_number", configID)
	}
	return Ok(struct{}{})
}

// formatNumber renders n per §4.8: fiscal is exactly 10 digits, zero-padded,
// no prefix; internal is the configured prefix followed by n zero-padded to
// digits_count.
func formatNumber(cfg numberingConfig, n int64) string {
	if cfg.NumberingType == NumberingFiscal {
		return fmt.Sprintf("%010d", n)
	}
	return fmt.Sprintf("%s%0*d", cfg.Prefix, cfg.DigitsCount, n)
}

// fallbackNumber implements the non-fiscal degraded-numbering path
// (SPEC_FULL.md supplement 3): {type_code}{YYMMDDHHMMSS}. Callers reach it
// when no configuration matches, whatever the document type key, and when a
// non-fiscal configuration is exhausted; an exhausted fiscal configuration
// fails instead.
func fallbackNumber(documentTypeKey string) (string, bool) {
	if documentTypeKey == "" {
		return "", false
	}
	return fmt.Sprintf("%s%s", documentTypeKey, time.Now().Format("060102150405")), true
}
