package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/jmoiron/sqlx"
)

type UsageLimitedTokenRepository struct {
	db *sqlx.DB
}

func NewUsageLimitedTokenRepository(db *sqlx.DB) *UsageLimitedTokenRepository {
	return &UsageLimitedTokenRepository{db: db}
}

func (r *UsageLimitedTokenRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, headerID int64, detail models.UsageLimitedDetail) error {
	query := `INSERT INTO usage_limited_token (header_id, usage_limit, usage_left) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, query, headerID, detail.UsageLimit, detail.UsageLeft); err != nil {
		return fmt.Errorf("error creating usage limited token: %w", err)
	}
	return nil
}

func (r *UsageLimitedTokenRepository) FindByHeaderID(ctx context.Context, headerID int64) (*models.UsageLimitedDetail, error) {
	var detail models.UsageLimitedDetail
	err := r.db.GetContext(ctx, &detail, `SELECT usage_limit, usage_left FROM usage_limited_token WHERE header_id = $1`, headerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting usage limited token: %w", err)
	}
	return &detail, nil
}

// Decrement takes one use off the token in a single conditional update. ok is
// false when the token is missing or already exhausted.
func (r *UsageLimitedTokenRepository) Decrement(ctx context.Context, headerID int64) (detail *models.UsageLimitedDetail, ok bool, err error) {
	query := `
		UPDATE usage_limited_token
		SET usage_left = usage_left - 1
		WHERE header_id = $1 AND usage_left > 0
		RETURNING usage_limit, usage_left`

	var updated models.UsageLimitedDetail
	err = r.db.QueryRowxContext(ctx, query, headerID).StructScan(&updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error decrementing usage limited token: %w", err)
	}
	return &updated, true, nil
}

// DeleteExhausted removes the headers of tokens without uses left
func (r *UsageLimitedTokenRepository) DeleteExhausted(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM token_header
		WHERE id IN (SELECT header_id FROM usage_limited_token WHERE usage_left = 0)`
	return execRowsAffected(ctx, r.db, query, "error deleting exhausted usage limited tokens")
}

type TimeLimitedTokenRepository struct {
	db *sqlx.DB
}

func NewTimeLimitedTokenRepository(db *sqlx.DB) *TimeLimitedTokenRepository {
	return &TimeLimitedTokenRepository{db: db}
}

func (r *TimeLimitedTokenRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, headerID int64, detail models.TimeLimitedDetail) error {
	query := `INSERT INTO time_limited_token (header_id, expires_at) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, query, headerID, detail.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("error creating time limited token: %w", err)
	}
	return nil
}

func (r *TimeLimitedTokenRepository) FindByHeaderID(ctx context.Context, headerID int64) (*models.TimeLimitedDetail, error) {
	var detail models.TimeLimitedDetail
	err := r.db.GetContext(ctx, &detail, `SELECT expires_at FROM time_limited_token WHERE header_id = $1`, headerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting time limited token: %w", err)
	}
	detail.ExpiresAt = detail.ExpiresAt.UTC()
	return &detail, nil
}

// DeleteExpired removes the headers of tokens that expired before now
func (r *TimeLimitedTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM token_header
		WHERE id IN (SELECT header_id FROM time_limited_token WHERE expires_at <= $1)`
	return execRowsAffected(ctx, r.db, query, "error deleting expired time limited tokens", now.UTC())
}

type SelfContainedTokenRepository struct {
	db *sqlx.DB
}

func NewSelfContainedTokenRepository(db *sqlx.DB) *SelfContainedTokenRepository {
	return &SelfContainedTokenRepository{db: db}
}

func (r *SelfContainedTokenRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, headerID int64, detail models.SelfContainedDetail) error {
	query := `INSERT INTO self_contained_token (header_id, variant, expires_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, query, headerID, detail.Variant, detail.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("error creating self contained token: %w", err)
	}
	return nil
}

func (r *SelfContainedTokenRepository) FindByHeaderID(ctx context.Context, headerID int64) (*models.SelfContainedDetail, error) {
	var detail models.SelfContainedDetail
	err := r.db.GetContext(ctx, &detail, `SELECT variant, expires_at FROM self_contained_token WHERE header_id = $1`, headerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting self contained token: %w", err)
	}
	detail.ExpiresAt = detail.ExpiresAt.UTC()
	return &detail, nil
}

// DeleteExpired removes the headers of tokens that expired before now
func (r *SelfContainedTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM token_header
		WHERE id IN (SELECT header_id FROM self_contained_token WHERE expires_at <= $1)`
	return execRowsAffected(ctx, r.db, query, "error deleting expired self contained tokens", now.UTC())
}

func execRowsAffected(ctx context.Context, db *sqlx.DB, query, msg string, args ...interface{}) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", msg, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rows, nil
}
