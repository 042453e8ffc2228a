package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/jmoiron/sqlx"
)

// TokenRepository groups the header and detail stores of all token types.
// A header and its detail are always written in the same transaction.
type TokenRepository struct {
	db            *sqlx.DB
	headers       *TokenHeaderRepository
	usageLimited  *UsageLimitedTokenRepository
	timeLimited   *TimeLimitedTokenRepository
	selfContained *SelfContainedTokenRepository
}

func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{
		db:            db,
		headers:       NewTokenHeaderRepository(db),
		usageLimited:  NewUsageLimitedTokenRepository(db),
		timeLimited:   NewTimeLimitedTokenRepository(db),
		selfContained: NewSelfContainedTokenRepository(db),
	}
}

// CreateToken stores the header and its detail atomically. It returns
// ErrDuplicateTokenHash when the hash is already taken.
func (r *TokenRepository) CreateToken(ctx context.Context, header *models.TokenHeader, detail models.TokenDetail) (err error) {
	if detail == nil {
		return fmt.Errorf("token detail is required")
	}
	if header.TokenType != detail.TokenType() {
		return fmt.Errorf("token type %s does not match detail type %s", header.TokenType, detail.TokenType())
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = r.headers.CreateTx(ctx, tx, header); err != nil {
		return err
	}

	switch d := detail.(type) {
	case models.UsageLimitedDetail:
		err = r.usageLimited.CreateTx(ctx, tx, header.ID, d)
	case models.TimeLimitedDetail:
		err = r.timeLimited.CreateTx(ctx, tx, header.ID, d)
	case models.SelfContainedDetail:
		err = r.selfContained.CreateTx(ctx, tx, header.ID, d)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTokenHash
		}
		return fmt.Errorf("error committing token: %w", err)
	}
	return nil
}

func (r *TokenRepository) HashExists(ctx context.Context, hash string) (bool, error) {
	return r.headers.ExistsByHash(ctx, hash)
}

func (r *TokenRepository) FindHeader(ctx context.Context, requester, hash string) (*models.TokenHeader, error) {
	return r.headers.FindByRequesterAndHash(ctx, requester, hash)
}

func (r *TokenRepository) FindHeaderByHash(ctx context.Context, hash string) (*models.TokenHeader, error) {
	return r.headers.FindByHash(ctx, hash)
}

// FindDetail loads the detail matching the header's type. It returns nil
// without error when the detail row is missing.
func (r *TokenRepository) FindDetail(ctx context.Context, header *models.TokenHeader) (models.TokenDetail, error) {
	switch header.TokenType {
	case models.TokenTypeUsageLimited:
		d, err := r.usageLimited.FindByHeaderID(ctx, header.ID)
		if err != nil || d == nil {
			return nil, err
		}
		return *d, nil
	case models.TokenTypeTimeLimited:
		d, err := r.timeLimited.FindByHeaderID(ctx, header.ID)
		if err != nil || d == nil {
			return nil, err
		}
		return *d, nil
	case models.TokenTypeSelfContained:
		d, err := r.selfContained.FindByHeaderID(ctx, header.ID)
		if err != nil || d == nil {
			return nil, err
		}
		return *d, nil
	}
	return nil, fmt.Errorf("unknown token type %q", header.TokenType)
}

func (r *TokenRepository) DecrementUsage(ctx context.Context, headerID int64) (*models.UsageLimitedDetail, bool, error) {
	return r.usageLimited.Decrement(ctx, headerID)
}

func (r *TokenRepository) QueryHeaders(ctx context.Context, filter models.TokenFilter, page models.PageRequest) ([]models.TokenHeader, int64, error) {
	return r.headers.Query(ctx, filter, page)
}

func (r *TokenRepository) DeleteByHashes(ctx context.Context, hashes []string) (int64, error) {
	return r.headers.DeleteByHashes(ctx, hashes)
}

func (r *TokenRepository) DeleteExpiredTimeLimited(ctx context.Context, now time.Time) (int64, error) {
	return r.timeLimited.DeleteExpired(ctx, now)
}

func (r *TokenRepository) DeleteExpiredSelfContained(ctx context.Context, now time.Time) (int64, error) {
	return r.selfContained.DeleteExpired(ctx, now)
}

func (r *TokenRepository) DeleteExhaustedUsageLimited(ctx context.Context) (int64, error) {
	return r.usageLimited.DeleteExhausted(ctx)
}
