package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicateTokenHash is returned when a token hash is already stored
var ErrDuplicateTokenHash = errors.New("duplicate token hash")

const uniqueViolation = "23505"

const tokenHeaderColumns = `id, token_type, token_hash, requester, consumer_cloud, consumer, provider, target_type, target, scope, created_at`

var tokenSortColumns = map[string]string{
	"":          "id",
	"id":        "id",
	"createdAt": "created_at",
	"tokenType": "token_type",
	"consumer":  "consumer",
	"provider":  "provider",
	"target":    "target",
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type TokenHeaderRepository struct {
	db *sqlx.DB
}

func NewTokenHeaderRepository(db *sqlx.DB) *TokenHeaderRepository {
	return &TokenHeaderRepository{db: db}
}

// CreateTx inserts the header inside tx and fills in its ID and CreatedAt
func (r *TokenHeaderRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, header *models.TokenHeader) error {
	query := `
		INSERT INTO token_header (
			token_type, token_hash, requester, consumer_cloud, consumer, provider, target_type, target, scope, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING id`

	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	err := tx.QueryRowContext(ctx, query,
		header.TokenType,
		header.TokenHash,
		header.Requester,
		header.ConsumerCloud,
		header.Consumer,
		header.Provider,
		header.TargetType,
		header.Target,
		header.Scope,
		header.CreatedAt,
	).Scan(&header.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateTokenHash
	}
	if err != nil {
		return fmt.Errorf("error creating token header: %w", err)
	}
	return nil
}

func (r *TokenHeaderRepository) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM token_header WHERE token_hash = $1)`, hash)
	if err != nil {
		return false, fmt.Errorf("error checking token hash: %w", err)
	}
	return exists, nil
}

func (r *TokenHeaderRepository) FindByHash(ctx context.Context, hash string) (*models.TokenHeader, error) {
	query := `SELECT ` + tokenHeaderColumns + ` FROM token_header WHERE token_hash = $1`

	var header models.TokenHeader
	err := r.db.GetContext(ctx, &header, query, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting token header: %w", err)
	}
	return &header, nil
}

func (r *TokenHeaderRepository) FindByRequesterAndHash(ctx context.Context, requester, hash string) (*models.TokenHeader, error) {
	query := `SELECT ` + tokenHeaderColumns + ` FROM token_header WHERE requester = $1 AND token_hash = $2`

	var header models.TokenHeader
	err := r.db.GetContext(ctx, &header, query, requester, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting token header: %w", err)
	}
	return &header, nil
}

// Query returns one page of headers matching the non-empty filter fields and
// the total number of matches.
func (r *TokenHeaderRepository) Query(ctx context.Context, filter models.TokenFilter, page models.PageRequest) ([]models.TokenHeader, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	add := func(column, value string) {
		if value == "" {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", column, argCount)
		args = append(args, value)
		argCount++
	}
	add("requester", filter.Requester)
	add("token_type", string(filter.TokenType))
	add("consumer_cloud", filter.ConsumerCloud)
	add("consumer", filter.Consumer)
	add("provider", filter.Provider)
	add("target_type", string(filter.TargetType))
	add("target", filter.Target)

	column, ok := tokenSortColumns[page.SortField]
	if !ok {
		return nil, 0, models.NewInvalidArgument(fmt.Sprintf("sort field %q is not available", page.SortField), "")
	}
	direction := "ASC"
	if strings.EqualFold(page.Direction, "DESC") {
		direction = "DESC"
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM token_header`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("error counting token headers: %w", err)
	}

	query := `SELECT ` + tokenHeaderColumns + ` FROM token_header` + where +
		fmt.Sprintf(" ORDER BY %s %s", column, direction)
	if page.Size > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
		args = append(args, page.Size, page.Page*page.Size)
	}

	headers := []models.TokenHeader{}
	if err := r.db.SelectContext(ctx, &headers, query, args...); err != nil {
		return nil, 0, fmt.Errorf("error querying token headers: %w", err)
	}
	return headers, total, nil
}

// DeleteByHashes removes the headers and, through cascading, their details in
// a single statement.
func (r *TokenHeaderRepository) DeleteByHashes(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM token_header WHERE token_hash = ANY($1)`, pq.Array(hashes))
	if err != nil {
		return 0, fmt.Errorf("error deleting token headers: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rows, nil
}
