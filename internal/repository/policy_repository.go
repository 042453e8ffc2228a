package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ErrDuplicatePolicy is returned when a level already has a header with the
// same instance ID
var ErrDuplicatePolicy = errors.New("duplicate policy instance")

const policyHeaderColumns = `id, level, instance_id, target_type, cloud, provider, target, description, created_by, created_at`

const policyColumns = `id, header_id, scope, policy_type, system_names, metadata_requirement`

type PolicyRepository struct {
	db *sqlx.DB
}

func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// FindApplicable returns the rules of the given level protecting target. A
// header applies when its cloud is empty or equals the consumer cloud, and a
// rule when its scope is empty or equals the requested scope.
func (r *PolicyRepository) FindApplicable(ctx context.Context, level models.PolicyLevel, target models.TargetDescriptor) ([]models.AuthPolicy, error) {
	query := `
		SELECT p.id, p.header_id, p.scope, p.policy_type, p.system_names, p.metadata_requirement
		FROM auth_policy p
		JOIN auth_policy_header h ON h.id = p.header_id
		WHERE h.level = $1 AND h.target_type = $2 AND h.provider = $3 AND h.target = $4
			AND (h.cloud = '' OR h.cloud = $5)
			AND (p.scope = '' OR p.scope = $6)
		ORDER BY p.id`

	policies := []models.AuthPolicy{}
	err := r.db.SelectContext(ctx, &policies, query, level, target.TargetType, target.Provider, target.Target, target.Cloud, target.Scope)
	if err != nil {
		return nil, fmt.Errorf("error getting applicable policies: %w", err)
	}
	return policies, nil
}

// CreateWithPolicies stores a header and its rules in one transaction
func (r *PolicyRepository) CreateWithPolicies(ctx context.Context, header *models.AuthPolicyHeader, policies []models.AuthPolicy) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	headerQuery := `
		INSERT INTO auth_policy_header (
			level, instance_id, target_type, cloud, provider, target, description, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING id, created_at`

	err = tx.QueryRowContext(ctx, headerQuery,
		header.Level,
		header.InstanceID,
		header.TargetType,
		header.Cloud,
		header.Provider,
		header.Target,
		header.Description,
		header.CreatedBy,
	).Scan(&header.ID, &header.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicatePolicy
	}
	if err != nil {
		return fmt.Errorf("error creating policy header: %w", err)
	}

	policyQuery := `
		INSERT INTO auth_policy (
			header_id, scope, policy_type, system_names, metadata_requirement
		) VALUES (
			$1, $2, $3, $4, $5
		)
		RETURNING id`

	for i := range policies {
		policies[i].HeaderID = header.ID
		if policies[i].SystemNames == nil {
			policies[i].SystemNames = pq.StringArray{}
		}
		if len(policies[i].MetadataRequirement) == 0 {
			policies[i].MetadataRequirement = datatypes.JSON("{}")
		}
		err = tx.QueryRowContext(ctx, policyQuery,
			policies[i].HeaderID,
			policies[i].Scope,
			policies[i].PolicyType,
			policies[i].SystemNames,
			policies[i].MetadataRequirement,
		).Scan(&policies[i].ID)
		if err != nil {
			return fmt.Errorf("error creating policy: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("error committing policy: %w", err)
	}
	return nil
}

// DeleteByInstanceID removes a header and, through cascading, its rules
func (r *PolicyRepository) DeleteByInstanceID(ctx context.Context, level models.PolicyLevel, instanceID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_policy_header WHERE level = $1 AND instance_id = $2`, level, instanceID)
	if err != nil {
		return false, fmt.Errorf("error deleting policy header: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// List returns one page of the level's headers with their rules
func (r *PolicyRepository) List(ctx context.Context, level models.PolicyLevel, page models.PageRequest) ([]models.PolicyHeaderResponse, int64, error) {
	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM auth_policy_header WHERE level = $1`, level); err != nil {
		return nil, 0, fmt.Errorf("error counting policy headers: %w", err)
	}

	query := `SELECT ` + policyHeaderColumns + ` FROM auth_policy_header WHERE level = $1 ORDER BY id`
	args := []interface{}{level}
	if page.Size > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, page.Size, page.Page*page.Size)
	}

	headers := []models.AuthPolicyHeader{}
	if err := r.db.SelectContext(ctx, &headers, query, args...); err != nil {
		return nil, 0, fmt.Errorf("error listing policy headers: %w", err)
	}
	if len(headers) == 0 {
		return []models.PolicyHeaderResponse{}, total, nil
	}

	ids := make([]int64, len(headers))
	for i, h := range headers {
		ids[i] = h.ID
	}
	policies := []models.AuthPolicy{}
	policyQuery := `SELECT ` + policyColumns + ` FROM auth_policy WHERE header_id = ANY($1) ORDER BY id`
	if err := r.db.SelectContext(ctx, &policies, policyQuery, pq.Array(ids)); err != nil {
		return nil, 0, fmt.Errorf("error listing policies: %w", err)
	}

	byHeader := make(map[int64][]models.AuthPolicy, len(headers))
	for _, p := range policies {
		byHeader[p.HeaderID] = append(byHeader[p.HeaderID], p)
	}
	result := make([]models.PolicyHeaderResponse, len(headers))
	for i, h := range headers {
		rules := byHeader[h.ID]
		if rules == nil {
			rules = []models.AuthPolicy{}
		}
		result[i] = models.PolicyHeaderResponse{Header: h, Policies: rules}
	}
	return result, total, nil
}
