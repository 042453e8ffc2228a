package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/feedloop/authorizer/internal/logging"
	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/repository"
	"github.com/hashicorp/go-bexpr"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	msgAccessCheckFailed = "Access check failed"
	msgPolicyFailed      = "Policy operation failed"

	instanceIDSeparator = "|"
	metadataSelector    = "metadata"
)

// PolicyStore is the persistence the policy engine needs
type PolicyStore interface {
	FindApplicable(ctx context.Context, level models.PolicyLevel, target models.TargetDescriptor) ([]models.AuthPolicy, error)
	CreateWithPolicies(ctx context.Context, header *models.AuthPolicyHeader, policies []models.AuthPolicy) error
	DeleteByInstanceID(ctx context.Context, level models.PolicyLevel, instanceID string) (bool, error)
	List(ctx context.Context, level models.PolicyLevel, page models.PageRequest) ([]models.PolicyHeaderResponse, int64, error)
}

// MetadataLookup resolves the metadata a system registered with discovery.
// found is false when the system is unknown.
type MetadataLookup interface {
	LookupMetadata(ctx context.Context, systemName string) (metadata map[string]string, found bool, err error)
}

type decision int

const (
	undecided decision = iota
	permitted
	denied
)

func (d decision) String() string {
	switch d {
	case permitted:
		return "permitted"
	case denied:
		return "denied"
	}
	return "undecided"
}

// consumerMetadata fetches a consumer's metadata at most once per evaluation
type consumerMetadata struct {
	lookup   MetadataLookup
	logger   *zap.Logger
	consumer string
	loaded   bool
	values   map[string]string
}

func (m *consumerMetadata) get(ctx context.Context) map[string]string {
	if m.loaded {
		return m.values
	}
	m.loaded = true
	if m.lookup == nil {
		return nil
	}
	values, found, err := m.lookup.LookupMetadata(ctx, m.consumer)
	if err != nil {
		m.logger.Warn("Metadata lookup failed, evaluating without metadata",
			zap.String("consumer", m.consumer),
			zap.Error(err))
		return nil
	}
	if found {
		m.values = values
	}
	return m.values
}

type PolicyEngine struct {
	store   PolicyStore
	lookup  MetadataLookup
	metrics *Metrics
	logger  *zap.Logger
}

func NewPolicyEngine(store PolicyStore, lookup MetadataLookup, metrics *Metrics, logger *zap.Logger) *PolicyEngine {
	return &PolicyEngine{
		store:   store,
		lookup:  lookup,
		metrics: metrics,
		logger:  logger,
	}
}

// IsAccessGranted evaluates the MGMT policies of the target and falls back to
// the PROVIDER policies when MGMT has none. Access is granted only when a
// level explicitly permits; undecided at both levels is a denial.
func (e *PolicyEngine) IsAccessGranted(ctx context.Context, req models.AccessRequest, origin string) (bool, error) {
	if err := validateAccessRequest(req); err != nil {
		if invalid, ok := models.TagInvalidArgument(err, origin); ok {
			return false, invalid
		}
		return false, err
	}

	target := models.TargetDescriptor{
		TargetType: req.TargetType,
		Cloud:      req.ConsumerCloud,
		Provider:   req.Provider,
		Target:     req.Target,
		Scope:      req.Scope,
	}
	metadata := &consumerMetadata{lookup: e.lookup, logger: e.logger, consumer: req.Consumer}

	for _, level := range []models.PolicyLevel{models.PolicyLevelMgmt, models.PolicyLevelProvider} {
		result, err := e.evaluateLevel(ctx, level, target, req.Consumer, metadata)
		if err != nil {
			logging.WithOrigin(e.logger, origin).Error(msgAccessCheckFailed,
				zap.String("level", string(level)),
				zap.String("consumer", req.Consumer),
				zap.String("provider", req.Provider),
				zap.Error(err))
			return false, models.NewInternalFailure(msgAccessCheckFailed, origin, err)
		}
		if result == undecided {
			continue
		}
		granted := result == permitted
		e.metrics.accessDecided(string(level), granted)
		e.logger.Debug("Access decided",
			zap.String("level", string(level)),
			zap.String("decision", result.String()),
			zap.String("consumer", req.Consumer),
			zap.String("provider", req.Provider),
			zap.String("target", req.Target))
		return granted, nil
	}

	e.metrics.accessDecided("NONE", false)
	e.logger.Debug("No applicable policy, access denied",
		zap.String("consumer", req.Consumer),
		zap.String("provider", req.Provider),
		zap.String("target", req.Target))
	return false, nil
}

func validateAccessRequest(req models.AccessRequest) error {
	if strings.TrimSpace(req.Consumer) == "" {
		return models.NewInvalidArgument("consumer is null or blank", "")
	}
	if strings.TrimSpace(req.ConsumerCloud) == "" {
		return models.NewInvalidArgument("consumer cloud is null or blank", "")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return models.NewInvalidArgument("provider is null or blank", "")
	}
	if strings.TrimSpace(req.Target) == "" {
		return models.NewInvalidArgument("target is null or blank", "")
	}
	if !req.TargetType.Valid() {
		return models.NewInvalidArgument(fmt.Sprintf("invalid target type %q", req.TargetType), "")
	}
	return nil
}

// evaluateLevel requires every applicable policy of the level to permit
func (e *PolicyEngine) evaluateLevel(ctx context.Context, level models.PolicyLevel, target models.TargetDescriptor, consumer string, metadata *consumerMetadata) (decision, error) {
	policies, err := e.store.FindApplicable(ctx, level, target)
	if err != nil {
		return undecided, err
	}
	if len(policies) == 0 {
		return undecided, nil
	}
	for i := range policies {
		ok, err := e.permits(ctx, &policies[i], consumer, metadata)
		if err != nil {
			return undecided, err
		}
		if !ok {
			return denied, nil
		}
	}
	return permitted, nil
}

func (e *PolicyEngine) permits(ctx context.Context, policy *models.AuthPolicy, consumer string, metadata *consumerMetadata) (bool, error) {
	switch policy.PolicyType {
	case models.PolicyTypeAll:
		return true, nil
	case models.PolicyTypeBlacklist:
		return !containsSystem(policy.SystemNames, consumer), nil
	case models.PolicyTypeWhitelist:
		return containsSystem(policy.SystemNames, consumer), nil
	case models.PolicyTypeSysMetadata:
		requirement, err := policy.Requirement()
		if err != nil {
			return false, err
		}
		return e.metadataSatisfies(requirement, metadata.get(ctx), policy.ID)
	}
	return false, fmt.Errorf("policy %d has unknown type %q", policy.ID, policy.PolicyType)
}

func containsSystem(names []string, system string) bool {
	for _, name := range names {
		if strings.EqualFold(name, system) {
			return true
		}
	}
	return false
}

// metadataSatisfies fails closed: no metadata, or a requirement with nothing
// to check, never permits.
func (e *PolicyEngine) metadataSatisfies(req models.MetadataRequirement, metadata map[string]string, policyID int64) (bool, error) {
	if metadata == nil || (len(req.Match) == 0 && req.Expression == "") {
		return false, nil
	}
	for k, v := range req.Match {
		if actual, ok := metadata[k]; !ok || actual != v {
			return false, nil
		}
	}
	if req.Expression == "" {
		return true, nil
	}
	eval, err := bexpr.CreateEvaluator(req.Expression)
	if err != nil {
		return false, fmt.Errorf("policy %d has an invalid expression: %w", policyID, err)
	}
	match, err := eval.Evaluate(map[string]any{metadataSelector: metadata})
	if err != nil {
		e.logger.Debug("Metadata expression did not evaluate",
			zap.Int64("policy_id", policyID),
			zap.Error(err))
		return false, nil
	}
	return match, nil
}

// InstanceID derives the identity of a policy header within its level
func InstanceID(level models.PolicyLevel, cloud, provider string, targetType models.TargetType, target string) string {
	return strings.Join([]string{string(level), cloud, provider, string(targetType), target}, instanceIDSeparator)
}

// AddPolicy validates and stores a policy header with its rules. createdBy is
// the administrator for MGMT policies and the provider for PROVIDER policies.
func (e *PolicyEngine) AddPolicy(ctx context.Context, level models.PolicyLevel, req models.AddPolicyRequest, createdBy, origin string) (*models.PolicyHeaderResponse, error) {
	header, policies, err := buildPolicy(level, req, createdBy)
	if err != nil {
		if invalid, ok := models.TagInvalidArgument(err, origin); ok {
			return nil, invalid
		}
		return nil, err
	}

	err = e.store.CreateWithPolicies(ctx, header, policies)
	if errors.Is(err, repository.ErrDuplicatePolicy) {
		return nil, models.NewInvalidArgument(fmt.Sprintf("policy %s already exists", header.InstanceID), origin)
	}
	if err != nil {
		logging.WithOrigin(e.logger, origin).Error("Failed to add policy",
			zap.String("instance_id", header.InstanceID),
			zap.Error(err))
		return nil, models.NewInternalFailure(msgPolicyFailed, origin, err)
	}

	e.logger.Info("Policy added",
		zap.String("level", string(level)),
		zap.String("instance_id", header.InstanceID),
		zap.Int("rules", len(policies)))
	return &models.PolicyHeaderResponse{Header: *header, Policies: policies}, nil
}

func buildPolicy(level models.PolicyLevel, req models.AddPolicyRequest, createdBy string) (*models.AuthPolicyHeader, []models.AuthPolicy, error) {
	if !level.Valid() {
		return nil, nil, models.NewInvalidArgument(fmt.Sprintf("invalid policy level %q", level), "")
	}
	if !req.TargetType.Valid() {
		return nil, nil, models.NewInvalidArgument(fmt.Sprintf("invalid target type %q", req.TargetType), "")
	}
	if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Target) == "" {
		return nil, nil, models.NewInvalidArgument("provider and target are required", "")
	}
	for _, v := range []string{req.Cloud, req.Provider, req.Target} {
		if strings.Contains(v, instanceIDSeparator) {
			return nil, nil, models.NewInvalidArgument("policy fields must not contain '"+instanceIDSeparator+"'", "")
		}
	}
	if strings.TrimSpace(createdBy) == "" {
		return nil, nil, models.NewInvalidArgument("creator is null or blank", "")
	}
	if len(req.Policies) == 0 {
		return nil, nil, models.NewInvalidArgument("at least one policy is required", "")
	}

	policies := make([]models.AuthPolicy, 0, len(req.Policies))
	for i, rule := range req.Policies {
		policy, err := buildRule(rule)
		if err != nil {
			var invalid *models.InvalidArgumentError
			if errors.As(err, &invalid) {
				return nil, nil, models.NewInvalidArgument(fmt.Sprintf("policy %d: %s", i, invalid.Message), "")
			}
			return nil, nil, err
		}
		policies = append(policies, policy)
	}

	header := &models.AuthPolicyHeader{
		Level:       level,
		InstanceID:  InstanceID(level, req.Cloud, req.Provider, req.TargetType, req.Target),
		TargetType:  req.TargetType,
		Cloud:       req.Cloud,
		Provider:    req.Provider,
		Target:      req.Target,
		Description: req.Description,
		CreatedBy:   createdBy,
	}
	return header, policies, nil
}

func buildRule(rule models.AddPolicyRuleBody) (models.AuthPolicy, error) {
	policy := models.AuthPolicy{
		Scope:       rule.Scope,
		PolicyType:  rule.PolicyType,
		SystemNames: pq.StringArray(rule.SystemNames),
	}
	switch rule.PolicyType {
	case models.PolicyTypeAll:
	case models.PolicyTypeBlacklist, models.PolicyTypeWhitelist:
		if len(rule.SystemNames) == 0 {
			return policy, models.NewInvalidArgument(string(rule.PolicyType)+" requires at least one system name", "")
		}
	case models.PolicyTypeSysMetadata:
		req := rule.MetadataRequirement
		if req == nil || (len(req.Match) == 0 && req.Expression == "") {
			return policy, models.NewInvalidArgument("SYS_METADATA requires a metadata requirement", "")
		}
		if req.Expression != "" {
			if _, err := bexpr.CreateEvaluator(req.Expression); err != nil {
				return policy, models.NewInvalidArgument("invalid metadata expression: "+err.Error(), "")
			}
		}
		raw, err := json.Marshal(req)
		if err != nil {
			return policy, fmt.Errorf("failed to marshal metadata requirement: %w", err)
		}
		policy.MetadataRequirement = datatypes.JSON(raw)
	default:
		return policy, models.NewInvalidArgument(fmt.Sprintf("invalid policy type %q", rule.PolicyType), "")
	}
	return policy, nil
}

// RevokePolicy deletes a policy header and its rules. It returns
// models.ErrPolicyNotFound when the instance does not exist.
func (e *PolicyEngine) RevokePolicy(ctx context.Context, level models.PolicyLevel, instanceID, origin string) error {
	if !level.Valid() {
		return models.NewInvalidArgument(fmt.Sprintf("invalid policy level %q", level), origin)
	}
	if strings.TrimSpace(instanceID) == "" {
		return models.NewInvalidArgument("instance id is null or blank", origin)
	}
	deleted, err := e.store.DeleteByInstanceID(ctx, level, instanceID)
	if err != nil {
		logging.WithOrigin(e.logger, origin).Error("Failed to revoke policy",
			zap.String("instance_id", instanceID),
			zap.Error(err))
		return models.NewInternalFailure(msgPolicyFailed, origin, err)
	}
	if !deleted {
		return models.ErrPolicyNotFound
	}
	e.logger.Info("Policy revoked", zap.String("level", string(level)), zap.String("instance_id", instanceID))
	return nil
}

func (e *PolicyEngine) ListPolicies(ctx context.Context, level models.PolicyLevel, page models.PageRequest, origin string) (*models.Page[models.PolicyHeaderResponse], error) {
	if !level.Valid() {
		return nil, models.NewInvalidArgument(fmt.Sprintf("invalid policy level %q", level), origin)
	}
	if page.Page < 0 || page.Size < 0 {
		return nil, models.NewInvalidArgument("page and size must not be negative", origin)
	}
	items, total, err := e.store.List(ctx, level, page)
	if err != nil {
		logging.WithOrigin(e.logger, origin).Error("Failed to list policies", zap.Error(err))
		return nil, models.NewInternalFailure(msgPolicyFailed, origin, err)
	}
	return &models.Page[models.PolicyHeaderResponse]{
		Items:         items,
		Page:          page.Page,
		Size:          page.Size,
		TotalElements: total,
	}, nil
}
