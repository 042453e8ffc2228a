package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// PolicyLevel is the governance tier a policy header belongs to
type PolicyLevel string

const (
	PolicyLevelMgmt     PolicyLevel = "MGMT"
	PolicyLevelProvider PolicyLevel = "PROVIDER"
)

func (l PolicyLevel) Valid() bool {
	return l == PolicyLevelMgmt || l == PolicyLevelProvider
}

type PolicyType string

const (
	PolicyTypeAll         PolicyType = "ALL"
	PolicyTypeBlacklist   PolicyType = "BLACKLIST"
	PolicyTypeWhitelist   PolicyType = "WHITELIST"
	PolicyTypeSysMetadata PolicyType = "SYS_METADATA"
)

func (t PolicyType) Valid() bool {
	switch t {
	case PolicyTypeAll, PolicyTypeBlacklist, PolicyTypeWhitelist, PolicyTypeSysMetadata:
		return true
	}
	return false
}

// AuthPolicyHeader identifies the protected target of a set of policies
type AuthPolicyHeader struct {
	ID          int64       `db:"id" json:"id"`
	Level       PolicyLevel `db:"level" json:"level"`
	InstanceID  string      `db:"instance_id" json:"instanceId"`
	TargetType  TargetType  `db:"target_type" json:"targetType"`
	Cloud       string      `db:"cloud" json:"cloud"`
	Provider    string      `db:"provider" json:"provider"`
	Target      string      `db:"target" json:"target"`
	Description *string     `db:"description" json:"description,omitempty"`
	CreatedBy   string      `db:"created_by" json:"createdBy"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// AuthPolicy is a single rule attached to a header
type AuthPolicy struct {
	ID                  int64          `db:"id" json:"id"`
	HeaderID            int64          `db:"header_id" json:"headerId"`
	Scope               string         `db:"scope" json:"scope"`
	PolicyType          PolicyType     `db:"policy_type" json:"policyType"`
	SystemNames         pq.StringArray `db:"system_names" json:"systemNames,omitempty"`
	MetadataRequirement datatypes.JSON `db:"metadata_requirement" json:"metadataRequirement,omitempty"`
}

// MetadataRequirement is what a consumer's metadata must satisfy for a
// SYS_METADATA policy. Match pairs must all be equal; Expression, when set, is a
// boolean expression evaluated against the metadata map.
type MetadataRequirement struct {
	Match      map[string]string `json:"match,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// Requirement decodes the metadata requirement of a SYS_METADATA policy
func (p *AuthPolicy) Requirement() (MetadataRequirement, error) {
	var req MetadataRequirement
	if len(p.MetadataRequirement) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(p.MetadataRequirement, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal metadata requirement: %w", err)
	}
	return req, nil
}

// TargetDescriptor selects the policies protecting one target for consumers
// of one cloud
type TargetDescriptor struct {
	TargetType TargetType
	Cloud      string
	Provider   string
	Target     string
	Scope      string
}

// AccessRequest is the input of an access decision
type AccessRequest struct {
	Provider      string     `json:"provider" binding:"required"`
	Consumer      string     `json:"consumer" binding:"required"`
	ConsumerCloud string     `json:"consumerCloud"`
	TargetType    TargetType `json:"targetType" binding:"required"`
	Target        string     `json:"target" binding:"required"`
	Scope         string     `json:"scope"`
}

// AccessResponse is the JSON answer to an access check
type AccessResponse struct {
	Granted bool `json:"granted"`
}

// AddPolicyRequest creates a policy header with its rules
type AddPolicyRequest struct {
	TargetType  TargetType          `json:"targetType" binding:"required"`
	Cloud       string              `json:"cloud"`
	Provider    string              `json:"provider" binding:"required"`
	Target      string              `json:"target" binding:"required"`
	Description *string             `json:"description"`
	Policies    []AddPolicyRuleBody `json:"policies" binding:"required,min=1,dive"`
}

type AddPolicyRuleBody struct {
	Scope               string               `json:"scope"`
	PolicyType          PolicyType           `json:"policyType" binding:"required"`
	SystemNames         []string             `json:"systemNames"`
	MetadataRequirement *MetadataRequirement `json:"metadataRequirement"`
}

// PolicyHeaderResponse is the JSON view of a header with its rules
type PolicyHeaderResponse struct {
	Header   AuthPolicyHeader `json:"header"`
	Policies []AuthPolicy     `json:"policies"`
}
