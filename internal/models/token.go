package models

import (
	"time"
)

// TokenType represents the type of token
type TokenType string

const (
	TokenTypeUsageLimited  TokenType = "USAGE_LIMITED_TOKEN"
	TokenTypeTimeLimited   TokenType = "TIME_LIMITED_TOKEN"
	TokenTypeSelfContained TokenType = "SELF_CONTAINED_TOKEN"
)

// TargetType represents the kind of resource a token grants access to
type TargetType string

const (
	TargetTypeServiceDefinition TargetType = "SERVICE_DEFINITION"
	TargetTypeEventType         TargetType = "EVENT_TYPE"
)

func (t TargetType) Valid() bool {
	return t == TargetTypeServiceDefinition || t == TargetTypeEventType
}

// ServiceInterfacePolicy is the transport/security scheme requested by a consumer
type ServiceInterfacePolicy string

const (
	InterfacePolicyNone                     ServiceInterfacePolicy = "NONE"
	InterfacePolicyCertAuth                 ServiceInterfacePolicy = "CERT_AUTH"
	InterfacePolicyUsageLimitedToken        ServiceInterfacePolicy = "USAGE_LIMITED_TOKEN_AUTH"
	InterfacePolicyTimeLimitedToken         ServiceInterfacePolicy = "TIME_LIMITED_TOKEN_AUTH"
	InterfacePolicyBase64SelfContainedToken ServiceInterfacePolicy = "BASE64_SELF_CONTAINED_TOKEN_AUTH"
	InterfacePolicyRsaSha256JWT             ServiceInterfacePolicy = "RSA_SHA256_JSON_WEB_TOKEN_AUTH"
	InterfacePolicyRsaSha512JWT             ServiceInterfacePolicy = "RSA_SHA512_JSON_WEB_TOKEN_AUTH"
	InterfacePolicyRsaSha256Aes128GcmJWT    ServiceInterfacePolicy = "RSASHA256_AES128GCM_JSON_WEB_TOKEN_AUTH"
	InterfacePolicyRsaSha256Aes256GcmJWT    ServiceInterfacePolicy = "RSASHA256_AES256GCM_JSON_WEB_TOKEN_AUTH"
	InterfacePolicyRsaSha512Aes128GcmJWT    ServiceInterfacePolicy = "RSASHA512_AES128GCM_JSON_WEB_TOKEN_AUTH"
	InterfacePolicyRsaSha512Aes256GcmJWT    ServiceInterfacePolicy = "RSASHA512_AES256GCM_JSON_WEB_TOKEN_AUTH"
)

// TokenHeader is the type independent identity of an issued token.
// Only the keyed hash of the raw token is ever stored.
type TokenHeader struct {
	ID            int64      `db:"id" json:"id"`
	TokenType     TokenType  `db:"token_type" json:"tokenType"`
	TokenHash     string     `db:"token_hash" json:"tokenHash"`
	Requester     string     `db:"requester" json:"requester"`
	ConsumerCloud string     `db:"consumer_cloud" json:"consumerCloud"`
	Consumer      string     `db:"consumer" json:"consumer"`
	Provider      string     `db:"provider" json:"provider"`
	TargetType    TargetType `db:"target_type" json:"targetType"`
	Target        string     `db:"target" json:"target"`
	Scope         *string    `db:"scope" json:"scope,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// TokenDetail is the type specific part of a token. The set of implementations
// is closed: UsageLimitedDetail, TimeLimitedDetail and SelfContainedDetail.
type TokenDetail interface {
	TokenType() TokenType
	isTokenDetail()
}

type UsageLimitedDetail struct {
	UsageLimit int `db:"usage_limit" json:"usageLimit"`
	UsageLeft  int `db:"usage_left" json:"usageLeft"`
}

func (UsageLimitedDetail) TokenType() TokenType { return TokenTypeUsageLimited }
func (UsageLimitedDetail) isTokenDetail()       {}

type TimeLimitedDetail struct {
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

func (TimeLimitedDetail) TokenType() TokenType { return TokenTypeTimeLimited }
func (TimeLimitedDetail) isTokenDetail()       {}

type SelfContainedDetail struct {
	Variant   ServiceInterfacePolicy `db:"variant" json:"variant"`
	ExpiresAt time.Time              `db:"expires_at" json:"expiresAt"`
}

func (SelfContainedDetail) TokenType() TokenType { return TokenTypeSelfContained }
func (SelfContainedDetail) isTokenDetail()       {}

// TokenModel is what the engine hands back to callers. RawToken is only set at
// issuance; Detail is nil when the detail row is missing.
type TokenModel struct {
	Header         TokenHeader
	RawToken       string
	Detail         TokenDetail
	Encrypted      bool
	EncryptedToken string
}

// TokenPayload carries the parties and target a token is issued for
type TokenPayload struct {
	ConsumerCloud string
	Consumer      string
	Provider      string
	TargetType    TargetType
	Target        string
	Scope         string
}

// TokenFilter holds the optional filters of a token query
type TokenFilter struct {
	Requester     string
	TokenType     TokenType
	ConsumerCloud string
	Consumer      string
	Provider      string
	TargetType    TargetType
	Target        string
}

// ProduceTokenRequest is the input of the token engine's produce operation
type ProduceTokenRequest struct {
	Requester         string
	Consumer          string
	ConsumerCloud     string
	InterfacePolicy   ServiceInterfacePolicy
	Provider          string
	ProviderPublicKey string
	TargetType        TargetType
	Target            string
	Scope             string
	UsageLimit        *int
	ExpiresAt         *time.Time
}

// TokenResponse is the JSON view of a TokenModel
type TokenResponse struct {
	TokenType     TokenType              `json:"tokenType"`
	Token         string                 `json:"token,omitempty"`
	TokenHash     string                 `json:"tokenHash"`
	Encrypted     bool                   `json:"encrypted"`
	Requester     string                 `json:"requester"`
	ConsumerCloud string                 `json:"consumerCloud"`
	Consumer      string                 `json:"consumer"`
	Provider      string                 `json:"provider"`
	TargetType    TargetType             `json:"targetType"`
	Target        string                 `json:"target"`
	Scope         *string                `json:"scope,omitempty"`
	UsageLimit    *int                   `json:"usageLimit,omitempty"`
	UsageLeft     *int                   `json:"usageLeft,omitempty"`
	ExpiresAt     *time.Time             `json:"expiresAt,omitempty"`
	Variant       ServiceInterfacePolicy `json:"variant,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// Response converts the model into its JSON view. The encrypted form replaces
// the raw token when present.
func (m *TokenModel) Response() TokenResponse {
	resp := TokenResponse{
		TokenType:     m.Header.TokenType,
		Token:         m.RawToken,
		TokenHash:     m.Header.TokenHash,
		Encrypted:     m.Encrypted,
		Requester:     m.Header.Requester,
		ConsumerCloud: m.Header.ConsumerCloud,
		Consumer:      m.Header.Consumer,
		Provider:      m.Header.Provider,
		TargetType:    m.Header.TargetType,
		Target:        m.Header.Target,
		Scope:         m.Header.Scope,
		CreatedAt:     m.Header.CreatedAt,
	}
	if m.Encrypted {
		resp.Token = m.EncryptedToken
	}
	switch d := m.Detail.(type) {
	case UsageLimitedDetail:
		resp.UsageLimit = intPtr(d.UsageLimit)
		resp.UsageLeft = intPtr(d.UsageLeft)
	case TimeLimitedDetail:
		resp.ExpiresAt = timePtr(d.ExpiresAt)
	case SelfContainedDetail:
		resp.ExpiresAt = timePtr(d.ExpiresAt)
		resp.Variant = d.Variant
	}
	return resp
}

func intPtr(i int) *int {
	return &i
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// PageRequest describes a page of a query result. Page is zero based.
type PageRequest struct {
	Page      int
	Size      int
	SortField string
	Direction string
}

// Page is one page of query results
type Page[T any] struct {
	Items         []T   `json:"data"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
}

// GenerateTokenRequest is the body of the token generation endpoint
type GenerateTokenRequest struct {
	Consumer      string                  `json:"consumer" binding:"required"`
	ConsumerCloud string                  `json:"consumerCloud"`
	TargetType    TargetType              `json:"targetType" binding:"required"`
	Target        string                  `json:"target" binding:"required"`
	Scope         string                  `json:"scope"`
	Providers     []GenerateTokenProvider `json:"providers" binding:"required,min=1,dive"`
	UsageLimit    *int                    `json:"usageLimit"`
	ExpiresAt     *time.Time              `json:"expiresAt"`
}

type GenerateTokenProvider struct {
	Provider          string                 `json:"provider" binding:"required"`
	InterfacePolicy   ServiceInterfacePolicy `json:"interfacePolicy" binding:"required"`
	ProviderPublicKey string                 `json:"providerPublicKey"`
}

// GenerateTokenResponse lists the issued tokens, the providers access was
// denied for and the providers whose entry could not be served
type GenerateTokenResponse struct {
	Tokens []TokenResponse        `json:"tokens"`
	Denied []string               `json:"denied"`
	Failed []GenerateTokenFailure `json:"failed"`
}

// GenerateTokenFailure names a provider no token was issued for and why
type GenerateTokenFailure struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// ProduceTokenBody is the body of the raw produce management endpoint
type ProduceTokenBody struct {
	Consumer          string                 `json:"consumer" binding:"required"`
	ConsumerCloud     string                 `json:"consumerCloud"`
	InterfacePolicy   ServiceInterfacePolicy `json:"interfacePolicy" binding:"required"`
	Provider          string                 `json:"provider" binding:"required"`
	ProviderPublicKey string                 `json:"providerPublicKey"`
	TargetType        TargetType             `json:"targetType" binding:"required"`
	Target            string                 `json:"target" binding:"required"`
	Scope             string                 `json:"scope"`
	UsageLimit        *int                   `json:"usageLimit"`
	ExpiresAt         *time.Time             `json:"expiresAt"`
}

// VerifyTokenRequest is the body of the verification endpoint
type VerifyTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// VerifyTokenResponse reports the outcome of a verification
type VerifyTokenResponse struct {
	Granted bool           `json:"granted"`
	Token   *TokenResponse `json:"token,omitempty"`
}

// RevokeTokensRequest is the body of the bulk revocation endpoint
type RevokeTokensRequest struct {
	TokenHashes []string `json:"tokenHashes"`
}
