package services

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedloop/authorizer/internal/logging"
	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/repository"
	"go.uber.org/zap"
)

const (
	msgGenerationFailed   = "Token generation failed"
	msgVerificationFailed = "Token verification failed"
	msgEncryptionFailed   = "Token encryption failed"
	msgQueryFailed        = "Token query failed"
	msgRevocationFailed   = "Token revocation failed"
)

var errCollisionBudgetExhausted = errors.New("no free token hash found within the retry budget")

// TokenStore is the persistence the token engine needs
type TokenStore interface {
	CreateToken(ctx context.Context, header *models.TokenHeader, detail models.TokenDetail) error
	HashExists(ctx context.Context, hash string) (bool, error)
	FindHeader(ctx context.Context, requester, hash string) (*models.TokenHeader, error)
	FindHeaderByHash(ctx context.Context, hash string) (*models.TokenHeader, error)
	FindDetail(ctx context.Context, header *models.TokenHeader) (models.TokenDetail, error)
	DecrementUsage(ctx context.Context, headerID int64) (*models.UsageLimitedDetail, bool, error)
	QueryHeaders(ctx context.Context, filter models.TokenFilter, page models.PageRequest) ([]models.TokenHeader, int64, error)
	DeleteByHashes(ctx context.Context, hashes []string) (int64, error)
}

// ProviderKeyLookup resolves the clear key a provider registered, nil if none
type ProviderKeyLookup interface {
	DecryptedKey(ctx context.Context, systemName string) (*ProviderKey, error)
}

// TokenEngineConfig is built once at startup and never modified afterwards.
// PrivateKey is nil when the host runs without TLS; JWT variants are then
// unavailable.
type TokenEngineConfig struct {
	MasterSecret        string
	Issuer              string
	SimpleTokenByteSize int
	DefaultUsageLimit   int
	DefaultTimeLimit    time.Duration
	CollisionRetries    int
	PrivateKey          *rsa.PrivateKey
}

type TokenEngine struct {
	cfg       TokenEngineConfig
	store     TokenStore
	keys      ProviderKeyLookup
	crypto    *Cryptographer
	generator *TokenGenerator
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewTokenEngine(cfg TokenEngineConfig, store TokenStore, keys ProviderKeyLookup, metrics *Metrics, logger *zap.Logger) *TokenEngine {
	if cfg.CollisionRetries < 1 {
		cfg.CollisionRetries = 1
	}
	return &TokenEngine{
		cfg:       cfg,
		store:     store,
		keys:      keys,
		crypto:    NewCryptographer(),
		generator: NewTokenGenerator(cfg.Issuer),
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PublicKey returns the key providers use to validate JWT tokens
func (e *TokenEngine) PublicKey() *rsa.PublicKey {
	if e.cfg.PrivateKey == nil {
		return nil
	}
	return &e.cfg.PrivateKey.PublicKey
}

// tokenVariant is what an interface policy resolves to
type tokenVariant struct {
	tokenType         models.TokenType
	signAlgorithm     string
	contentEncryption string
}

func resolveVariant(policy models.ServiceInterfacePolicy) (tokenVariant, bool) {
	switch policy {
	case models.InterfacePolicyUsageLimitedToken:
		return tokenVariant{tokenType: models.TokenTypeUsageLimited}, true
	case models.InterfacePolicyTimeLimitedToken:
		return tokenVariant{tokenType: models.TokenTypeTimeLimited}, true
	case models.InterfacePolicyBase64SelfContainedToken:
		return tokenVariant{tokenType: models.TokenTypeSelfContained}, true
	case models.InterfacePolicyRsaSha256JWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS256, ""}, true
	case models.InterfacePolicyRsaSha512JWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS512, ""}, true
	case models.InterfacePolicyRsaSha256Aes128GcmJWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS256, ContentEncryptionA128GCM}, true
	case models.InterfacePolicyRsaSha256Aes256GcmJWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS256, ContentEncryptionA256GCM}, true
	case models.InterfacePolicyRsaSha512Aes128GcmJWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS512, ContentEncryptionA128GCM}, true
	case models.InterfacePolicyRsaSha512Aes256GcmJWT:
		return tokenVariant{models.TokenTypeSelfContained, SignAlgorithmRS512, ContentEncryptionA256GCM}, true
	}
	return tokenVariant{}, false
}

func validateProduceRequest(req models.ProduceTokenRequest) error {
	fields := []struct {
		name  string
		value string
	}{
		{"requester", req.Requester},
		{"consumer", req.Consumer},
		{"consumer cloud", req.ConsumerCloud},
		{"provider", req.Provider},
		{"target", req.Target},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return models.NewInvalidArgument(f.name+" is null or blank", "")
		}
	}
	if !req.TargetType.Valid() {
		return models.NewInvalidArgument(fmt.Sprintf("invalid target type %q", req.TargetType), "")
	}
	return nil
}

// Produce issues a token of the type the interface policy maps to and stores
// its header and detail. The returned model carries the raw token, which is
// never persisted.
func (e *TokenEngine) Produce(ctx context.Context, req models.ProduceTokenRequest, origin string) (*models.TokenModel, error) {
	model, err := e.produce(ctx, req)
	if err != nil {
		return nil, e.failure(err, msgGenerationFailed, origin,
			zap.String("requester", req.Requester),
			zap.String("provider", req.Provider),
			zap.String("interface_policy", string(req.InterfacePolicy)))
	}
	e.metrics.tokenProduced(model.Header.TokenType)
	e.logger.Debug("Token produced",
		zap.String("token_type", string(model.Header.TokenType)),
		zap.String("requester", req.Requester),
		zap.String("consumer", req.Consumer),
		zap.String("provider", req.Provider))
	return model, nil
}

func (e *TokenEngine) produce(ctx context.Context, req models.ProduceTokenRequest) (*models.TokenModel, error) {
	if err := validateProduceRequest(req); err != nil {
		return nil, err
	}
	variant, ok := resolveVariant(req.InterfacePolicy)
	if !ok {
		return nil, models.NewInvalidArgument(fmt.Sprintf("unsupported interface policy %q", req.InterfacePolicy), "")
	}

	header := &models.TokenHeader{
		TokenType:     variant.tokenType,
		Requester:     req.Requester,
		ConsumerCloud: req.ConsumerCloud,
		Consumer:      req.Consumer,
		Provider:      req.Provider,
		TargetType:    req.TargetType,
		Target:        req.Target,
	}
	if req.Scope != "" {
		scope := req.Scope
		header.Scope = &scope
	}

	switch variant.tokenType {
	case models.TokenTypeUsageLimited:
		limit := e.cfg.DefaultUsageLimit
		if req.UsageLimit != nil {
			limit = *req.UsageLimit
		}
		if limit <= 0 {
			return nil, models.NewInvalidArgument("usage limit must be positive", "")
		}
		return e.produceSimple(ctx, header, models.UsageLimitedDetail{UsageLimit: limit, UsageLeft: limit})
	case models.TokenTypeTimeLimited:
		expiry, err := e.expiry(req.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return e.produceSimple(ctx, header, models.TimeLimitedDetail{ExpiresAt: expiry})
	case models.TokenTypeSelfContained:
		expiry, err := e.expiry(req.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return e.produceSelfContained(ctx, header, req, variant, expiry)
	}
	return nil, fmt.Errorf("unhandled token type %q", variant.tokenType)
}

func (e *TokenEngine) expiry(requested *time.Time) (time.Time, error) {
	now := e.now()
	if requested == nil {
		return now.Add(e.cfg.DefaultTimeLimit), nil
	}
	if !requested.After(now) {
		return time.Time{}, models.NewInvalidArgument("expiration time must be in the future", "")
	}
	return requested.UTC(), nil
}

// produceSimple issues a random token. A hash collision is retried with fresh
// material; the unique index on the hash decides, the probe only saves a
// failed transaction.
func (e *TokenEngine) produceSimple(ctx context.Context, header *models.TokenHeader, detail models.TokenDetail) (*models.TokenModel, error) {
	for attempt := 0; attempt < e.cfg.CollisionRetries; attempt++ {
		raw, err := e.generator.GenerateSimpleToken(e.cfg.SimpleTokenByteSize)
		if err != nil {
			return nil, err
		}
		hash, err := e.crypto.HmacSha256(raw, e.cfg.MasterSecret)
		if err != nil {
			return nil, err
		}

		exists, err := e.store.HashExists(ctx, hash)
		if err != nil {
			return nil, err
		}
		if exists {
			e.logger.Warn("Token hash collision, regenerating", zap.Int("attempt", attempt+1))
			continue
		}

		header.TokenHash = hash
		err = e.store.CreateToken(ctx, header, detail)
		if errors.Is(err, repository.ErrDuplicateTokenHash) {
			e.logger.Warn("Token hash collision on insert, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return &models.TokenModel{Header: *header, RawToken: raw, Detail: detail}, nil
	}
	return nil, errCollisionBudgetExhausted
}

func (e *TokenEngine) produceSelfContained(ctx context.Context, header *models.TokenHeader, req models.ProduceTokenRequest, variant tokenVariant, expiry time.Time) (*models.TokenModel, error) {
	payload := models.TokenPayload{
		ConsumerCloud: req.ConsumerCloud,
		Consumer:      req.Consumer,
		Provider:      req.Provider,
		TargetType:    req.TargetType,
		Target:        req.Target,
		Scope:         req.Scope,
	}

	var raw string
	var err error
	if variant.signAlgorithm == "" {
		raw, err = e.generator.GenerateSelfContainedPayload(&expiry, payload)
	} else {
		raw, err = e.generateJWT(req, variant, expiry, payload)
	}
	if err != nil {
		return nil, err
	}

	hash, err := e.crypto.HmacSha256(raw, e.cfg.MasterSecret)
	if err != nil {
		return nil, err
	}
	header.TokenHash = hash
	detail := models.SelfContainedDetail{Variant: req.InterfacePolicy, ExpiresAt: expiry}

	err = e.store.CreateToken(ctx, header, detail)
	if errors.Is(err, repository.ErrDuplicateTokenHash) {
		// Identical Base64 payloads issued within the same second share one
		// header; revoking either revokes both.
		existing, findErr := e.store.FindHeaderByHash(ctx, hash)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, err
		}
		return &models.TokenModel{Header: *existing, RawToken: raw, Detail: detail}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.TokenModel{Header: *header, RawToken: raw, Detail: detail}, nil
}

func (e *TokenEngine) generateJWT(req models.ProduceTokenRequest, variant tokenVariant, expiry time.Time, payload models.TokenPayload) (string, error) {
	if e.cfg.PrivateKey == nil {
		return "", models.NewInvalidArgument("JWT is supported only when TLS is enabled", "")
	}
	var enc *JWEOptions
	if variant.contentEncryption != "" {
		recipient, err := ParseRSAPublicKey(req.ProviderPublicKey)
		if err != nil {
			return "", err
		}
		enc = &JWEOptions{ContentEncryption: variant.contentEncryption, RecipientKey: recipient}
	}
	return e.generator.GenerateJWT(variant.signAlgorithm, e.cfg.PrivateKey, &expiry, payload, enc)
}

// ParseRSAPublicKey accepts a PEM block or bare Base64 DER, in PKIX or PKCS#1 form
func ParseRSAPublicKey(encoded string) (*rsa.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, models.NewInvalidArgument("provider public key is required for encrypted tokens", "")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, models.NewInvalidArgument("provider public key is not valid PEM or Base64", "")
		}
		der = decoded
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, models.NewInvalidArgument("provider public key is not an RSA key", "")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, models.NewInvalidArgument("provider public key cannot be parsed", "")
	}
	return key, nil
}

// Verify checks a raw token issued to requester. Usage limited tokens lose one
// use per granted call. Self-contained tokens are rejected; they are validated
// from their own content.
func (e *TokenEngine) Verify(ctx context.Context, requester, rawToken, origin string) (bool, *models.TokenModel, error) {
	if strings.TrimSpace(requester) == "" {
		return false, nil, models.NewInvalidArgument("requester is null or blank", origin)
	}
	if strings.TrimSpace(rawToken) == "" {
		return false, nil, models.NewInvalidArgument("token is null or blank", origin)
	}

	granted, model, err := e.verify(ctx, requester, rawToken)
	if err != nil {
		return false, nil, e.failure(err, msgVerificationFailed, origin, zap.String("requester", requester))
	}
	if model != nil {
		e.metrics.tokenVerified(model.Header.TokenType, granted)
	}
	return granted, model, nil
}

func (e *TokenEngine) verify(ctx context.Context, requester, rawToken string) (bool, *models.TokenModel, error) {
	hash, err := e.crypto.HmacSha256(rawToken, e.cfg.MasterSecret)
	if err != nil {
		return false, nil, err
	}
	header, err := e.store.FindHeader(ctx, requester, hash)
	if err != nil {
		return false, nil, err
	}
	if header == nil {
		return false, nil, nil
	}
	model := &models.TokenModel{Header: *header}

	switch header.TokenType {
	case models.TokenTypeSelfContained:
		return false, nil, models.NewInvalidArgument("self-contained tokens cannot be verified this way", "")
	case models.TokenTypeUsageLimited:
		detail, ok, err := e.store.DecrementUsage(ctx, header.ID)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			current, err := e.store.FindDetail(ctx, header)
			if err != nil {
				return false, nil, err
			}
			model.Detail = current
			return false, model, nil
		}
		model.Detail = *detail
		return detail.UsageLeft >= 0, model, nil
	case models.TokenTypeTimeLimited:
		detail, err := e.store.FindDetail(ctx, header)
		if err != nil {
			return false, nil, err
		}
		if detail == nil {
			return false, model, nil
		}
		model.Detail = detail
		timeLimited, ok := detail.(models.TimeLimitedDetail)
		if !ok {
			return false, nil, fmt.Errorf("detail of time limited token %d has type %s", header.ID, detail.TokenType())
		}
		return e.now().Before(timeLimited.ExpiresAt), model, nil
	}
	return false, nil, fmt.Errorf("unknown token type %q", header.TokenType)
}

// Query returns one page of the tokens matching filter, each enriched with its
// detail. A missing detail row leaves Detail nil.
func (e *TokenEngine) Query(ctx context.Context, page models.PageRequest, filter models.TokenFilter, origin string) (*models.Page[models.TokenModel], error) {
	if page.Page < 0 || page.Size < 0 {
		return nil, models.NewInvalidArgument("page and size must not be negative", origin)
	}
	if filter.TargetType != "" && !filter.TargetType.Valid() {
		return nil, models.NewInvalidArgument(fmt.Sprintf("invalid target type %q", filter.TargetType), origin)
	}

	headers, total, err := e.store.QueryHeaders(ctx, filter, page)
	if err != nil {
		return nil, e.failure(err, msgQueryFailed, origin)
	}

	items := make([]models.TokenModel, 0, len(headers))
	for i := range headers {
		detail, err := e.store.FindDetail(ctx, &headers[i])
		if err != nil {
			return nil, e.failure(err, msgQueryFailed, origin, zap.Int64("header_id", headers[i].ID))
		}
		items = append(items, models.TokenModel{Header: headers[i], Detail: detail})
	}
	return &models.Page[models.TokenModel]{
		Items:         items,
		Page:          page.Page,
		Size:          page.Size,
		TotalElements: total,
	}, nil
}

// Revoke deletes the tokens with the given hashes in one statement. An empty
// list is a no-op.
func (e *TokenEngine) Revoke(ctx context.Context, tokenHashes []string, origin string) (int64, error) {
	if len(tokenHashes) == 0 {
		return 0, nil
	}
	n, err := e.store.DeleteByHashes(ctx, tokenHashes)
	if err != nil {
		return 0, e.failure(err, msgRevocationFailed, origin, zap.Int("hashes", len(tokenHashes)))
	}
	e.metrics.tokensRevokedAdd(n)
	logging.WithOrigin(e.logger, origin).Info("Tokens revoked", zap.Int64("count", n))
	return n, nil
}

// EncryptTokenIfNeeded encrypts the raw token with the provider's registered
// key. Without a registered key the model is left untouched.
func (e *TokenEngine) EncryptTokenIfNeeded(ctx context.Context, model *models.TokenModel, origin string) error {
	if model == nil || model.RawToken == "" {
		return models.NewInvalidArgument("token model has no raw token", origin)
	}
	if err := e.encryptIfNeeded(ctx, model); err != nil {
		return e.failure(err, msgEncryptionFailed, origin, zap.String("provider", model.Header.Provider))
	}
	return nil
}

func (e *TokenEngine) encryptIfNeeded(ctx context.Context, model *models.TokenModel) error {
	key, err := e.keys.DecryptedKey(ctx, model.Header.Provider)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}

	var ciphertext string
	switch key.Algorithm {
	case models.AlgorithmAesEcbPkcs5:
		ciphertext, err = e.crypto.EncryptAesEcbPkcs5(model.RawToken, key.Key)
	case models.AlgorithmAesCbcPkcs5:
		if key.ExternalAuxiliary == nil {
			return fmt.Errorf("key of %s has no external auxiliary", key.SystemName)
		}
		ciphertext, err = e.crypto.EncryptAesCbcPkcs5WithIv(model.RawToken, key.Key, *key.ExternalAuxiliary)
	default:
		return fmt.Errorf("unsupported algorithm %q for %s", key.Algorithm, key.SystemName)
	}
	if err != nil {
		return err
	}
	model.Encrypted = true
	model.EncryptedToken = ciphertext
	return nil
}

// failure passes invalid arguments through with origin set and turns anything
// else into a logged internal failure with a generic message.
func (e *TokenEngine) failure(err error, message, origin string, fields ...zap.Field) error {
	if invalid, ok := models.TagInvalidArgument(err, origin); ok {
		return invalid
	}
	fields = append(fields, zap.Error(err))
	logging.WithOrigin(e.logger, origin).Error(message, fields...)
	return models.NewInternalFailure(message, origin, err)
}
