package services

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrJoseFailure wraps JWT/JWE signing and encryption errors
var ErrJoseFailure = errors.New("jose operation failed")

const (
	minSimpleTokenByteSize = 16
	payloadSeparator       = "|"
	payloadFieldCount      = 7
)

// Sign and content encryption algorithm names
const (
	SignAlgorithmRS256       = "RS256"
	SignAlgorithmRS512       = "RS512"
	ContentEncryptionA128GCM = "A128GCM"
	ContentEncryptionA256GCM = "A256GCM"
)

// JWT claim names
const (
	ClaimProvider      = "psn"
	ClaimConsumer      = "csn"
	ClaimConsumerCloud = "ccn"
	ClaimTargetType    = "tat"
	ClaimTarget        = "tan"
	ClaimScope         = "sco"
)

// JWEOptions requests a JWE layer around a signed JWT. The content key is
// wrapped for RecipientKey with RSA-OAEP-256.
type JWEOptions struct {
	ContentEncryption string
	RecipientKey      *rsa.PublicKey
}

// TokenGenerator produces raw token material. It never touches storage.
type TokenGenerator struct {
	issuer string
}

func NewTokenGenerator(issuer string) *TokenGenerator {
	return &TokenGenerator{issuer: issuer}
}

// GenerateSimpleToken returns byteSize random bytes as unpadded Base64url
func (g *TokenGenerator) GenerateSimpleToken(byteSize int) (string, error) {
	if byteSize < minSimpleTokenByteSize {
		return "", models.NewInvalidArgument(fmt.Sprintf("token byte size must be at least %d", minSimpleTokenByteSize), "")
	}
	buf := make([]byte, byteSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("error reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validatePayload(payload models.TokenPayload) error {
	fields := []struct {
		name  string
		value string
	}{
		{"provider", payload.Provider},
		{"consumer", payload.Consumer},
		{"consumer cloud", payload.ConsumerCloud},
		{"target type", string(payload.TargetType)},
		{"target", payload.Target},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return models.NewInvalidArgument(f.name+" is null or blank", "")
		}
	}
	return nil
}

// GenerateSelfContainedPayload encodes the payload as
// cloud|consumer|provider|target|scope|targetType|expiry in unpadded Base64url.
// The encoding has no escaping, so values containing the separator are rejected.
func (g *TokenGenerator) GenerateSelfContainedPayload(expiry *time.Time, payload models.TokenPayload) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	expiryField := ""
	if expiry != nil {
		expiryField = strconv.FormatInt(expiry.UTC().Unix(), 10)
	}
	fields := []string{
		payload.ConsumerCloud,
		payload.Consumer,
		payload.Provider,
		payload.Target,
		payload.Scope,
		string(payload.TargetType),
		expiryField,
	}
	for _, f := range fields {
		if strings.Contains(f, payloadSeparator) {
			return "", models.NewInvalidArgument("token fields must not contain '"+payloadSeparator+"'", "")
		}
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(fields, payloadSeparator))), nil
}

// ParseSelfContainedPayload decodes a token made by GenerateSelfContainedPayload
func (g *TokenGenerator) ParseSelfContainedPayload(token string) (*models.TokenPayload, *time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, models.NewInvalidArgument("token is not valid Base64url", "")
	}
	fields := strings.Split(string(raw), payloadSeparator)
	if len(fields) != payloadFieldCount {
		return nil, nil, models.NewInvalidArgument("token has an invalid number of fields", "")
	}
	payload := &models.TokenPayload{
		ConsumerCloud: fields[0],
		Consumer:      fields[1],
		Provider:      fields[2],
		Target:        fields[3],
		Scope:         fields[4],
		TargetType:    models.TargetType(fields[5]),
	}
	if fields[6] == "" {
		return payload, nil, nil
	}
	seconds, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, nil, models.NewInvalidArgument("token has an invalid expiry", "")
	}
	expiry := time.Unix(seconds, 0).UTC()
	return payload, &expiry, nil
}

func signingMethod(signAlgorithm string) (jwt.SigningMethod, error) {
	switch signAlgorithm {
	case SignAlgorithmRS256:
		return jwt.SigningMethodRS256, nil
	case SignAlgorithmRS512:
		return jwt.SigningMethodRS512, nil
	}
	return nil, fmt.Errorf("%w: unsupported sign algorithm %q", ErrJoseFailure, signAlgorithm)
}

// GenerateJWT signs the payload claims with privateKey and, when enc is not
// nil, wraps the signed token in a JWE for enc.RecipientKey.
func (g *TokenGenerator) GenerateJWT(signAlgorithm string, privateKey *rsa.PrivateKey, expiry *time.Time, payload models.TokenPayload, enc *JWEOptions) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(signAlgorithm) == "" {
		return "", models.NewInvalidArgument("sign algorithm is null or blank", "")
	}
	if privateKey == nil {
		return "", models.NewInvalidArgument("private key is null", "")
	}
	method, err := signingMethod(signAlgorithm)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iss":              g.issuer,
		"iat":              time.Now().Unix(),
		"jti":              uuid.NewString(),
		ClaimProvider:      payload.Provider,
		ClaimConsumer:      payload.Consumer,
		ClaimConsumerCloud: payload.ConsumerCloud,
		ClaimTargetType:    string(payload.TargetType),
		ClaimTarget:        payload.Target,
	}
	if payload.Scope != "" {
		claims[ClaimScope] = payload.Scope
	}
	if expiry != nil {
		claims["exp"] = expiry.Unix()
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: signing token: %v", ErrJoseFailure, err)
	}
	if enc == nil {
		return signed, nil
	}
	return g.encryptJWT(signed, enc)
}

func (g *TokenGenerator) encryptJWT(signed string, enc *JWEOptions) (string, error) {
	if enc.RecipientKey == nil {
		return "", models.NewInvalidArgument("encryption key is null", "")
	}
	var contentEnc jose.ContentEncryption
	switch enc.ContentEncryption {
	case ContentEncryptionA128GCM:
		contentEnc = jose.A128GCM
	case ContentEncryptionA256GCM:
		contentEnc = jose.A256GCM
	default:
		return "", fmt.Errorf("%w: unsupported content encryption %q", ErrJoseFailure, enc.ContentEncryption)
	}

	encrypter, err := jose.NewEncrypter(
		contentEnc,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: enc.RecipientKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("%w: creating encrypter: %v", ErrJoseFailure, err)
	}
	object, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("%w: encrypting token: %v", ErrJoseFailure, err)
	}
	serialized, err := object.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%w: serializing token: %v", ErrJoseFailure, err)
	}
	return serialized, nil
}

// ParseJWT validates a token made by GenerateJWT and returns its payload and
// expiry. decryptionKey must be set for JWE wrapped tokens.
func (g *TokenGenerator) ParseJWT(token string, publicKey *rsa.PublicKey, decryptionKey *rsa.PrivateKey) (*models.TokenPayload, *time.Time, error) {
	if decryptionKey != nil {
		object, err := jose.ParseEncrypted(token,
			[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
			[]jose.ContentEncryption{jose.A128GCM, jose.A256GCM})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parsing encrypted token: %v", ErrJoseFailure, err)
		}
		plain, err := object.Decrypt(decryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decrypting token: %v", ErrJoseFailure, err)
		}
		token = string(plain)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{SignAlgorithmRS256, SignAlgorithmRS512}), jwt.WithIssuer(g.issuer))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: validating token: %v", ErrJoseFailure, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, nil, fmt.Errorf("%w: invalid token claims", ErrJoseFailure)
	}
	payload := &models.TokenPayload{
		Provider:      claimString(claims, ClaimProvider),
		Consumer:      claimString(claims, ClaimConsumer),
		ConsumerCloud: claimString(claims, ClaimConsumerCloud),
		TargetType:    models.TargetType(claimString(claims, ClaimTargetType)),
		Target:        claimString(claims, ClaimTarget),
		Scope:         claimString(claims, ClaimScope),
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return payload, nil, nil
	}
	expiry := exp.Time.UTC()
	return payload, &expiry, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
