package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/feedloop/authorizer/internal/logging"
	"github.com/feedloop/authorizer/internal/models"
	"go.uber.org/zap"
)

// EncryptionKeyStore persists provider keys with their auxiliaries
type EncryptionKeyStore interface {
	Save(ctx context.Context, key *models.EncryptionKeyWithAuxiliaries) error
	FindBySystemName(ctx context.Context, systemName string) (*models.EncryptionKeyWithAuxiliaries, error)
	DeleteBySystemName(ctx context.Context, systemName string) (bool, error)
}

// ProviderKey is a provider's key in clear, ready to encrypt tokens with
type ProviderKey struct {
	SystemName        string
	Key               []byte
	Algorithm         string
	ExternalAuxiliary *string
}

type EncryptionKeyService struct {
	masterKey []byte
	store     EncryptionKeyStore
	crypto    *Cryptographer
	logger    *zap.Logger
}

func NewEncryptionKeyService(masterSecret string, store EncryptionKeyStore, logger *zap.Logger) *EncryptionKeyService {
	return &EncryptionKeyService{
		masterKey: []byte(masterSecret),
		store:     store,
		crypto:    NewCryptographer(),
		logger:    logger,
	}
}

func validAesKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// Register encrypts key with the master secret and stores it for systemName,
// replacing any previous key. For CBC a fresh external IV is generated and
// returned; the provider needs it to decrypt tokens.
func (s *EncryptionKeyService) Register(ctx context.Context, systemName, key, algorithm, origin string) (*models.RegisterEncryptionKeyResponse, error) {
	if strings.TrimSpace(systemName) == "" {
		return nil, models.NewInvalidArgument("system name is null or blank", origin)
	}
	if key == "" {
		return nil, models.NewInvalidArgument("key is null or empty", origin)
	}
	if algorithm != models.AlgorithmAesEcbPkcs5 && algorithm != models.AlgorithmAesCbcPkcs5 {
		return nil, models.NewInvalidArgument(fmt.Sprintf("unsupported algorithm %q", algorithm), origin)
	}
	if !validAesKeyLength(len(key)) {
		return nil, models.NewInvalidArgument("key length must be 16, 24 or 32 bytes", origin)
	}

	encryptedKey, internalIv, err := s.crypto.EncryptAesCbcPkcs5(key, s.masterKey)
	if err != nil {
		return nil, s.registrationFailed(systemName, origin, err)
	}

	record := &models.EncryptionKeyWithAuxiliaries{
		EncryptionKey: models.EncryptionKey{
			SystemName:   systemName,
			EncryptedKey: encryptedKey,
			Algorithm:    algorithm,
		},
		InternalAuxiliary: internalIv,
	}
	if algorithm == models.AlgorithmAesCbcPkcs5 {
		externalIv, err := s.crypto.GenerateIvBase64()
		if err != nil {
			return nil, s.registrationFailed(systemName, origin, err)
		}
		record.ExternalAuxiliary = &externalIv
	}

	if err := s.store.Save(ctx, record); err != nil {
		return nil, s.registrationFailed(systemName, origin, err)
	}

	s.logger.Info("Encryption key registered",
		zap.String("system_name", systemName),
		zap.String("algorithm", algorithm))

	resp := &models.RegisterEncryptionKeyResponse{SystemName: systemName, Algorithm: algorithm}
	if record.ExternalAuxiliary != nil {
		resp.ExternalAuxiliary = *record.ExternalAuxiliary
	}
	return resp, nil
}

func (s *EncryptionKeyService) registrationFailed(systemName, origin string, err error) error {
	logging.WithOrigin(s.logger, origin).Error("Failed to register encryption key",
		zap.String("system_name", systemName),
		zap.Error(err))
	return models.NewInternalFailure("Encryption key registration failed", origin, err)
}

// Unregister removes the key of systemName. It returns
// models.ErrEncryptionKeyNotFound when there is none.
func (s *EncryptionKeyService) Unregister(ctx context.Context, systemName, origin string) error {
	if strings.TrimSpace(systemName) == "" {
		return models.NewInvalidArgument("system name is null or blank", origin)
	}
	deleted, err := s.store.DeleteBySystemName(ctx, systemName)
	if err != nil {
		logging.WithOrigin(s.logger, origin).Error("Failed to unregister encryption key",
			zap.String("system_name", systemName),
			zap.Error(err))
		return models.NewInternalFailure("Encryption key removal failed", origin, err)
	}
	if !deleted {
		return models.ErrEncryptionKeyNotFound
	}
	s.logger.Info("Encryption key unregistered", zap.String("system_name", systemName))
	return nil
}

// DecryptedKey returns the clear key of systemName, or nil when the provider
// has not registered one.
func (s *EncryptionKeyService) DecryptedKey(ctx context.Context, systemName string) (*ProviderKey, error) {
	record, err := s.store.FindBySystemName(ctx, systemName)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	key, err := s.crypto.DecryptAesCbcPkcs5(record.EncryptedKey, record.InternalAuxiliary, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("error decrypting key of %s: %w", systemName, err)
	}
	return &ProviderKey{
		SystemName:        record.SystemName,
		Key:               []byte(key),
		Algorithm:         record.Algorithm,
		ExternalAuxiliary: record.ExternalAuxiliary,
	}, nil
}
