package models

import "time"

// Supported provider key algorithms
const (
	AlgorithmAesEcbPkcs5 = "AES/ECB/PKCS5Padding"
	AlgorithmAesCbcPkcs5 = "AES/CBC/PKCS5Padding"
)

// EncryptionKey is a provider's symmetric key, encrypted at rest with the
// master secret. InternalAuxiliaryID references the IV protecting the key;
// ExternalAuxiliaryID references the IV used to encrypt tokens for the provider.
type EncryptionKey struct {
	ID                  int64     `db:"id"`
	SystemName          string    `db:"system_name"`
	EncryptedKey        string    `db:"encrypted_key"`
	Algorithm           string    `db:"algorithm"`
	InternalAuxiliaryID int64     `db:"internal_auxiliary_id"`
	ExternalAuxiliaryID *int64    `db:"external_auxiliary_id"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// CryptographerAuxiliary is an immutable stored IV
type CryptographerAuxiliary struct {
	ID        int64     `db:"id"`
	Value     string    `db:"value"`
	CreatedAt time.Time `db:"created_at"`
}

// EncryptionKeyWithAuxiliaries is an encryption key joined with its IVs
type EncryptionKeyWithAuxiliaries struct {
	EncryptionKey
	InternalAuxiliary string  `db:"internal_auxiliary"`
	ExternalAuxiliary *string `db:"external_auxiliary"`
}

// RegisterEncryptionKeyRequest is the body of the key registration endpoint
type RegisterEncryptionKeyRequest struct {
	SystemName string `json:"systemName" binding:"required"`
	Key        string `json:"key" binding:"required"`
	Algorithm  string `json:"algorithm" binding:"required"`
}

// RegisterEncryptionKeyResponse returns the IV a provider needs to decrypt tokens
type RegisterEncryptionKeyResponse struct {
	SystemName        string `json:"systemName"`
	Algorithm         string `json:"algorithm"`
	ExternalAuxiliary string `json:"externalAuxiliary,omitempty"`
}
