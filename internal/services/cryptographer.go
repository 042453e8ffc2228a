package services

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrCryptoFailure wraps every error coming out of the cryptographer
var ErrCryptoFailure = errors.New("cryptographic operation failed")

// Cryptographer holds the stateless primitives used for token hashing and for
// protecting provider keys. Ciphertexts and IVs are standard Base64.
type Cryptographer struct{}

// NewCryptographer creates a new cryptographer
func NewCryptographer() *Cryptographer {
	return &Cryptographer{}
}

func cryptoFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCryptoFailure, op, err)
}

// HmacSha256 returns the hex encoded HMAC-SHA256 of data under key
func (c *Cryptographer) HmacSha256(data, key string) (string, error) {
	if key == "" {
		return "", cryptoFailure("hmac", errors.New("empty key"))
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateIvBase64 returns a random AES block sized IV
func (c *Cryptographer) GenerateIvBase64() (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", cryptoFailure("generate iv", err)
	}
	return base64.StdEncoding.EncodeToString(iv), nil
}

// EncryptAesCbcPkcs5 encrypts under a freshly generated IV, which must be
// stored next to the ciphertext to allow decryption.
func (c *Cryptographer) EncryptAesCbcPkcs5(plaintext string, key []byte) (ciphertext string, iv string, err error) {
	iv, err = c.GenerateIvBase64()
	if err != nil {
		return "", "", err
	}
	ciphertext, err = c.EncryptAesCbcPkcs5WithIv(plaintext, key, iv)
	if err != nil {
		return "", "", err
	}
	return ciphertext, iv, nil
}

// EncryptAesCbcPkcs5WithIv encrypts under a caller supplied Base64 IV
func (c *Cryptographer) EncryptAesCbcPkcs5WithIv(plaintext string, key []byte, iv string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", cryptoFailure("aes-cbc encrypt", err)
	}
	ivBytes, err := decodeIv(iv)
	if err != nil {
		return "", cryptoFailure("aes-cbc encrypt", err)
	}
	padded := pkcs5Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ivBytes).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptAesCbcPkcs5 reverses EncryptAesCbcPkcs5
func (c *Cryptographer) DecryptAesCbcPkcs5(ciphertext, iv string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", cryptoFailure("aes-cbc decrypt", err)
	}
	ivBytes, err := decodeIv(iv)
	if err != nil {
		return "", cryptoFailure("aes-cbc decrypt", err)
	}
	data, err := decodeCiphertext(ciphertext)
	if err != nil {
		return "", cryptoFailure("aes-cbc decrypt", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, ivBytes).CryptBlocks(out, data)
	plain, err := pkcs5Unpad(out, aes.BlockSize)
	if err != nil {
		return "", cryptoFailure("aes-cbc decrypt", err)
	}
	return string(plain), nil
}

// EncryptAesEcbPkcs5 encrypts every block independently, without an IV
func (c *Cryptographer) EncryptAesEcbPkcs5(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", cryptoFailure("aes-ecb encrypt", err)
	}
	padded := pkcs5Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptAesEcbPkcs5 reverses EncryptAesEcbPkcs5
func (c *Cryptographer) DecryptAesEcbPkcs5(ciphertext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", cryptoFailure("aes-ecb decrypt", err)
	}
	data, err := decodeCiphertext(ciphertext)
	if err != nil {
		return "", cryptoFailure("aes-ecb decrypt", err)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	plain, err := pkcs5Unpad(out, aes.BlockSize)
	if err != nil {
		return "", cryptoFailure("aes-ecb decrypt", err)
	}
	return string(plain), nil
}

func decodeIv(iv string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("invalid iv encoding: %w", err)
	}
	if len(b) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(b))
	}
	return b, nil
}

func decodeCiphertext(ciphertext string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	return b, nil
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs5Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
