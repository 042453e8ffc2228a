package services

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptographer(t *testing.T) {
	c := NewCryptographer()
	key := []byte("0123456789abcdef")
	plaintext := "ConsumerName:ProviderName:testService"

	t.Run("HMAC is deterministic and keyed", func(t *testing.T) {
		h1, err := c.HmacSha256("raw-token", "secret")
		require.NoError(t, err)
		h2, err := c.HmacSha256("raw-token", "secret")
		require.NoError(t, err)
		h3, err := c.HmacSha256("raw-token", "other-secret")
		require.NoError(t, err)

		assert.Len(t, h1, 64)
		assert.Equal(t, h1, h2)
		assert.NotEqual(t, h1, h3)
		assert.NotContains(t, h1, "raw-token")

		_, err = c.HmacSha256("raw-token", "")
		assert.ErrorIs(t, err, ErrCryptoFailure)
	})

	t.Run("AES-CBC round trip", func(t *testing.T) {
		ciphertext, iv, err := c.EncryptAesCbcPkcs5(plaintext, key)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := c.DecryptAesCbcPkcs5(ciphertext, iv, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("AES-CBC uses a fresh IV per encryption", func(t *testing.T) {
		c1, iv1, err := c.EncryptAesCbcPkcs5(plaintext, key)
		require.NoError(t, err)
		c2, iv2, err := c.EncryptAesCbcPkcs5(plaintext, key)
		require.NoError(t, err)
		assert.NotEqual(t, iv1, iv2)
		assert.NotEqual(t, c1, c2)
	})

	t.Run("AES-CBC with supplied IV is deterministic", func(t *testing.T) {
		iv, err := c.GenerateIvBase64()
		require.NoError(t, err)
		c1, err := c.EncryptAesCbcPkcs5WithIv(plaintext, key, iv)
		require.NoError(t, err)
		c2, err := c.EncryptAesCbcPkcs5WithIv(plaintext, key, iv)
		require.NoError(t, err)
		assert.Equal(t, c1, c2)

		decrypted, err := c.DecryptAesCbcPkcs5(c1, iv, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("AES-ECB round trip", func(t *testing.T) {
		ciphertext, err := c.EncryptAesEcbPkcs5(plaintext, key)
		require.NoError(t, err)

		decrypted, err := c.DecryptAesEcbPkcs5(ciphertext, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("block aligned plaintext gets a full padding block", func(t *testing.T) {
		ciphertext, err := c.EncryptAesEcbPkcs5("0123456789abcdef", key)
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(ciphertext)
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	})

	t.Run("IV is a Base64 AES block", func(t *testing.T) {
		iv, err := c.GenerateIvBase64()
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(iv)
		require.NoError(t, err)
		assert.Len(t, raw, 16)
	})

	t.Run("failures", func(t *testing.T) {
		_, _, err := c.EncryptAesCbcPkcs5(plaintext, []byte("short"))
		assert.ErrorIs(t, err, ErrCryptoFailure)

		_, err = c.EncryptAesCbcPkcs5WithIv(plaintext, key, "not-base64!")
		assert.ErrorIs(t, err, ErrCryptoFailure)

		ciphertext, iv, err := c.EncryptAesCbcPkcs5(plaintext, key)
		require.NoError(t, err)
		_, err = c.DecryptAesCbcPkcs5(ciphertext, iv, []byte("bad-key"))
		assert.ErrorIs(t, err, ErrCryptoFailure)

		_, err = c.DecryptAesCbcPkcs5(ciphertext, "c2hvcnQ=", key)
		assert.ErrorIs(t, err, ErrCryptoFailure)

		_, err = c.DecryptAesEcbPkcs5("AAAA", key)
		assert.ErrorIs(t, err, ErrCryptoFailure)
	})
}
