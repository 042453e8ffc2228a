package services

import (
	"context"
	"errors"
	"testing"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncryptionKeyService(t *testing.T) {
	ctx := context.Background()
	newService := func() (*EncryptionKeyService, *testutils.MemoryEncryptionKeyStore) {
		store := testutils.NewMemoryEncryptionKeyStore()
		return NewEncryptionKeyService(testMasterSecret, store, zap.NewNop()), store
	}

	t.Run("key is stored encrypted", func(t *testing.T) {
		s, store := newService()
		resp, err := s.Register(ctx, "P", "0123456789abcdef", models.AlgorithmAesEcbPkcs5, "register")
		require.NoError(t, err)
		assert.Equal(t, "P", resp.SystemName)
		assert.Empty(t, resp.ExternalAuxiliary)

		record, err := store.FindBySystemName(ctx, "P")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.NotContains(t, record.EncryptedKey, "0123456789abcdef")
		assert.NotEmpty(t, record.InternalAuxiliary)
		assert.Nil(t, record.ExternalAuxiliary)

		key, err := s.DecryptedKey(ctx, "P")
		require.NoError(t, err)
		assert.Equal(t, []byte("0123456789abcdef"), key.Key)
		assert.Equal(t, models.AlgorithmAesEcbPkcs5, key.Algorithm)
	})

	t.Run("CBC gets an external auxiliary", func(t *testing.T) {
		s, _ := newService()
		resp, err := s.Register(ctx, "P", "0123456789abcdef0123456789abcdef", models.AlgorithmAesCbcPkcs5, "register")
		require.NoError(t, err)
		require.NotEmpty(t, resp.ExternalAuxiliary)

		key, err := s.DecryptedKey(ctx, "P")
		require.NoError(t, err)
		require.NotNil(t, key.ExternalAuxiliary)
		assert.Equal(t, resp.ExternalAuxiliary, *key.ExternalAuxiliary)
	})

	t.Run("registering again replaces the key", func(t *testing.T) {
		s, _ := newService()
		_, err := s.Register(ctx, "P", "0123456789abcdef", models.AlgorithmAesCbcPkcs5, "register")
		require.NoError(t, err)
		_, err = s.Register(ctx, "P", "fedcba9876543210", models.AlgorithmAesEcbPkcs5, "register")
		require.NoError(t, err)

		key, err := s.DecryptedKey(ctx, "P")
		require.NoError(t, err)
		assert.Equal(t, []byte("fedcba9876543210"), key.Key)
		assert.Nil(t, key.ExternalAuxiliary)
	})

	t.Run("validation", func(t *testing.T) {
		s, _ := newService()
		cases := []struct{ name, system, key, algorithm string }{
			{"blank system", " ", "0123456789abcdef", models.AlgorithmAesEcbPkcs5},
			{"empty key", "P", "", models.AlgorithmAesEcbPkcs5},
			{"unsupported algorithm", "P", "0123456789abcdef", "DES/ECB/PKCS5Padding"},
			{"bad key length", "P", "short", models.AlgorithmAesCbcPkcs5},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := s.Register(ctx, tc.system, tc.key, tc.algorithm, "register")
				var invalid *models.InvalidArgumentError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, "register", invalid.Origin)
			})
		}
	})

	t.Run("unknown provider has no key", func(t *testing.T) {
		s, _ := newService()
		key, err := s.DecryptedKey(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, key)
	})

	t.Run("unregister", func(t *testing.T) {
		s, _ := newService()
		_, err := s.Register(ctx, "P", "0123456789abcdef", models.AlgorithmAesEcbPkcs5, "register")
		require.NoError(t, err)

		require.NoError(t, s.Unregister(ctx, "P", "unregister"))
		key, err := s.DecryptedKey(ctx, "P")
		require.NoError(t, err)
		assert.Nil(t, key)

		assert.ErrorIs(t, s.Unregister(ctx, "P", "unregister"), models.ErrEncryptionKeyNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		s, store := newService()
		store.Err = errors.New("disk full")

		_, err := s.Register(ctx, "P", "0123456789abcdef", models.AlgorithmAesEcbPkcs5, "register")
		var failure *models.InternalFailureError
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "Encryption key registration failed", failure.Message)
		assert.NotContains(t, err.Error(), "disk full")

		err = s.Unregister(ctx, "P", "unregister")
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "Encryption key removal failed", failure.Message)
	})
}
