package services

import (
	"context"
	"testing"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())

	store := testutils.NewMemoryTokenStore()
	keys := NewEncryptionKeyService(testMasterSecret, testutils.NewMemoryEncryptionKeyStore(), zap.NewNop())
	engine := NewTokenEngine(TokenEngineConfig{
		MasterSecret:        testMasterSecret,
		SimpleTokenByteSize: 32,
		DefaultUsageLimit:   1,
		CollisionRetries:    3,
	}, store, keys, metrics, zap.NewNop())

	model, err := engine.Produce(ctx, produceRequest(models.InterfacePolicyUsageLimitedToken), "test")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _, err = engine.Verify(ctx, "C", model.RawToken, "test")
		require.NoError(t, err)
	}
	_, err = engine.Revoke(ctx, []string{model.Header.TokenHash}, "test")
	require.NoError(t, err)

	usage := string(models.TokenTypeUsageLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tokensProduced.WithLabelValues(usage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tokensVerified.WithLabelValues(usage, "granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tokensVerified.WithLabelValues(usage, "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tokensRevoked))

	policies := NewPolicyEngine(testutils.NewMemoryPolicyStore(), nil, metrics, zap.NewNop())
	ok, err := policies.IsAccessGranted(ctx, accessRequest("C"), "test")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.accessDecisions.WithLabelValues("NONE", "denied")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.tokenProduced(models.TokenTypeTimeLimited)
		m.tokenVerified(models.TokenTypeTimeLimited, true)
		m.tokensRevokedAdd(3)
		m.accessDecided("MGMT", true)
	})
}
