package handlers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateRequest(providers ...models.GenerateTokenProvider) models.GenerateTokenRequest {
	return models.GenerateTokenRequest{
		Consumer:      "consumer",
		ConsumerCloud: "LOCAL",
		TargetType:    models.TargetTypeServiceDefinition,
		Target:        "temperature",
		Providers:     providers,
	}
}

func grantAll(t *testing.T, f *handlerFixture, provider string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/policies/provider", provider, models.AddPolicyRequest{
		TargetType: models.TargetTypeServiceDefinition,
		Cloud:      "LOCAL",
		Provider:   provider,
		Target:     "temperature",
		Policies:   []models.AddPolicyRuleBody{{PolicyType: models.PolicyTypeAll}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestTokenHandler_Generate(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})
	grantAll(t, f, "thermometer")

	w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
		models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken},
		models.GenerateTokenProvider{Provider: "barometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken},
	))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.GenerateTokenResponse
	decode(t, w, &resp)
	require.Len(t, resp.Tokens, 1)
	assert.Equal(t, []string{"barometer"}, resp.Denied)

	token := resp.Tokens[0]
	assert.Equal(t, models.TokenTypeUsageLimited, token.TokenType)
	assert.Equal(t, "orchestrator", token.Requester)
	assert.Equal(t, "consumer", token.Consumer)
	assert.Equal(t, "thermometer", token.Provider)
	assert.NotEmpty(t, token.Token)
	assert.NotEmpty(t, token.TokenHash)
	assert.False(t, token.Encrypted)
	require.NotNil(t, token.UsageLeft)
	assert.Equal(t, 2, *token.UsageLeft)

	t.Run("nothing granted", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
			models.GenerateTokenProvider{Provider: "barometer", InterfacePolicy: models.InterfacePolicyTimeLimitedToken},
		))
		require.Equal(t, http.StatusOK, w.Code)
		var resp models.GenerateTokenResponse
		decode(t, w, &resp)
		assert.NotNil(t, resp.Tokens)
		assert.Empty(t, resp.Tokens)
		assert.Equal(t, []string{"barometer"}, resp.Denied)
	})

	t.Run("encrypted for providers with a key", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/encryption-keys", "", models.RegisterEncryptionKeyRequest{
			SystemName: "thermometer",
			Key:        "0123456789abcdef",
			Algorithm:  models.AlgorithmAesEcbPkcs5,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
			models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyTimeLimitedToken},
		))
		require.Equal(t, http.StatusOK, w.Code)
		var resp models.GenerateTokenResponse
		decode(t, w, &resp)
		require.Len(t, resp.Tokens, 1)
		assert.True(t, resp.Tokens[0].Encrypted)
		assert.NotNil(t, resp.Tokens[0].ExpiresAt)
	})

	t.Run("missing requester", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/token/generate", "", generateRequest(
			models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken},
		))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no providers", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest())
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid target type", func(t *testing.T) {
		req := generateRequest(models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken})
		req.TargetType = "QUEUE"
		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, originGenerate, errorBody(t, w).Origin)
	})
}

func TestTokenHandler_GenerateProviderFailures(t *testing.T) {
	t.Run("an invalid entry is reported and the rest is issued", func(t *testing.T) {
		f := newHandlerFixture(t, services.TokenEngineConfig{})
		grantAll(t, f, "thermometer")
		grantAll(t, f, "barometer")

		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
			models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken},
			models.GenerateTokenProvider{Provider: "barometer", InterfacePolicy: "CARRIER_PIGEON"},
		))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp models.GenerateTokenResponse
		decode(t, w, &resp)
		require.Len(t, resp.Tokens, 1)
		assert.Equal(t, "thermometer", resp.Tokens[0].Provider)
		assert.Empty(t, resp.Denied)
		assert.Equal(t, []models.GenerateTokenFailure{
			{Provider: "barometer", Error: `unsupported interface policy "CARRIER_PIGEON"`},
		}, resp.Failed)

		headers := f.tokens.Headers()
		require.Len(t, headers, 1)
		assert.Equal(t, resp.Tokens[0].TokenHash, headers[0].TokenHash)
	})

	t.Run("encrypted JWT without a provider public key", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		f := newHandlerFixture(t, services.TokenEngineConfig{PrivateKey: key})
		grantAll(t, f, "thermometer")
		grantAll(t, f, "barometer")

		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
			models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyRsaSha256JWT},
			models.GenerateTokenProvider{Provider: "barometer", InterfacePolicy: models.InterfacePolicyRsaSha256Aes128GcmJWT},
		))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp models.GenerateTokenResponse
		decode(t, w, &resp)
		require.Len(t, resp.Tokens, 1)
		require.Len(t, resp.Failed, 1)
		assert.Equal(t, "barometer", resp.Failed[0].Provider)
		assert.Equal(t, "provider public key is required for encrypted tokens", resp.Failed[0].Error)
		assert.Len(t, f.tokens.Headers(), 1)
	})

	t.Run("an internal failure revokes tokens already issued", func(t *testing.T) {
		f := newHandlerFixture(t, services.TokenEngineConfig{})
		grantAll(t, f, "thermometer")
		grantAll(t, f, "barometer")
		require.NoError(t, f.keys.Save(context.Background(), &models.EncryptionKeyWithAuxiliaries{
			EncryptionKey:     models.EncryptionKey{SystemName: "barometer", EncryptedKey: "%%%", Algorithm: models.AlgorithmAesEcbPkcs5},
			InternalAuxiliary: "%%%",
		}))

		w := f.do(t, http.MethodPost, "/token/generate", "orchestrator", generateRequest(
			models.GenerateTokenProvider{Provider: "thermometer", InterfacePolicy: models.InterfacePolicyUsageLimitedToken},
			models.GenerateTokenProvider{Provider: "barometer", InterfacePolicy: models.InterfacePolicyTimeLimitedToken},
		))
		require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
		assert.Equal(t, originGenerate, errorBody(t, w).Origin)
		assert.Empty(t, f.tokens.Headers())
	})
}

func TestTokenHandler_ProduceAndVerify(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})

	limit := 1
	w := f.do(t, http.MethodPost, "/tokens", "orchestrator", models.ProduceTokenBody{
		Consumer:        "consumer",
		ConsumerCloud:   "LOCAL",
		InterfacePolicy: models.InterfacePolicyUsageLimitedToken,
		Provider:        "thermometer",
		TargetType:      models.TargetTypeServiceDefinition,
		Target:          "temperature",
		UsageLimit:      &limit,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var produced models.TokenResponse
	decode(t, w, &produced)
	require.NotEmpty(t, produced.Token)

	verify := func(requester string) models.VerifyTokenResponse {
		w := f.do(t, http.MethodPost, "/token/verify", requester, models.VerifyTokenRequest{Token: produced.Token})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp models.VerifyTokenResponse
		decode(t, w, &resp)
		return resp
	}

	first := verify("orchestrator")
	assert.True(t, first.Granted)
	require.NotNil(t, first.Token)
	assert.Empty(t, first.Token.Token)
	assert.Equal(t, produced.TokenHash, first.Token.TokenHash)

	assert.False(t, verify("orchestrator").Granted)

	other := verify("intruder")
	assert.False(t, other.Granted)
	assert.Nil(t, other.Token)

	t.Run("blank token", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/token/verify", "orchestrator", models.VerifyTokenRequest{Token: " "})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, originVerify, errorBody(t, w).Origin)
	})

	t.Run("self-contained tokens are rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/tokens", "orchestrator", models.ProduceTokenBody{
			Consumer:        "consumer",
			ConsumerCloud:   "LOCAL",
			InterfacePolicy: models.InterfacePolicyBase64SelfContainedToken,
			Provider:        "thermometer",
			TargetType:      models.TargetTypeServiceDefinition,
			Target:          "temperature",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var token models.TokenResponse
		decode(t, w, &token)

		w = f.do(t, http.MethodPost, "/token/verify", "orchestrator", models.VerifyTokenRequest{Token: token.Token})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/tokens", "orchestrator", map[string]string{"consumer": "consumer"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTokenHandler_QueryAndRevoke(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})

	var hashes []string
	for _, provider := range []string{"thermometer", "barometer", "thermometer"} {
		w := f.do(t, http.MethodPost, "/tokens", "orchestrator", models.ProduceTokenBody{
			Consumer:        "consumer",
			ConsumerCloud:   "LOCAL",
			InterfacePolicy: models.InterfacePolicyTimeLimitedToken,
			Provider:        provider,
			TargetType:      models.TargetTypeServiceDefinition,
			Target:          "temperature",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var token models.TokenResponse
		decode(t, w, &token)
		hashes = append(hashes, token.TokenHash)
	}

	w := f.do(t, http.MethodGet, "/tokens?provider=thermometer&tokenType=time_limited_token", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page models.Page[models.TokenResponse]
	decode(t, w, &page)
	assert.Equal(t, int64(2), page.TotalElements)
	require.Len(t, page.Items, 2)
	for _, item := range page.Items {
		assert.Equal(t, "thermometer", item.Provider)
		assert.Empty(t, item.Token)
		assert.NotNil(t, item.ExpiresAt)
	}

	t.Run("bad page parameter", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/tokens?page=first", "", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, originQuery, errorBody(t, w).Origin)
	})

	t.Run("bad target type", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/tokens?targetType=queue", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w = f.do(t, http.MethodDelete, "/tokens", "", models.RevokeTokensRequest{TokenHashes: hashes[:2]})
	require.Equal(t, http.StatusOK, w.Code)
	var revoked map[string]int64
	decode(t, w, &revoked)
	assert.Equal(t, int64(2), revoked["revoked"])
	assert.Len(t, f.tokens.Headers(), 1)

	w = f.do(t, http.MethodDelete, "/tokens", "", models.RevokeTokensRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &revoked)
	assert.Zero(t, revoked["revoked"])
}

func TestTokenHandler_StoreFailure(t *testing.T) {
	f := newHandlerFixture(t, services.TokenEngineConfig{})
	f.tokens.Err = assert.AnError

	w := f.do(t, http.MethodPost, "/token/verify", "orchestrator", models.VerifyTokenRequest{Token: "abc"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := errorBody(t, w)
	assert.Equal(t, "Token verification failed", resp.Error)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestTokenHandler_PublicKey(t *testing.T) {
	t.Run("no key configured", func(t *testing.T) {
		f := newHandlerFixture(t, services.TokenEngineConfig{})
		w := f.do(t, http.MethodGet, "/publickey", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("PEM encoded key", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		f := newHandlerFixture(t, services.TokenEngineConfig{PrivateKey: key})

		w := f.do(t, http.MethodGet, "/publickey", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		block, _ := pem.Decode(w.Body.Bytes())
		require.NotNil(t, block)
		assert.Equal(t, "PUBLIC KEY", block.Type)
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)
		assert.True(t, key.PublicKey.Equal(parsed))
	})
}
