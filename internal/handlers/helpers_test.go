package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/feedloop/authorizer/internal/testutils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testMasterSecret = "0123456789abcdef0123456789abcdef"

type handlerFixture struct {
	router   *gin.Engine
	tokens   *testutils.MemoryTokenStore
	policies *testutils.MemoryPolicyStore
	keys     *testutils.MemoryEncryptionKeyStore
	engine   *services.TokenEngine
	policy   *services.PolicyEngine
	keySvc   *services.EncryptionKeyService
}

// newHandlerFixture mounts every handler on a bare router with the error
// middleware. Routes are not guarded; access control is covered by the api
// package.
func newHandlerFixture(t *testing.T, cfg services.TokenEngineConfig) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.MasterSecret == "" {
		cfg.MasterSecret = testMasterSecret
	}
	if cfg.SimpleTokenByteSize == 0 {
		cfg.SimpleTokenByteSize = 32
	}
	if cfg.DefaultUsageLimit == 0 {
		cfg.DefaultUsageLimit = 2
	}
	if cfg.DefaultTimeLimit == 0 {
		cfg.DefaultTimeLimit = time.Hour
	}

	f := &handlerFixture{
		tokens:   testutils.NewMemoryTokenStore(),
		policies: testutils.NewMemoryPolicyStore(),
		keys:     testutils.NewMemoryEncryptionKeyStore(),
	}
	logger := zap.NewNop()
	f.keySvc = services.NewEncryptionKeyService(cfg.MasterSecret, f.keys, logger)
	f.engine = services.NewTokenEngine(cfg, f.tokens, f.keySvc, nil, logger)
	f.policy = services.NewPolicyEngine(f.policies, nil, nil, logger)

	tokenHandler := NewTokenHandler(f.engine, f.policy, logger)
	policyHandler := NewPolicyHandler(f.policy)
	keyHandler := NewEncryptionKeyHandler(f.keySvc)

	r := gin.New()
	r.Use(middleware.ErrorHandler(logger))
	r.GET("/publickey", tokenHandler.PublicKey)
	requester := r.Group("/", middleware.RequireRequester())
	requester.POST("/token/generate", tokenHandler.Generate)
	requester.POST("/token/verify", tokenHandler.Verify)
	requester.POST("/tokens", tokenHandler.Produce)
	r.GET("/tokens", tokenHandler.Query)
	r.DELETE("/tokens", tokenHandler.Revoke)
	r.POST("/check", policyHandler.Check)
	r.POST("/policies/:level", policyHandler.AddPolicy)
	r.GET("/policies/:level", policyHandler.ListPolicies)
	r.DELETE("/policies/:level/*instance", policyHandler.RevokePolicy)
	r.POST("/encryption-keys", keyHandler.Register)
	r.DELETE("/encryption-keys/:system", keyHandler.Unregister)
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, requester string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if requester != "" {
		req.Header.Set(middleware.RequesterHeader, requester)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	decode(t, w, &resp)
	return resp
}

