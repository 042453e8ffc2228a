package handlers

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"

	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	originGenerate  = "POST /authorization/token/generate"
	originVerify    = "POST /authorization/token/verify"
	originProduce   = "POST /authorization/mgmt/tokens"
	originQuery     = "GET /authorization/mgmt/tokens"
	originRevoke    = "DELETE /authorization/mgmt/tokens"
	originPublicKey = "GET /authorization/publickey"
)

type TokenHandler struct {
	tokens   *services.TokenEngine
	policies *services.PolicyEngine
	logger   *zap.Logger
}

func NewTokenHandler(tokens *services.TokenEngine, policies *services.PolicyEngine, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, policies: policies, logger: logger}
}

// Generate checks access for every requested provider and issues a token for
// each one that grants it. Denied providers are listed, not failed, and so are
// providers whose entry cannot be served. Any other failure revokes the tokens
// already issued by the request.
func (h *TokenHandler) Generate(c *gin.Context) {
	var req models.GenerateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	requester := middleware.Requester(c)
	ctx := c.Request.Context()
	logger := middleware.LoggerFrom(c, h.logger)

	resp := models.GenerateTokenResponse{
		Tokens: []models.TokenResponse{},
		Denied: []string{},
		Failed: []models.GenerateTokenFailure{},
	}
	var issued []string
	abort := func(err error) {
		h.discard(ctx, logger, issued)
		fail(c, err, originGenerate)
	}

	for _, p := range req.Providers {
		granted, err := h.policies.IsAccessGranted(ctx, models.AccessRequest{
			Provider:      p.Provider,
			Consumer:      req.Consumer,
			ConsumerCloud: req.ConsumerCloud,
			TargetType:    req.TargetType,
			Target:        req.Target,
			Scope:         req.Scope,
		}, originGenerate)
		if err != nil {
			abort(err)
			return
		}
		if !granted {
			resp.Denied = append(resp.Denied, p.Provider)
			continue
		}

		model, err := h.tokens.Produce(ctx, models.ProduceTokenRequest{
			Requester:         requester,
			Consumer:          req.Consumer,
			ConsumerCloud:     req.ConsumerCloud,
			InterfacePolicy:   p.InterfacePolicy,
			Provider:          p.Provider,
			ProviderPublicKey: p.ProviderPublicKey,
			TargetType:        req.TargetType,
			Target:            req.Target,
			Scope:             req.Scope,
			UsageLimit:        req.UsageLimit,
			ExpiresAt:         req.ExpiresAt,
		}, originGenerate)
		if err == nil {
			issued = append(issued, model.Header.TokenHash)
			err = h.tokens.EncryptTokenIfNeeded(ctx, model, originGenerate)
			if err != nil {
				h.discard(ctx, logger, issued[len(issued)-1:])
				issued = issued[:len(issued)-1]
			}
		}
		if invalid, ok := models.TagInvalidArgument(err, originGenerate); ok {
			resp.Failed = append(resp.Failed, models.GenerateTokenFailure{Provider: p.Provider, Error: invalid.Message})
			continue
		}
		if err != nil {
			abort(err)
			return
		}
		resp.Tokens = append(resp.Tokens, model.Response())
	}

	logger.Info("Tokens generated",
		zap.String("requester", requester),
		zap.String("consumer", req.Consumer),
		zap.Int("issued", len(resp.Tokens)),
		zap.Int("denied", len(resp.Denied)),
		zap.Int("failed", len(resp.Failed)))
	c.JSON(http.StatusOK, resp)
}

// discard revokes tokens whose raw value never reached the caller
func (h *TokenHandler) discard(ctx context.Context, logger *zap.Logger, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	if _, err := h.tokens.Revoke(ctx, hashes, originGenerate); err != nil {
		logger.Warn("Failed to revoke undelivered tokens", zap.Int("count", len(hashes)), zap.Error(err))
	}
}

// Produce issues a token without a policy check
func (h *TokenHandler) Produce(c *gin.Context) {
	var body models.ProduceTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		bindError(c, err)
		return
	}
	ctx := c.Request.Context()

	model, err := h.tokens.Produce(ctx, models.ProduceTokenRequest{
		Requester:         middleware.Requester(c),
		Consumer:          body.Consumer,
		ConsumerCloud:     body.ConsumerCloud,
		InterfacePolicy:   body.InterfacePolicy,
		Provider:          body.Provider,
		ProviderPublicKey: body.ProviderPublicKey,
		TargetType:        body.TargetType,
		Target:            body.Target,
		Scope:             body.Scope,
		UsageLimit:        body.UsageLimit,
		ExpiresAt:         body.ExpiresAt,
	}, originProduce)
	if err != nil {
		fail(c, err, originProduce)
		return
	}
	if err := h.tokens.EncryptTokenIfNeeded(ctx, model, originProduce); err != nil {
		fail(c, err, originProduce)
		return
	}
	c.JSON(http.StatusCreated, model.Response())
}

func (h *TokenHandler) Verify(c *gin.Context) {
	var req models.VerifyTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	granted, model, err := h.tokens.Verify(c.Request.Context(), middleware.Requester(c), req.Token, originVerify)
	if err != nil {
		fail(c, err, originVerify)
		return
	}
	resp := models.VerifyTokenResponse{Granted: granted}
	if model != nil {
		view := model.Response()
		resp.Token = &view
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TokenHandler) Query(c *gin.Context) {
	page, err := pageRequest(c)
	if err != nil {
		fail(c, err, originQuery)
		return
	}
	filter := models.TokenFilter{
		Requester:     c.Query("requester"),
		TokenType:     models.TokenType(strings.ToUpper(c.Query("tokenType"))),
		ConsumerCloud: c.Query("consumerCloud"),
		Consumer:      c.Query("consumer"),
		Provider:      c.Query("provider"),
		TargetType:    models.TargetType(strings.ToUpper(c.Query("targetType"))),
		Target:        c.Query("target"),
	}

	result, err := h.tokens.Query(c.Request.Context(), page, filter, originQuery)
	if err != nil {
		fail(c, err, originQuery)
		return
	}
	items := make([]models.TokenResponse, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, result.Items[i].Response())
	}
	c.JSON(http.StatusOK, models.Page[models.TokenResponse]{
		Items:         items,
		Page:          result.Page,
		Size:          result.Size,
		TotalElements: result.TotalElements,
	})
}

func (h *TokenHandler) Revoke(c *gin.Context) {
	var req models.RevokeTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	n, err := h.tokens.Revoke(c.Request.Context(), req.TokenHashes, originRevoke)
	if err != nil {
		fail(c, err, originRevoke)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// PublicKey serves the PEM encoded key JWT tokens are signed with
func (h *TokenHandler) PublicKey(c *gin.Context) {
	key := h.tokens.PublicKey()
	if key == nil {
		fail(c, &middleware.NotFoundError{Message: "no signing key configured"}, originPublicKey)
		return
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		fail(c, models.NewInternalFailure("Public key unavailable", originPublicKey, err), originPublicKey)
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
