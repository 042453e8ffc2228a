package api

import (
	"github.com/feedloop/authorizer/internal/handlers"
	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handlers groups the endpoint handlers mounted by SetupRoutes
type Handlers struct {
	Tokens   *handlers.TokenHandler
	Policies *handlers.PolicyHandler
	Keys     *handlers.EncryptionKeyHandler
	Status   *handlers.StatusHandler
}

// SetupRoutes configures all API routes with their middleware
func SetupRoutes(router *gin.Engine, h Handlers, rateLimiter *middleware.RateLimiter, masterToken string, logger *zap.Logger) {
	// Global middleware
	router.Use(middleware.RequestIDMiddleware(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.ErrorHandler(logger))

	// Public routes
	public := router.Group("/")
	{
		public.GET("/status", h.Status.Status)
		public.GET("/health", h.Status.Health)
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authorization := router.Group("/authorization")
	authorization.GET("/publickey", h.Tokens.PublicKey)
	authorization.POST("/check", h.Policies.Check)

	// Token routes identify the calling system and are rate limited per requester
	tokens := authorization.Group("/token")
	tokens.Use(middleware.RequireRequester())
	tokens.Use(rateLimiter.RateLimit())
	{
		tokens.POST("/generate", h.Tokens.Generate)
		tokens.POST("/verify", h.Tokens.Verify)
	}

	// Management routes (requires master token)
	mgmt := authorization.Group("/mgmt")
	mgmt.Use(middleware.RequireMasterToken(masterToken))
	{
		mgmt.GET("/tokens", h.Tokens.Query)
		mgmt.POST("/tokens", middleware.RequireRequester(), h.Tokens.Produce)
		mgmt.DELETE("/tokens", h.Tokens.Revoke)

		mgmt.POST("/encryption-keys", h.Keys.Register)
		mgmt.DELETE("/encryption-keys/:system", h.Keys.Unregister)

		mgmt.GET("/policies/:level", h.Policies.ListPolicies)
		mgmt.POST("/policies/:level", h.Policies.AddPolicy)
		mgmt.DELETE("/policies/:level/*instance", h.Policies.RevokePolicy)
	}
}
