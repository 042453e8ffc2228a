package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

var startTime = time.Now()

// getStartTime returns the start time of the application
func getStartTime() time.Time {
	return startTime
}

// StatusResponse represents the status endpoint response
type StatusResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Version       string    `json:"version"`
	Token         TokenInfo `json:"token"`
}

// TokenInfo describes how this instance issues tokens
type TokenInfo struct {
	Issuer            string   `json:"issuer"`
	HashAlgorithm     string   `json:"hash_algorithm"`
	JWTEnabled        bool     `json:"jwt_enabled"`
	DefaultUsageLimit int      `json:"default_usage_limit"`
	DefaultTimeLimit  string   `json:"default_time_limit"`
	KeyAlgorithms     []string `json:"key_algorithms"`
}

// HealthCheck probes one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type StatusHandler struct {
	version string
	token   TokenInfo
	checks  []HealthCheck
}

func NewStatusHandler(version string, token TokenInfo, checks ...HealthCheck) *StatusHandler {
	return &StatusHandler{version: version, token: token, checks: checks}
}

func (h *StatusHandler) Status(c *gin.Context) {
	response := StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(getStartTime()).Seconds()),
		Version:       h.version,
		Token:         h.token,
	}
	middleware.LoggerFrom(c, nil).Debug("Status endpoint checked", zap.Int64("uptime_seconds", response.UptimeSeconds))
	c.JSON(http.StatusOK, response)
}

// Health answers 503 when any dependency fails its probe
func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			middleware.LoggerFrom(c, nil).Warn("Health check failed", zap.String("check", check.Name), zap.Error(err))
			results[check.Name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "up"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}
