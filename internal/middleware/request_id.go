package middleware

import (
	"github.com/feedloop/authorizer/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDKey = "request_id"
const LoggerKey = "logger"

// RequestIDMiddleware injects a request ID into the context and logger for each request
func RequestIDMiddleware(baseLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(RequestIDKey, reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)

		// Attach logger with request ID to context
		logger := logging.WithRequestID(baseLogger, reqID)
		c.Set(LoggerKey, logger)

		c.Next()
	}
}

// LoggerFrom returns the request scoped logger, or fallback when none is set
func LoggerFrom(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := c.Get(LoggerKey); ok {
		if zapLogger, ok := logger.(*zap.Logger); ok {
			return zapLogger
		}
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
