package middleware

import (
	"errors"
	"net/http"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Error  string `json:"error"`
	Origin string `json:"origin,omitempty"`
}

// ErrorHandler turns the last error recorded by a handler into a JSON answer.
// Internal failures only ever expose their generic message.
func ErrorHandler(baseLogger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		statusCode, resp := errorStatus(err)
		if statusCode >= http.StatusInternalServerError {
			LoggerFrom(c, baseLogger).Error("Request failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
		}
		c.JSON(statusCode, resp)
	}
}

func errorStatus(err error) (int, ErrorResponse) {
	var (
		invalid   *models.InvalidArgumentError
		internal  *models.InternalFailureError
		auth      *AuthError
		notFound  *NotFoundError
		rateLimit *RateLimitError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, ErrorResponse{Error: invalid.Message, Origin: invalid.Origin}
	case errors.As(err, &internal):
		return http.StatusInternalServerError, ErrorResponse{Error: internal.Message, Origin: internal.Origin}
	case errors.Is(err, models.ErrPolicyNotFound),
		errors.Is(err, models.ErrEncryptionKeyNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.As(err, &auth):
		return http.StatusUnauthorized, ErrorResponse{Error: auth.Message}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorResponse{Error: notFound.Message}
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests, ErrorResponse{Error: rateLimit.Message}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"}
}

// Custom error types for different error scenarios
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}
