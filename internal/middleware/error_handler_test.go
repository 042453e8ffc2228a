package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   ErrorResponse
	}{
		{
			name:           "Invalid argument",
			err:            models.NewInvalidArgument("consumer is null or blank", "verify"),
			expectedStatus: http.StatusBadRequest,
			expectedBody:   ErrorResponse{Error: "consumer is null or blank", Origin: "verify"},
		},
		{
			name:           "Internal failure hides the cause",
			err:            models.NewInternalFailure("Token verification failed", "verify", errors.New("pq: password authentication failed")),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   ErrorResponse{Error: "Token verification failed", Origin: "verify"},
		},
		{
			name:           "Wrapped not found sentinel",
			err:            fmt.Errorf("revoke: %w", models.ErrPolicyNotFound),
			expectedStatus: http.StatusNotFound,
			expectedBody:   ErrorResponse{Error: "revoke: policy not found"},
		},
		{
			name:           "Auth Error",
			err:            &AuthError{Message: "unauthorized"},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   ErrorResponse{Error: "unauthorized"},
		},
		{
			name:           "Not Found Error",
			err:            &NotFoundError{Message: "resource not found"},
			expectedStatus: http.StatusNotFound,
			expectedBody:   ErrorResponse{Error: "resource not found"},
		},
		{
			name:           "Rate Limit Error",
			err:            &RateLimitError{Message: "too many requests"},
			expectedStatus: http.StatusTooManyRequests,
			expectedBody:   ErrorResponse{Error: "too many requests"},
		},
		{
			name:           "Unknown error is generic",
			err:            assert.AnError,
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   ErrorResponse{Error: "Internal server error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandler(zap.NewNop()))
			router.GET("/test", func(c *gin.Context) {
				c.Error(tt.err)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedBody, response)
		})
	}
}

func TestErrorHandlerKeepsWrittenResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandler(zap.NewNop()))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"status": "partial"})
		c.Error(assert.AnError)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"partial"}`, w.Body.String())
}
