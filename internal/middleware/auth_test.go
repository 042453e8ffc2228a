package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRequireRequester(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedName   string
	}{
		{
			name:           "Requester present",
			header:         "consumer-a",
			expectedStatus: http.StatusOK,
			expectedName:   "consumer-a",
		},
		{
			name:           "Requester trimmed",
			header:         "  consumer-b ",
			expectedStatus: http.StatusOK,
			expectedName:   "consumer-b",
		},
		{
			name:           "Missing requester",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Blank requester",
			header:         "   ",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(RequireRequester())

			var seen string
			router.GET("/test", func(c *gin.Context) {
				seen = Requester(c)
				c.JSON(http.StatusOK, gin.H{"status": "success"})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set(RequesterHeader, tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedName, seen)
		})
	}
}

func TestRequireMasterToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	masterToken := "test-master-token"

	router := gin.New()
	router.Use(RequireMasterToken(masterToken))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"Valid master token", "Bearer " + masterToken, http.StatusOK},
		{"Wrong token", "Bearer wrong-token", http.StatusForbidden},
		{"Missing header", "", http.StatusUnauthorized},
		{"Invalid format", "InvalidFormat", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	t.Run("Empty master token rejects everything", func(t *testing.T) {
		router := gin.New()
		router.Use(RequireMasterToken(""))
		router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer ")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
