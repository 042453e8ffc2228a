package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequesterHeader carries the system name of the calling system. It stands in
// for the common name of the client certificate when TLS terminates upstream.
const RequesterHeader = "X-Requester-System"

const RequesterKey = "requester"

// RequireMasterToken is a middleware that requires a master token
func RequireMasterToken(masterToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		token := parts[1]
		if masterToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(masterToken)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Master token required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireRequester rejects requests that do not name the calling system and
// stores the name under RequesterKey
func RequireRequester() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := LoggerFrom(c, nil)

		requester := strings.TrimSpace(c.GetHeader(RequesterHeader))
		if requester == "" {
			logger.Info("Requester header is missing")
			c.JSON(http.StatusUnauthorized, gin.H{"error": RequesterHeader + " header is required"})
			c.Abort()
			return
		}

		c.Set(RequesterKey, requester)
		c.Next()
	}
}

// Requester returns the system name stored by RequireRequester
func Requester(c *gin.Context) string {
	return c.GetString(RequesterKey)
}
