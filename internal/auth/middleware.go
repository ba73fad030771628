package auth

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const callerKey = "caller_address"

// Middleware rejects requests without a valid bearer token and stores the
// caller address in the gin context.
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		addr, err := s.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(callerKey, addr)
		c.Next()
	}
}

// Caller returns the authenticated address for the request.
func Caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}

// SetCaller is used by tests and internal tooling to bypass token parsing.
func SetCaller(c *gin.Context, addr common.Address) {
	c.Set(callerKey, addr)
}

// RequireCaller is Caller for handlers: it writes a 401 and returns false
// when the request is unauthenticated.
func RequireCaller(c *gin.Context) (common.Address, bool) {
	addr, ok := Caller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
	return addr, ok
}
