package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers Auth routes. Only /auth/me sits behind the
// middleware.
func RegisterRoutes(rg *gin.RouterGroup, handler *Handler) {
	authGroup := rg.Group("/auth")
	{
		authGroup.POST("/challenge", handler.Challenge)
		authGroup.POST("/login", handler.Login)
		authGroup.GET("/me", Middleware(handler.Service), handler.Me)
	}
}
