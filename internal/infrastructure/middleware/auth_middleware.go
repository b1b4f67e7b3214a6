package middleware

import (
	"strings"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/services"
	"roomrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// AuthMiddleware requires a bearer token carrying at least the given role.
func AuthMiddleware(authService services.AuthService, required domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortWith(c, errors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortWith(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		if err := authService.Authorize(claims, required); err != nil {
			abortWith(c, errors.NewForbiddenError(err.Error()))
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
