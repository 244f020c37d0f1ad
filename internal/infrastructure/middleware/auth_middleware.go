package middleware

import (
	"strings"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	apperrors "rillcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey   = "user_id"
	usernameKey = "username"
)

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, apperrors.FromDomain(err))
			return
		}

		setUser(c, claims.User())
		c.Next()
	}
}

// OptionalAuthMiddleware attaches the caller when a valid token is present.
// A token that is present but invalid is still rejected.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token, ok := bearerToken(header)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}
		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, apperrors.FromDomain(err))
			return
		}

		setUser(c, claims.User())
		c.Next()
	}
}

// UserFromContext returns the caller attached by the auth middleware.
func UserFromContext(c *gin.Context) (domain.User, bool) {
	id, ok := c.Get(userIDKey)
	if !ok {
		return domain.User{}, false
	}
	userID, ok := id.(domain.UserID)
	if !ok || userID == "" {
		return domain.User{}, false
	}
	return domain.User{ID: userID, Username: c.GetString(usernameKey)}, true
}

func setUser(c *gin.Context, user domain.User) {
	c.Set(userIDKey, user.ID)
	c.Set(usernameKey, user.Username)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
