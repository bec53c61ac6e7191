package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/oauthbridge/internal/directory"
	"github.com/tyemirov/oauthbridge/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the directory record behind the validated session claims.
func HandleWhoAmI(logger *zap.Logger, users directory.Directory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user directory is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims.GetUserID() == "" {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.me.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		user, readErr := users.Read(contextGin.Request.Context(), claims.GetUserID())
		if readErr != nil {
			if errors.Is(readErr, directory.ErrNotFound) {
				logger.Warn("user missing from directory",
					zap.String("code", "api.me.user_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatus(http.StatusNotFound)
				return
			}
			logger.Error("user lookup error",
				zap.String("code", "api.me.lookup_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(readErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"id":           user.ID,
			"email":        user.Email,
			"first_name":   user.FirstName,
			"last_name":    user.LastName,
			"avatar":       nullable(user.Avatar),
			"provider":     nullable(user.Provider),
			"role":         nullable(user.Role),
			"status":       user.Status,
			"admin_access": claims.AdminAccess,
			"expires":      claims.GetExpiresAt(),
		})
	}
}

// HandleHealth reports liveness.
func HandleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
