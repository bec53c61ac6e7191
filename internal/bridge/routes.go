package bridge

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/oauthbridge/internal/identity"
	"github.com/tyemirov/oauthbridge/internal/provider"
	"go.uber.org/zap"
)

const providerParam = "provider"

// MountOAuthRoutes registers /oauth/:provider, /oauth/:provider/callback, and the provider-less
// /oauth/callback served by the default provider.
func MountOAuthRoutes(router gin.IRouter, providers *provider.Registry, coordinator *Coordinator, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET(CallbackPath, func(contextGin *gin.Context) {
		selected, defaultErr := providers.Default()
		if defaultErr != nil {
			logger.Error("no default provider configured",
				zap.String("code", "callback.no_default_provider"),
				zap.Error(defaultErr))
			contextGin.Redirect(http.StatusFound, coordinator.FailureRedirect(identity.FailureCodeAuthFailed))
			return
		}
		handleCallback(contextGin, coordinator, selected, logger)
	})

	router.GET("/oauth/:"+providerParam, func(contextGin *gin.Context) {
		selected, lookupErr := providers.Get(contextGin.Param(providerParam))
		if lookupErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return
		}
		authorizeURL, authorizeErr := coordinator.AuthorizeURL(contextGin.Request.Context(), selected)
		if authorizeErr != nil {
			logger.Error("authorize redirect failed",
				zap.String("code", "authorize.failed"),
				zap.String("provider", selected.Name()),
				zap.Error(authorizeErr))
			contextGin.Redirect(http.StatusFound, coordinator.FailureRedirect(identity.FailureCodeAuthFailed))
			return
		}
		contextGin.Redirect(http.StatusFound, authorizeURL)
	})

	router.GET("/oauth/:"+providerParam+"/callback", func(contextGin *gin.Context) {
		selected, lookupErr := providers.Get(contextGin.Param(providerParam))
		if lookupErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return
		}
		handleCallback(contextGin, coordinator, selected, logger)
	})
}

func handleCallback(contextGin *gin.Context, coordinator *Coordinator, selected provider.Provider, logger *zap.Logger) {
	startedAt := time.Now()
	tokens, completeErr := coordinator.Complete(
		contextGin.Request.Context(),
		selected,
		contextGin.Query("code"),
		contextGin.Query("state"),
	)
	if completeErr != nil {
		failureCode := identity.FailureCodeAuthFailed
		var callbackErr *CallbackError
		if errors.As(completeErr, &callbackErr) {
			failureCode = callbackErr.Code
		}
		contextGin.Redirect(http.StatusFound, coordinator.FailureRedirect(failureCode))
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Redirect(http.StatusFound, coordinator.SuccessRedirect(tokens))
	logger.Debug("callback redirected",
		zap.String("code", "callback.redirected"),
		zap.String("stage", string(StageRedirected)),
		zap.String("provider", selected.Name()),
		zap.Duration("elapsed", time.Since(startedAt)))
}
