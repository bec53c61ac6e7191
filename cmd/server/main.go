package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/oauthbridge/internal/bridge"
	"github.com/tyemirov/oauthbridge/internal/directory"
	"github.com/tyemirov/oauthbridge/internal/directorypg"
	"github.com/tyemirov/oauthbridge/internal/provider"
	"github.com/tyemirov/oauthbridge/internal/provider/github"
	"github.com/tyemirov/oauthbridge/internal/web"
	"github.com/tyemirov/oauthbridge/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// legacyEnvAliases maps config keys to the variable names used by existing deployments.
var legacyEnvAliases = map[string]string{
	"github_client_id":     "GITHUB_CLIENT_ID",
	"github_client_secret": "GITHUB_CLIENT_SECRET",
	"public_url":           "PUBLIC_URL",
	"frontend_url":         "FRONTEND_URL",
	"jwt_signing_key":      "SECRET",
	"default_user_role":    "DEFAULT_USER_ROLE",
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "oauthbridge",
		Short:   "GitHub OAuth bridge that reconciles identities with a user directory and mints session tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8055", "HTTP listen address")
	rootCmd.Flags().String("github_client_id", "", "GitHub OAuth app client ID")
	rootCmd.Flags().String("github_client_secret", "", "GitHub OAuth app client secret")
	rootCmd.Flags().String("public_url", "http://localhost:8055", "Public base URL of this service; the callback is <public_url>/oauth/callback")
	rootCmd.Flags().String("frontend_url", "http://localhost:4200", "Frontend base URL receiving /auth/callback and /login redirects")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session tokens")
	rootCmd.Flags().String("jwt_issuer", "directus", "Issuer claim of session tokens")
	rootCmd.Flags().String("default_user_role", "", "Role assigned to users created on first login; empty for none")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("provider_timeout", 10*time.Second, "Timeout for each call to the identity provider")
	rootCmd.Flags().Duration("directory_timeout", 5*time.Second, "Timeout for each user directory call")
	rootCmd.Flags().String("database_url", "", "User directory URL (postgres:// or sqlite://; leave empty for in-memory directory)")
	rootCmd.Flags().String("directory_backend", directoryBackendGORM, "Persistent directory driver: gorm or pgx (pgx requires postgres://)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the frontend on /api routes")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("enable_state", false, "Require a one-time state parameter on OAuth callbacks")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "Lifetime of issued state values")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	for key, legacyName := range legacyEnvAliases {
		_ = viper.BindEnv(key, "APP_"+strings.ToUpper(key), legacyName)
	}

	return rootCmd
}

const (
	directoryBackendGORM = "gorm"
	directoryBackendPGX  = "pgx"

	configCodeMissingGitHubClientID     = "config.missing_github_client_id"
	configCodeMissingGitHubClientSecret = "config.missing_github_client_secret"
	configCodeMissingJWTSigningKey      = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL          = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL         = "config.invalid_refresh_ttl"
	configCodeInvalidPublicURL          = "config.invalid_public_url"
	configCodeInvalidFrontendURL        = "config.invalid_frontend_url"
	configCodeInvalidDirectoryBackend   = "config.invalid_directory_backend"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeDirectoryInit             = "config.directory_init"
	configCodeProviderInit              = "config.provider_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// serviceConfig is the validated startup configuration.
type serviceConfig struct {
	Bridge             bridge.ServerConfig
	GitHubClientID     string
	GitHubClientSecret string
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates configuration from viper.
func LoadServerConfig() (serviceConfig, error) {
	githubClientID := strings.TrimSpace(viper.GetString("github_client_id"))
	if githubClientID == "" {
		return serviceConfig{}, configError(configCodeMissingGitHubClientID, "github_client_id must be provided")
	}

	githubClientSecret := viper.GetString("github_client_secret")
	if githubClientSecret == "" {
		return serviceConfig{}, configError(configCodeMissingGitHubClientSecret, "github_client_secret must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return serviceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := durationOrDefault("access_ttl", 15*time.Minute)
	if accessTTL <= 0 {
		return serviceConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := durationOrDefault("refresh_ttl", 7*24*time.Hour)
	if refreshTTL <= 0 {
		return serviceConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	publicURL := stringOrDefault("public_url", "http://localhost:8055")
	if !isAbsoluteURL(publicURL) {
		return serviceConfig{}, configError(configCodeInvalidPublicURL, "public_url must be an absolute http(s) URL")
	}

	frontendURL := stringOrDefault("frontend_url", "http://localhost:4200")
	if !isAbsoluteURL(frontendURL) {
		return serviceConfig{}, configError(configCodeInvalidFrontendURL, "frontend_url must be an absolute http(s) URL")
	}

	return serviceConfig{
		Bridge: bridge.ServerConfig{
			PublicURL:        publicURL,
			FrontendURL:      frontendURL,
			SigningKey:       []byte(jwtSigningKey),
			Issuer:           stringOrDefault("jwt_issuer", "directus"),
			DefaultUserRole:  strings.TrimSpace(viper.GetString("default_user_role")),
			AccessTTL:        accessTTL,
			RefreshTTL:       refreshTTL,
			ProviderTimeout:  durationOrDefault("provider_timeout", 10*time.Second),
			DirectoryTimeout: durationOrDefault("directory_timeout", 5*time.Second),
			EnableState:      viper.GetBool("enable_state"),
			StateTTL:         durationOrDefault("state_ttl", 5*time.Minute),
		},
		GitHubClientID:     githubClientID,
		GitHubClientSecret: githubClientSecret,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(serviceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	directoryBackend := stringOrDefault("directory_backend", directoryBackendGORM)
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	userDirectory, closeDirectory, directoryErr := openDirectory(commandContext, logger, databaseURL, directoryBackend)
	if directoryErr != nil {
		return directoryErr
	}
	defer closeDirectory()

	githubProvider, providerErr := github.New(github.Config{
		ClientID:     serverConfig.GitHubClientID,
		ClientSecret: serverConfig.GitHubClientSecret,
		RedirectURL:  serverConfig.Bridge.CallbackURL(),
	})
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeProviderInit, providerErr)
	}

	metricsRecorder := bridge.NewCounterMetrics()
	coordinatorOptions := []bridge.CoordinatorOption{bridge.WithMetrics(metricsRecorder)}
	if serverConfig.Bridge.EnableState {
		coordinatorOptions = append(coordinatorOptions, bridge.WithStateStore(bridge.NewMemoryStateStore(serverConfig.Bridge.StateTTL, nil)))
		logger.Info("oauth state enforcement enabled", zap.Duration("state_ttl", serverConfig.Bridge.StateTTL))
	}
	coordinator, coordinatorErr := bridge.NewCoordinator(serverConfig.Bridge, userDirectory, logger, coordinatorOptions...)
	if coordinatorErr != nil {
		return coordinatorErr
	}

	sessionValidator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey:       serverConfig.Bridge.SigningKey,
		Issuer:           serverConfig.Bridge.Issuer,
		MaxTokenLifetime: serverConfig.Bridge.AccessTTL,
	})
	if validatorErr != nil {
		return validatorErr
	}

	router.GET("/healthz", web.HandleHealth)
	bridge.MountOAuthRoutes(router, provider.NewRegistry(githubProvider), coordinator, logger)

	protected := router.Group("/api")
	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		protected.Use(corsMiddleware)
	}
	protected.Use(sessionValidator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.GET("/me", web.HandleWhoAmI(logger, userDirectory))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("callback_url", serverConfig.Bridge.CallbackURL()),
		zap.String("frontend_url", serverConfig.Bridge.FrontendURL))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("callback counters", zap.Any("counts", metricsRecorder.Snapshot()))
	return nil
}

// openDirectory selects the user directory from database_url and directory_backend.
func openDirectory(ctx context.Context, logger *zap.Logger, databaseURL string, backend string) (directory.Directory, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	noop := func() {}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory user directory")
		return directory.NewMemoryDirectory(), noop, nil
	}
	switch strings.ToLower(backend) {
	case directoryBackendGORM:
		persistent, openErr := directory.NewDatabaseDirectory(ctx, databaseURL)
		if openErr != nil {
			return nil, noop, fmt.Errorf("%s: %w", configCodeDirectoryInit, openErr)
		}
		logger.Info("using persistent user directory", zap.String("driver", persistent.Driver()))
		return persistent, noop, nil
	case directoryBackendPGX:
		pool, poolErr := directorypg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, noop, fmt.Errorf("%s: %w", configCodeDirectoryInit, poolErr)
		}
		if schemaErr := directorypg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("%s: %w", configCodeDirectoryInit, schemaErr)
		}
		persistent := directorypg.NewPostgresDirectory(pool)
		logger.Info("using persistent user directory", zap.String("driver", persistent.Driver()))
		return persistent, pool.Close, nil
	default:
		return nil, noop, configError(configCodeInvalidDirectoryBackend, "directory_backend must be gorm or pgx")
	}
}

func stringOrDefault(key string, fallback string) string {
	if value := strings.TrimSpace(viper.GetString(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return fallback
	}
	return viper.GetDuration(key)
}

func isAbsoluteURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
