package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/oremis/atlas/internal/atlas"
	"github.com/oremis/atlas/internal/identity"
	"github.com/oremis/atlas/internal/oauth"
	"github.com/oremis/atlas/internal/pio"
	"github.com/oremis/atlas/internal/session"
	"github.com/oremis/atlas/internal/statusgate"
	"github.com/oremis/atlas/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildOAuthProvider = func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error) {
	oauthConfig := oauth.Config{
		ClientID:     configuration.GoogleClientID,
		ClientSecret: configuration.GoogleClientSecret,
		RedirectURL:  configuration.GoogleRedirectURL,
		Params:       configuration.OAuthParams,
	}
	if configuration.OAuthIssuer == "" {
		client, err := oauth.NewGoogleClient(ctx, oauthConfig)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	client, err := oauth.NewOIDCClient(ctx, configuration.OAuthIssuer, oauthConfig)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "atlas",
		Short:   "Single sign-on bridge: Google OAuth login, PIO profile sync, status-gated sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("env_file", ".env", "Optional dotenv file loaded before configuration")
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP cookies for local dev")
	flags.String("pio_url", "https://pio.oremis.fr", "Identity service base URL")
	flags.String("pio_me_path", "/api/me", "Identity service profile path")
	flags.Duration("pio_timeout", 10*time.Second, "Identity service request timeout")
	flags.String("guard", "web", "Session realm")
	flags.String("google_client_id", "", "OAuth client ID")
	flags.String("google_client_secret", "", "OAuth client secret")
	flags.String("google_redirect_url", "", "OAuth callback URL")
	flags.String("oauth_issuer", "", "OIDC issuer; empty for Google")
	flags.StringToString("oauth_params", map[string]string{"hd": "oremis.fr", "prompt": "select_account"}, "Extra authorization parameters")
	flags.String("redirect_after_login", "/", "Default destination after login")
	flags.String("redirect_after_logout", "/", "Default destination after logout")
	flags.String("redirect_on_error", "/", "Destination for rejected logins")
	flags.StringSlice("allowed_redirect_hosts", []string{"*.oremis.fr"}, "Hosts allowed as redirect_to targets (*, *.domain, .domain, exact)")
	flags.String("status_field", statusgate.DefaultStatusField, "Identity attribute holding the account status")
	flags.StringSlice("suspended_values", statusgate.DefaultBlockedStatuses, "Statuses that revoke a session")
	flags.Int("status_cache_ttl", int(statusgate.DefaultTTL/time.Second), "Status cache TTL in seconds")
	flags.Bool("status_fail_open", false, "Allow requests when the status cannot be read")
	flags.String("session_signing_key", "", "HS256 signing secret for session cookies")
	flags.Duration("session_ttl", 12*time.Hour, "Session lifetime")
	flags.String("database_url", "", "Identity database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	flags.Bool("credential_required", false, "Set an unusable password hash on new identities")
	flags.String("redis_url", "", "Redis URL for status cache, sessions, and OAuth state; leave empty for in-memory stores")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (sets SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	flags.Bool("metrics_enabled", false, "Expose Prometheus metrics on /metrics")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("ATLAS")
	viper.AutomaticEnv()

	return rootCmd
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if envFile := viper.GetString("env_file"); envFile != "" {
		if loadErr := godotenv.Load(envFile); loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
			return configError(configCodeDotenv, loadErr.Error())
		}
	}
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
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	router, cleanup, buildErr := buildRouter(commandContext, logger, serverConfig)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
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
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr), zap.String("guard", serverConfig.Guard))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

type identityBackend interface {
	identity.RecordStore
	identity.StatusReader
}

// buildRouter wires every component. The returned cleanup releases stores and clients.
func buildRouter(ctx context.Context, logger *zap.Logger, serverConfig ServerConfig) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var closers []func()
	cleanup := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}
	fail := func(err error) (*gin.Engine, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	var identities identityBackend
	if serverConfig.DatabaseURL != "" {
		databaseStore, storeErr := identity.NewDatabaseStore(ctx, serverConfig.DatabaseURL)
		if storeErr != nil {
			return fail(storeErr)
		}
		closers = append(closers, func() { _ = databaseStore.Close() })
		identities = databaseStore
		logger.Info("using persistent identity store", zap.String("driver", databaseStore.Driver()))
	} else {
		identities = identity.NewMemoryStore()
		logger.Info("using in-memory identity store")
	}

	var statusCache statusgate.Cache
	var sessionStore session.Store
	var stateStore oauth.StateStore
	if serverConfig.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(serverConfig.RedisURL)
		if parseErr != nil {
			return fail(fmt.Errorf("config.invalid_redis_url: %w", parseErr))
		}
		redisClient := redis.NewClient(redisOptions)
		closers = append(closers, func() { _ = redisClient.Close() })
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			return fail(fmt.Errorf("redis.ping: %w", pingErr))
		}
		statusCache = statusgate.NewRedisCache(redisClient)
		sessionStore = session.NewRedisStore(redisClient)
		stateStore = oauth.NewRedisStateStore(redisClient, oauth.DefaultStateTTL)
		logger.Info("using redis cache, session, and state stores", zap.String("addr", redisOptions.Addr))
	} else {
		statusCache = statusgate.NewMemoryCache()
		sessionStore = session.NewMemoryStore()
		stateStore = oauth.NewMemoryStateStore(oauth.DefaultStateTTL)
		logger.Info("using in-memory cache, session, and state stores")
	}

	sameSite := http.SameSiteLaxMode
	if serverConfig.EnableCORS {
		sameSite = http.SameSiteNoneMode
	}
	sessions, sessionErr := session.NewManager(sessionStore, session.Config{
		Guard:             serverConfig.Guard,
		SigningKey:        serverConfig.SessionSigningKey,
		CookieDomain:      serverConfig.CookieDomain,
		TTL:               serverConfig.SessionTTL,
		SameSiteMode:      sameSite,
		AllowInsecureHTTP: serverConfig.DevInsecureHTTP,
		Logger:            logger,
	})
	if sessionErr != nil {
		return fail(sessionErr)
	}

	profiles, pioErr := pio.NewClient(pio.Config{
		BaseURL: serverConfig.PIOURL,
		MePath:  serverConfig.PIOMePath,
		Timeout: serverConfig.PIOTimeout,
		Logger:  logger,
	})
	if pioErr != nil {
		return fail(pioErr)
	}

	provider, providerErr := buildOAuthProvider(ctx, serverConfig)
	if providerErr != nil {
		return fail(fmt.Errorf("%s: %w", configCodeProviderInit, providerErr))
	}

	gate := statusgate.NewGate(statusCache, identities, statusgate.Config{
		Guard:           serverConfig.Guard,
		StatusField:     serverConfig.StatusField,
		BlockedStatuses: serverConfig.SuspendedValues,
		TTL:             serverConfig.StatusCacheTTL,
		FailOpen:        serverConfig.StatusFailOpen,
		LogoutRedirect:  serverConfig.RedirectAfterLogout,
		Logger:          logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return fail(corsErr)
		}
		router.Use(corsMiddleware)
	}

	var metricsRecorder atlas.MetricsRecorder = atlas.NewCounterMetrics()
	if serverConfig.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prometheusRecorder, metricsErr := atlas.NewPrometheusMetrics(registry)
		if metricsErr != nil {
			return fail(metricsErr)
		}
		metricsRecorder = prometheusRecorder
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	router.Use(gate.Middleware(sessions))

	synchronizer := identity.NewSynchronizer(identities, identity.SynchronizerConfig{
		CredentialRequired: serverConfig.CredentialRequired,
		Logger:             logger,
	})
	orchestrator, orchestratorErr := atlas.NewOrchestrator(provider, stateStore, profiles, synchronizer, sessions, gate, atlas.Config{
		RedirectAfterLogin:   serverConfig.RedirectAfterLogin,
		RedirectAfterLogout:  serverConfig.RedirectAfterLogout,
		RedirectOnError:      serverConfig.RedirectOnError,
		AllowedRedirectHosts: serverConfig.AllowedRedirectHosts,
		Logger:               logger,
		Metrics:              metricsRecorder,
	})
	if orchestratorErr != nil {
		return fail(orchestratorErr)
	}
	orchestrator.MountRoutes(router)

	protected := router.Group("/api")
	protected.Use(sessions.RequireAuthenticated("/login"))
	protected.GET("/me", web.HandleWhoAmI(logger, identities, sessions))

	return router, cleanup, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
