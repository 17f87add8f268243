package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/oremis/atlas/internal/oauth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct{}

func (stubProvider) AuthCodeURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (stubProvider) Exchange(ctx context.Context, code string) (oauth.Result, error) {
	return oauth.Result{}, errors.New("not used")
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withProviderBuilderStub(stub func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error)) func() {
	previous := buildOAuthProvider
	buildOAuthProvider = stub
	return func() {
		buildOAuthProvider = previous
	}
}

func setRequiredConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("google_client_id", "client")
	viper.Set("google_redirect_url", "https://sso.oremis.fr/callback")
	viper.Set("session_signing_key", "signing-secret")
	viper.Set("session_ttl", time.Hour)
	viper.Set("status_cache_ttl", 120)
	viper.Set("pio_url", "https://pio.oremis.fr")
	viper.Set("guard", "web")
	viper.Set("allowed_redirect_hosts", []string{"*.oremis.fr"})
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name     string
		override func()
		expected string
	}{
		{
			name:     "missing client id",
			override: func() { viper.Set("google_client_id", "") },
			expected: "config.missing_google_client_id: google_client_id must be provided",
		},
		{
			name:     "missing redirect url",
			override: func() { viper.Set("google_redirect_url", " ") },
			expected: "config.missing_google_redirect_url: google_redirect_url must be provided",
		},
		{
			name:     "missing signing key",
			override: func() { viper.Set("session_signing_key", "") },
			expected: "config.missing_session_signing_key: session_signing_key must be provided",
		},
		{
			name:     "non-positive session ttl",
			override: func() { viper.Set("session_ttl", 0) },
			expected: "config.invalid_session_ttl: session_ttl must be greater than zero",
		},
		{
			name:     "non-positive status cache ttl",
			override: func() { viper.Set("status_cache_ttl", 0) },
			expected: "config.invalid_status_cache_ttl: status_cache_ttl must be a positive number of seconds",
		},
		{
			name:     "missing pio url",
			override: func() { viper.Set("pio_url", "") },
			expected: "config.missing_pio_url: pio_url must be provided",
		},
		{
			name:     "missing guard",
			override: func() { viper.Set("guard", "") },
			expected: "config.missing_guard: guard must be provided",
		},
		{
			name:     "cors without origins",
			override: func() { viper.Set("enable_cors", true) },
			expected: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setRequiredConfig()
			testCase.override()

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadServerConfigConvertsStatusTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("status_cache_ttl", 45)
	viper.Set("oauth_params", map[string]string{"hd": "oremis.fr"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.StatusCacheTTL != 45*time.Second {
		t.Fatalf("expected 45s status ttl, got %v", config.StatusCacheTTL)
	}
	if config.OAuthParams["hd"] != "oremis.fr" {
		t.Fatalf("expected oauth params, got %v", config.OAuthParams)
	}
}

func TestBuildRouterWiresFlowWithPersistentBackends(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	restoreProvider := withProviderBuilderStub(func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error) {
		return stubProvider{}, nil
	})
	defer restoreProvider()

	redisServer := miniredis.RunT(t)
	setRequiredConfig()
	viper.Set("database_url", "sqlite:file:atlas_cmd_test?mode=memory&cache=shared")
	viper.Set("redis_url", "redis://"+redisServer.Addr()+"/0")
	viper.Set("metrics_enabled", true)
	viper.Set("dev_insecure_http", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	router, cleanup, err := buildRouter(context.Background(), zaptest.NewLogger(t), config)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	defer cleanup()

	login := httptest.NewRecorder()
	router.ServeHTTP(login, httptest.NewRequest(http.MethodGet, "/login?redirect_to=/reports", nil))
	if login.Code != http.StatusFound {
		t.Fatalf("expected provider redirect, got %d", login.Code)
	}
	location, _ := url.Parse(login.Header().Get("Location"))
	state := location.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in %s", location)
	}
	if !redisServer.Exists("oauth_state:" + state) {
		t.Fatalf("expected state to be stored in redis")
	}

	me := httptest.NewRecorder()
	router.ServeHTTP(me, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if me.Code != http.StatusFound || me.Header().Get("Location") != "/login" {
		t.Fatalf("expected anonymous /api/me to redirect to login, got %d %q", me.Code, me.Header().Get("Location"))
	}

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "atlas_auth_events_total") {
		t.Fatalf("expected metrics exposition, got %d", metrics.Code)
	}
}

func TestBuildRouterRejectsUnreachableRedis(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	restoreProvider := withProviderBuilderStub(func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error) {
		return stubProvider{}, nil
	})
	defer restoreProvider()

	redisServer := miniredis.RunT(t)
	address := redisServer.Addr()
	redisServer.Close()
	setRequiredConfig()
	viper.Set("redis_url", "redis://"+address+"/0")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, _, err := buildRouter(context.Background(), zaptest.NewLogger(t), config); err == nil || !strings.HasPrefix(err.Error(), "redis.ping") {
		t.Fatalf("expected redis ping failure, got %v", err)
	}
}

func TestRunServerProviderInitFailure(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreProvider := withProviderBuilderStub(func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error) {
		return nil, errors.New("provider_fail")
	})
	defer restoreProvider()

	setRequiredConfig()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "config.oauth_provider_init: provider_fail" {
		t.Fatalf("expected provider init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreProvider := withProviderBuilderStub(func(ctx context.Context, configuration ServerConfig) (oauth.Provider, error) {
		return stubProvider{}, nil
	})
	defer restoreProvider()

	setRequiredConfig()
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.oremis.fr"})
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestPrepareServerConfigLoadsDotenv(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	envPath := filepath.Join(t.TempDir(), ".env")
	contents := strings.Join([]string{
		"ATLAS_GOOGLE_CLIENT_ID=dotenv-client",
		"ATLAS_GOOGLE_REDIRECT_URL=https://sso.oremis.fr/callback",
		"ATLAS_SESSION_SIGNING_KEY=dotenv-secret",
	}, "\n")
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, key := range []string{"ATLAS_GOOGLE_CLIENT_ID", "ATLAS_GOOGLE_REDIRECT_URL", "ATLAS_SESSION_SIGNING_KEY"} {
		key := key
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}

	command := newRootCommand()
	if err := command.Flags().Set("env_file", envPath); err != nil {
		t.Fatalf("set env_file: %v", err)
	}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare config: %v", err)
	}
	config, ok := command.Context().Value(serverConfigContextKey).(ServerConfig)
	if !ok {
		t.Fatalf("expected server config on command context")
	}
	if config.GoogleClientID != "dotenv-client" || config.Guard != "web" || config.PIOURL != "https://pio.oremis.fr" {
		t.Fatalf("unexpected config %+v", config)
	}
	if config.StatusCacheTTL != 120*time.Second || config.OAuthParams["prompt"] != "select_account" {
		t.Fatalf("expected flag defaults, got %+v", config)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}
