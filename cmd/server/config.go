package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingGoogleRedirect   = "config.missing_google_redirect_url"
	configCodeMissingSigningKey       = "config.missing_session_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidStatusCacheTTL   = "config.invalid_status_cache_ttl"
	configCodeMissingPIOURL           = "config.missing_pio_url"
	configCodeMissingGuard            = "config.missing_guard"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeProviderInit            = "config.oauth_provider_init"
	configCodeDotenv                  = "config.dotenv"
)

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	ListenAddr      string
	CookieDomain    string
	DevInsecureHTTP bool

	PIOURL     string
	PIOMePath  string
	PIOTimeout time.Duration

	Guard string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	OAuthIssuer        string
	OAuthParams        map[string]string

	RedirectAfterLogin   string
	RedirectAfterLogout  string
	RedirectOnError      string
	AllowedRedirectHosts []string

	StatusField     string
	SuspendedValues []string
	StatusCacheTTL  time.Duration
	StatusFailOpen  bool

	SessionSigningKey []byte
	SessionTTL        time.Duration

	DatabaseURL        string
	CredentialRequired bool
	RedisURL           string

	EnableCORS         bool
	CORSAllowedOrigins []string
	MetricsEnabled     bool
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates configuration from viper.
func LoadServerConfig() (ServerConfig, error) {
	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if googleClientID == "" {
		return ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleRedirectURL := strings.TrimSpace(viper.GetString("google_redirect_url"))
	if googleRedirectURL == "" {
		return ServerConfig{}, configError(configCodeMissingGoogleRedirect, "google_redirect_url must be provided")
	}
	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" {
		return ServerConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided")
	}
	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	statusCacheSeconds := viper.GetInt("status_cache_ttl")
	if statusCacheSeconds <= 0 {
		return ServerConfig{}, configError(configCodeInvalidStatusCacheTTL, "status_cache_ttl must be a positive number of seconds")
	}
	pioURL := strings.TrimSpace(viper.GetString("pio_url"))
	if pioURL == "" {
		return ServerConfig{}, configError(configCodeMissingPIOURL, "pio_url must be provided")
	}
	guard := strings.TrimSpace(viper.GetString("guard"))
	if guard == "" {
		return ServerConfig{}, configError(configCodeMissingGuard, "guard must be provided")
	}
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	return ServerConfig{
		ListenAddr:           viper.GetString("listen_addr"),
		CookieDomain:         viper.GetString("cookie_domain"),
		DevInsecureHTTP:      viper.GetBool("dev_insecure_http"),
		PIOURL:               pioURL,
		PIOMePath:            viper.GetString("pio_me_path"),
		PIOTimeout:           viper.GetDuration("pio_timeout"),
		Guard:                guard,
		GoogleClientID:       googleClientID,
		GoogleClientSecret:   viper.GetString("google_client_secret"),
		GoogleRedirectURL:    googleRedirectURL,
		OAuthIssuer:          strings.TrimSpace(viper.GetString("oauth_issuer")),
		OAuthParams:          viper.GetStringMapString("oauth_params"),
		RedirectAfterLogin:   viper.GetString("redirect_after_login"),
		RedirectAfterLogout:  viper.GetString("redirect_after_logout"),
		RedirectOnError:      viper.GetString("redirect_on_error"),
		AllowedRedirectHosts: viper.GetStringSlice("allowed_redirect_hosts"),
		StatusField:          viper.GetString("status_field"),
		SuspendedValues:      viper.GetStringSlice("suspended_values"),
		StatusCacheTTL:       time.Duration(statusCacheSeconds) * time.Second,
		StatusFailOpen:       viper.GetBool("status_fail_open"),
		SessionSigningKey:    []byte(signingKey),
		SessionTTL:           sessionTTL,
		DatabaseURL:          strings.TrimSpace(viper.GetString("database_url")),
		CredentialRequired:   viper.GetBool("credential_required"),
		RedisURL:             strings.TrimSpace(viper.GetString("redis_url")),
		EnableCORS:           enableCORS,
		CORSAllowedOrigins:   corsAllowedOrigins,
		MetricsEnabled:       viper.GetBool("metrics_enabled"),
	}, nil
}
