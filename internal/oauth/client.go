package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/oremis/atlas/internal/identity"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	// ErrMissingCode indicates the callback carried no authorization code.
	ErrMissingCode = errors.New("oauth.missing_code")
	// ErrMissingIDToken indicates the token response carried no id_token.
	ErrMissingIDToken = errors.New("oauth.missing_id_token")
	// ErrMissingAccessToken indicates the token response carried no access token.
	ErrMissingAccessToken = errors.New("oauth.missing_access_token")
)

// DefaultScopes are requested on every authorization.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// Result is the outcome of a completed provider exchange.
type Result struct {
	Claims      identity.OAuthClaims
	AccessToken string
}

// Provider runs the authorization-code flow against an external provider.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Result, error)
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	// Params are merged into every authorization URL (hd, prompt, ...).
	Params     map[string]string
	Verifier   TokenVerifier
	HTTPClient *http.Client
}

// Client implements Provider with golang.org/x/oauth2.
type Client struct {
	config     *oauth2.Config
	params     map[string]string
	verifier   TokenVerifier
	httpClient *http.Client
}

// NewClient validates configuration and constructs a Client.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, errors.New("oauth.config.client_id: client id is required")
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, errors.New("oauth.config.redirect_url: redirect url is required")
	}
	if configuration.Verifier == nil {
		return nil, errors.New("oauth.config.verifier: token verifier is required")
	}
	endpoint := configuration.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	params := make(map[string]string, len(configuration.Params))
	for key, value := range configuration.Params {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		params[trimmedKey] = value
	}
	return &Client{
		config: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       append([]string(nil), DefaultScopes...),
		},
		params:     params,
		verifier:   configuration.Verifier,
		httpClient: configuration.HTTPClient,
	}, nil
}

// NewGoogleClient builds a Client against Google's endpoints using the idtoken validator.
func NewGoogleClient(ctx context.Context, configuration Config) (*Client, error) {
	if configuration.Verifier == nil {
		verifier, err := NewGoogleVerifier(ctx, configuration.ClientID)
		if err != nil {
			return nil, err
		}
		configuration.Verifier = verifier
	}
	configuration.Endpoint = google.Endpoint
	return NewClient(configuration)
}

// NewOIDCClient discovers issuer and builds a Client verifying tokens with go-oidc.
func NewOIDCClient(ctx context.Context, issuer string, configuration Config) (*Client, error) {
	if configuration.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, configuration.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, strings.TrimSuffix(strings.TrimSpace(issuer), "/"))
	if err != nil {
		return nil, fmt.Errorf("oauth.oidc.discovery: %w", err)
	}
	configuration.Endpoint = provider.Endpoint()
	if configuration.Verifier == nil {
		configuration.Verifier = NewOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: configuration.ClientID}))
	}
	return NewClient(configuration)
}

// Params returns the configured extra authorization parameters.
func (client *Client) Params() map[string]string {
	copied := make(map[string]string, len(client.params))
	for key, value := range client.params {
		copied[key] = value
	}
	return copied
}

// AuthCodeURL builds the provider redirect carrying state and the configured parameters.
func (client *Client) AuthCodeURL(state string) string {
	keys := make([]string, 0, len(client.params))
	for key := range client.params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	options := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, key := range keys {
		options = append(options, oauth2.SetAuthURLParam(key, client.params[key]))
	}
	return client.config.AuthCodeURL(state, options...)
}

// Exchange trades an authorization code for verified claims and an access token.
func (client *Client) Exchange(ctx context.Context, code string) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{}, ErrMissingCode
	}
	if client.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	}
	token, err := client.config.Exchange(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("oauth.exchange: %w", err)
	}
	if token.AccessToken == "" {
		return Result{}, ErrMissingAccessToken
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return Result{}, ErrMissingIDToken
	}
	claims, err := client.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Result{}, fmt.Errorf("oauth.verify: %w", err)
	}
	return Result{Claims: claims, AccessToken: token.AccessToken}, nil
}
