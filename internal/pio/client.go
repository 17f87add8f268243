package pio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oremis/atlas/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const maxProfileBytes = 1 << 20

var (
	// ErrEmptyAccessToken indicates FetchProfile was called without a bearer token.
	ErrEmptyAccessToken = errors.New("pio.empty_access_token")
	// ErrMissingProfile indicates the response carried no "data" object.
	ErrMissingProfile = errors.New("pio.missing_profile")
)

// ExternalServiceError reports a non-success response from the identity service.
type ExternalServiceError struct {
	StatusCode int
}

func (serviceError *ExternalServiceError) Error() string {
	return fmt.Sprintf("pio.me: request failed with status %d", serviceError.StatusCode)
}

// Config configures the identity service client.
type Config struct {
	BaseURL    string
	MePath     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client fetches canonical profiles from the identity service.
type Client struct {
	profileURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client for the profile endpoint BaseURL + MePath.
func NewClient(configuration Config) (*Client, error) {
	baseURL := strings.TrimSpace(configuration.BaseURL)
	if baseURL == "" {
		return nil, errors.New("pio.config: base url is required")
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		timeout := configuration.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		profileURL: JoinURL(baseURL, configuration.MePath),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ProfileURL returns the resolved profile endpoint.
func (client *Client) ProfileURL() string {
	return client.profileURL
}

// JoinURL joins base and path with exactly one slash between them.
func JoinURL(base string, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

type profileEnvelope struct {
	Data *identity.ExternalProfile `json:"data"`
}

// FetchProfile issues a single GET to the profile endpoint with accessToken as bearer
// credential. Non-2xx responses yield *ExternalServiceError.
func (client *Client) FetchProfile(ctx context.Context, accessToken string) (identity.ExternalProfile, error) {
	if strings.TrimSpace(accessToken) == "" {
		return identity.ExternalProfile{}, ErrEmptyAccessToken
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.profileURL, nil)
	if requestErr != nil {
		return identity.ExternalProfile{}, fmt.Errorf("pio.me.request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")

	response, doErr := client.bearerClient(ctx, accessToken).Do(request)
	if doErr != nil {
		return identity.ExternalProfile{}, fmt.Errorf("pio.me.transport: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxProfileBytes))
		client.logger.Warn("identity service rejected profile request",
			zap.String("code", "pio.me.status"),
			zap.Int("status", response.StatusCode))
		return identity.ExternalProfile{}, &ExternalServiceError{StatusCode: response.StatusCode}
	}

	var envelope profileEnvelope
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxProfileBytes)).Decode(&envelope); decodeErr != nil {
		return identity.ExternalProfile{}, fmt.Errorf("pio.me.decode: %w", decodeErr)
	}
	if envelope.Data == nil {
		return identity.ExternalProfile{}, ErrMissingProfile
	}
	return *envelope.Data, nil
}

func (client *Client) bearerClient(ctx context.Context, accessToken string) *http.Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	baseContext := context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	bearer := oauth2.NewClient(baseContext, tokenSource)
	bearer.Timeout = client.httpClient.Timeout
	return bearer
}
