package atlas

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremis/atlas/internal/identity"
	"github.com/oremis/atlas/internal/oauth"
	"github.com/oremis/atlas/internal/pio"
	"github.com/oremis/atlas/internal/redirect"
	"github.com/oremis/atlas/internal/session"
	"go.uber.org/zap"
)

const (
	// ActiveStatus is the only status allowed to open a session.
	ActiveStatus = "active"
	// IntendedRedirectCookieName carries the validated redirect_to across the provider round-trip.
	IntendedRedirectCookieName = "atlas_intended"
	// IntendedRedirectLifetime bounds the provider round-trip.
	IntendedRedirectLifetime = 15 * time.Minute
	// StateCookieName binds an issued OAuth state to the browser that started the login.
	StateCookieName = "atlas_oauth_state"
	// ErrorFlashKey names the flash cookie carrying a rejected-login message.
	ErrorFlashKey = "error"
	// BlockedFlashKey names the flash indicator for blocked accounts.
	BlockedFlashKey = "blocked"

	BlockedAccountMessage = "Your account is inactive or suspended."
	LoginFailedMessage    = "Authentication failed. Please try again."
)

var (
	// ErrAccountBlocked rejects a callback whose synced identity is not active.
	ErrAccountBlocked = errors.New("atlas.account_blocked")
	// ErrProviderDenied rejects a callback carrying a provider error.
	ErrProviderDenied = errors.New("atlas.provider_denied")
	// ErrStateMismatch rejects a callback whose state was not issued to this browser.
	ErrStateMismatch = errors.New("atlas.state_mismatch")
)

// ProfileResolver fetches the authoritative profile for an access token.
type ProfileResolver interface {
	FetchProfile(ctx context.Context, accessToken string) (identity.ExternalProfile, error)
}

// IdentitySynchronizer reconciles a profile with the local identity store.
type IdentitySynchronizer interface {
	Sync(ctx context.Context, profile identity.ExternalProfile, claims identity.OAuthClaims) (identity.LocalIdentity, error)
}

// StatusEvictor drops cached statuses.
type StatusEvictor interface {
	Evict(ctx context.Context, userID string)
}

// Config configures an Orchestrator.
type Config struct {
	RedirectAfterLogin   string
	RedirectAfterLogout  string
	RedirectOnError      string
	AllowedRedirectHosts []string
	Logger               *zap.Logger
	Metrics              MetricsRecorder
}

// Orchestrator drives login, callback, and logout.
type Orchestrator struct {
	provider     oauth.Provider
	states       oauth.StateStore
	profiles     ProfileResolver
	synchronizer IdentitySynchronizer
	sessions     *session.Manager
	statuses     StatusEvictor
	validator    redirect.Validator
	afterLogin   string
	afterLogout  string
	onError      string
	logger       *zap.Logger
	metrics      MetricsRecorder
}

// NewOrchestrator wires the collaborators of the login flow. statuses may be nil.
func NewOrchestrator(provider oauth.Provider, states oauth.StateStore, profiles ProfileResolver, synchronizer IdentitySynchronizer, sessions *session.Manager, statuses StatusEvictor, configuration Config) (*Orchestrator, error) {
	if provider == nil || states == nil || profiles == nil || synchronizer == nil || sessions == nil {
		return nil, errors.New("atlas.config: provider, state store, profile resolver, synchronizer, and session manager are required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Orchestrator{
		provider:     provider,
		states:       states,
		profiles:     profiles,
		synchronizer: synchronizer,
		sessions:     sessions,
		statuses:     statuses,
		validator:    redirect.NewValidator(configuration.AllowedRedirectHosts),
		afterLogin:   defaultDestination(configuration.RedirectAfterLogin),
		afterLogout:  defaultDestination(configuration.RedirectAfterLogout),
		onError:      defaultDestination(configuration.RedirectOnError),
		logger:       logger,
		metrics:      metrics,
	}, nil
}

func defaultDestination(value string) string {
	if strings.TrimSpace(value) == "" {
		return "/"
	}
	return value
}

// HandleLogin sends anonymous visitors to the provider.
func (orchestrator *Orchestrator) HandleLogin(contextGin *gin.Context) {
	if _, authenticated := orchestrator.sessions.Current(contextGin); authenticated {
		orchestrator.metrics.Increment(EventLoginAlreadyAuthed)
		contextGin.Redirect(http.StatusFound, orchestrator.sessionDestination(contextGin))
		return
	}

	if requested := contextGin.Query("redirect_to"); requested != "" {
		if orchestrator.validator.Allowed(requested) {
			orchestrator.sessions.PutCookie(contextGin, IntendedRedirectCookieName, requested, IntendedRedirectLifetime)
		} else {
			orchestrator.metrics.Increment(EventLoginRedirectRejected)
			orchestrator.logger.Debug("redirect_to dropped",
				zap.String("code", "atlas.login.redirect_rejected"),
				zap.String("redirect_to", requested))
		}
	}

	state, issueErr := orchestrator.states.Issue(contextGin.Request.Context())
	if issueErr != nil {
		orchestrator.logger.Error("oauth state issue failed",
			zap.String("code", "atlas.login.state_issue_failed"),
			zap.Error(issueErr))
		orchestrator.reject(contextGin, LoginFailedMessage)
		return
	}
	orchestrator.sessions.PutCookie(contextGin, StateCookieName, state, oauth.DefaultStateTTL)
	orchestrator.metrics.Increment(EventLoginRedirect)
	orchestrator.logger.Debug("login attempt started",
		zap.String("code", "atlas.login.redirect"),
		zap.String("state", PendingExternalAuth.String()))
	contextGin.Redirect(http.StatusFound, orchestrator.provider.AuthCodeURL(state))
}

// HandleCallback completes the provider exchange and opens a session for active identities.
func (orchestrator *Orchestrator) HandleCallback(contextGin *gin.Context) {
	intended, hasIntended := orchestrator.sessions.TakeCookie(contextGin, IntendedRedirectCookieName)
	browserState, _ := orchestrator.sessions.TakeCookie(contextGin, StateCookieName)

	localIdentity, state, callbackErr := orchestrator.completeCallback(contextGin, browserState)
	if state != Authenticated {
		if errors.Is(callbackErr, ErrAccountBlocked) {
			if _, authenticated := orchestrator.sessions.Current(contextGin); authenticated {
				if logoutErr := orchestrator.sessions.Logout(contextGin); logoutErr != nil {
					orchestrator.logger.Warn("existing session not destroyed",
						zap.String("code", "atlas.callback.logout_failed"),
						zap.Error(logoutErr))
				}
			}
			orchestrator.sessions.Flash(contextGin, BlockedFlashKey, "1")
			orchestrator.reject(contextGin, BlockedAccountMessage)
			return
		}
		orchestrator.logger.Warn("login attempt rejected",
			zap.String("code", "atlas.callback.rejected"),
			zap.String("state", state.String()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Error(callbackErr))
		orchestrator.reject(contextGin, LoginFailedMessage)
		return
	}

	orchestrator.metrics.Increment(EventCallbackSuccess)
	orchestrator.logger.Info("login succeeded",
		zap.String("code", "atlas.callback.authenticated"),
		zap.String("user_id", localIdentity.ID),
		zap.String("guard", orchestrator.sessions.Guard()))

	if hasIntended {
		if orchestrator.validator.Allowed(intended) {
			orchestrator.sessions.PullIntended(contextGin)
			contextGin.Redirect(http.StatusFound, intended)
			return
		}
		orchestrator.metrics.Increment(EventCallbackIntendedDenied)
	}
	contextGin.Redirect(http.StatusFound, orchestrator.sessionDestination(contextGin))
}

func (orchestrator *Orchestrator) completeCallback(contextGin *gin.Context, browserState string) (identity.LocalIdentity, LoginState, error) {
	ctx := contextGin.Request.Context()

	if providerError := contextGin.Query("error"); providerError != "" {
		orchestrator.metrics.Increment(EventCallbackExchange)
		return identity.LocalIdentity{}, Rejected, fmt.Errorf("%w: %s", ErrProviderDenied, providerError)
	}
	returnedState := contextGin.Query("state")
	if browserState == "" || subtle.ConstantTimeCompare([]byte(browserState), []byte(returnedState)) != 1 {
		orchestrator.metrics.Increment(EventCallbackState)
		return identity.LocalIdentity{}, Rejected, ErrStateMismatch
	}
	if consumeErr := orchestrator.states.Consume(ctx, returnedState); consumeErr != nil {
		orchestrator.metrics.Increment(EventCallbackState)
		return identity.LocalIdentity{}, Rejected, consumeErr
	}
	result, exchangeErr := orchestrator.provider.Exchange(ctx, contextGin.Query("code"))
	if exchangeErr != nil {
		orchestrator.metrics.Increment(EventCallbackExchange)
		return identity.LocalIdentity{}, Rejected, exchangeErr
	}
	orchestrator.logger.Debug("provider exchange completed",
		zap.String("code", "atlas.callback.exchanged"),
		zap.String("state", PendingProfileSync.String()))

	profile, fetchErr := orchestrator.profiles.FetchProfile(ctx, result.AccessToken)
	if fetchErr != nil {
		orchestrator.metrics.Increment(EventCallbackProfile)
		var serviceErr *pio.ExternalServiceError
		if errors.As(fetchErr, &serviceErr) {
			orchestrator.logger.Warn("identity service refused profile",
				zap.String("code", "atlas.callback.profile_status"),
				zap.Int("status", serviceErr.StatusCode))
		}
		return identity.LocalIdentity{}, Rejected, fetchErr
	}

	localIdentity, syncErr := orchestrator.synchronizer.Sync(ctx, profile, result.Claims)
	if syncErr != nil {
		orchestrator.metrics.Increment(EventCallbackSync)
		return identity.LocalIdentity{}, Rejected, syncErr
	}

	if localIdentity.Status != ActiveStatus {
		orchestrator.metrics.Increment(EventCallbackBlocked)
		orchestrator.logger.Warn("blocked account attempted login",
			zap.String("code", "atlas.callback.blocked"),
			zap.String("cib", localIdentity.CIB),
			zap.String("email", localIdentity.Email),
			zap.String("status", localIdentity.Status),
			zap.String("ip", contextGin.ClientIP()))
		return localIdentity, Rejected, ErrAccountBlocked
	}

	if _, loginErr := orchestrator.sessions.Login(contextGin, localIdentity.ID); loginErr != nil {
		orchestrator.metrics.Increment(EventCallbackSession)
		return localIdentity, Rejected, loginErr
	}
	return localIdentity, Authenticated, nil
}

// HandleLogout destroys the session after verifying the anti-forgery token.
func (orchestrator *Orchestrator) HandleLogout(contextGin *gin.Context) {
	if !orchestrator.sessions.VerifyCSRF(contextGin) {
		orchestrator.metrics.Increment(EventLogoutForgery)
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_mismatch"})
		return
	}
	principal, authenticated := orchestrator.sessions.Current(contextGin)
	if logoutErr := orchestrator.sessions.Logout(contextGin); logoutErr != nil {
		orchestrator.logger.Warn("logout incomplete",
			zap.String("code", "atlas.logout.failed"),
			zap.Error(logoutErr))
	}
	if authenticated && orchestrator.statuses != nil {
		orchestrator.statuses.Evict(contextGin.Request.Context(), principal.UserID)
	}
	orchestrator.metrics.Increment(EventLogout)
	contextGin.Redirect(http.StatusFound, orchestrator.afterLogout)
}

// sessionDestination honors the session layer's intended destination.
func (orchestrator *Orchestrator) sessionDestination(contextGin *gin.Context) string {
	if intended, ok := orchestrator.sessions.PullIntended(contextGin); ok && orchestrator.validator.Allowed(intended) {
		return intended
	}
	return orchestrator.afterLogin
}

func (orchestrator *Orchestrator) reject(contextGin *gin.Context, message string) {
	orchestrator.sessions.Flash(contextGin, ErrorFlashKey, message)
	contextGin.Redirect(http.StatusFound, orchestrator.onError)
}
