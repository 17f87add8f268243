package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DefaultCookieName names the session cookie when Config.CookieName is empty.
	DefaultCookieName = "atlas_session"
	// CSRFCookieName holds the double-submit anti-forgery token.
	CSRFCookieName = "atlas_csrf"
	// CSRFHeaderName is checked before the CSRFFormField.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFFormField carries the anti-forgery token in form posts.
	CSRFFormField = "_token"
	// IntendedCookieName remembers where an anonymous visitor was heading.
	IntendedCookieName = "atlas_session_intended"
	// FlashCookiePrefix prefixes one-shot UI messages.
	FlashCookiePrefix = "atlas_flash_"

	principalContextKey = "atlas_principal"
	randomTokenBytes    = 32
	intendedMaxAge      = 30 * time.Minute
	flashMaxAge         = time.Minute
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures a Manager.
type Config struct {
	Guard             string
	SigningKey        []byte
	Issuer            string
	CookieName        string
	CookieDomain      string
	TTL               time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	Clock             Clock
	Logger            *zap.Logger
}

// Principal identifies the authenticated user of a request.
type Principal struct {
	SessionID string
	UserID    string
	Guard     string
}

// Manager issues, resolves, and destroys sessions for a single guard.
type Manager struct {
	store        Store
	guard        string
	signingKey   []byte
	issuer       string
	cookieName   string
	cookieDomain string
	ttl          time.Duration
	sameSite     http.SameSite
	secure       bool
	clock        Clock
	logger       *zap.Logger
}

// NewManager validates configuration and constructs a Manager.
func NewManager(store Store, configuration Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session.config: store is required")
	}
	if len(configuration.SigningKey) == 0 {
		return nil, errors.New("session.config: signing key is required")
	}
	guard := strings.TrimSpace(configuration.Guard)
	if guard == "" {
		return nil, errors.New("session.config: guard is required")
	}
	if configuration.TTL <= 0 {
		return nil, errors.New("session.config: ttl must be greater than zero")
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	issuer := configuration.Issuer
	if issuer == "" {
		issuer = "atlas"
	}
	sameSite := configuration.SameSiteMode
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        store,
		guard:        guard,
		signingKey:   configuration.SigningKey,
		issuer:       issuer,
		cookieName:   cookieName,
		cookieDomain: configuration.CookieDomain,
		ttl:          configuration.TTL,
		sameSite:     sameSite,
		secure:       !configuration.AllowInsecureHTTP,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Guard returns the realm this manager authenticates.
func (manager *Manager) Guard() string {
	return manager.guard
}

// CookieName returns the session cookie name.
func (manager *Manager) CookieName() string {
	return manager.cookieName
}

// Login starts a fresh session for userID, replacing any session carried by the request.
func (manager *Manager) Login(contextGin *gin.Context, userID string) (Principal, error) {
	if userID == "" {
		return Principal{}, errors.New("session.login: user id is required")
	}
	if previous, ok := manager.tokenClaims(contextGin); ok {
		if deleteErr := manager.store.Delete(contextGin.Request.Context(), previous.SessionID); deleteErr != nil {
			manager.logger.Warn("failed to drop previous session",
				zap.String("code", "session.login.drop_previous"),
				zap.Error(deleteErr))
		}
	}

	sessionID, randomErr := randomToken()
	if randomErr != nil {
		return Principal{}, fmt.Errorf("session.login.random: %w", randomErr)
	}
	issuedAt := manager.clock.Now().UTC()
	record := Record{
		ID:        sessionID,
		UserID:    userID,
		Guard:     manager.guard,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(manager.ttl),
	}
	if saveErr := manager.store.Save(contextGin.Request.Context(), record); saveErr != nil {
		return Principal{}, fmt.Errorf("session.login.save: %w", saveErr)
	}
	token, mintErr := mintToken(record, manager.issuer, manager.signingKey)
	if mintErr != nil {
		return Principal{}, fmt.Errorf("session.login.mint: %w", mintErr)
	}

	manager.setCookie(contextGin, manager.cookieName, token, record.ExpiresAt, true)
	if _, csrfErr := manager.RotateCSRFToken(contextGin); csrfErr != nil {
		return Principal{}, csrfErr
	}

	principal := Principal{SessionID: record.ID, UserID: userID, Guard: manager.guard}
	contextGin.Set(principalContextKey, principal)
	return principal, nil
}

// Current resolves the authenticated principal of the request, if any.
func (manager *Manager) Current(contextGin *gin.Context) (Principal, bool) {
	if cached, found := contextGin.Get(principalContextKey); found {
		principal, ok := cached.(Principal)
		return principal, ok
	}
	claims, ok := manager.tokenClaims(contextGin)
	if !ok {
		return Principal{}, false
	}
	record, getErr := manager.store.Get(contextGin.Request.Context(), claims.SessionID)
	if getErr != nil {
		if !errors.Is(getErr, ErrSessionNotFound) && !errors.Is(getErr, ErrSessionExpired) {
			manager.logger.Error("session lookup failed",
				zap.String("code", "session.current.store_error"),
				zap.Error(getErr))
		}
		return Principal{}, false
	}
	if record.UserID != claims.UserID || record.Guard != manager.guard {
		return Principal{}, false
	}
	principal := Principal{SessionID: record.ID, UserID: record.UserID, Guard: record.Guard}
	contextGin.Set(principalContextKey, principal)
	return principal, true
}

// Logout destroys the session, clears its cookie, and rotates the anti-forgery token.
func (manager *Manager) Logout(contextGin *gin.Context) error {
	var deleteErr error
	if claims, ok := manager.tokenClaims(contextGin); ok {
		deleteErr = manager.store.Delete(contextGin.Request.Context(), claims.SessionID)
	}
	contextGin.Set(principalContextKey, nil)
	manager.clearCookie(contextGin, manager.cookieName)
	if _, csrfErr := manager.RotateCSRFToken(contextGin); csrfErr != nil {
		return errors.Join(deleteErr, csrfErr)
	}
	if deleteErr != nil {
		return fmt.Errorf("session.logout.delete: %w", deleteErr)
	}
	return nil
}

// RotateCSRFToken issues a new anti-forgery token cookie.
func (manager *Manager) RotateCSRFToken(contextGin *gin.Context) (string, error) {
	token, randomErr := randomToken()
	if randomErr != nil {
		return "", fmt.Errorf("session.csrf.random: %w", randomErr)
	}
	manager.setCookie(contextGin, CSRFCookieName, token, manager.clock.Now().Add(manager.ttl), false)
	return token, nil
}

// CSRFToken returns the request's anti-forgery token, issuing one when absent.
func (manager *Manager) CSRFToken(contextGin *gin.Context) (string, error) {
	if existing, err := contextGin.Cookie(CSRFCookieName); err == nil && existing != "" {
		return existing, nil
	}
	return manager.RotateCSRFToken(contextGin)
}

// VerifyCSRF compares the submitted token with the anti-forgery cookie.
func (manager *Manager) VerifyCSRF(contextGin *gin.Context) bool {
	expected, cookieErr := contextGin.Cookie(CSRFCookieName)
	if cookieErr != nil || expected == "" {
		return false
	}
	submitted := contextGin.GetHeader(CSRFHeaderName)
	if submitted == "" {
		submitted = contextGin.PostForm(CSRFFormField)
	}
	if submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1
}

// RememberIntended records where the visitor should land after authenticating.
func (manager *Manager) RememberIntended(contextGin *gin.Context, target string) {
	manager.PutCookie(contextGin, IntendedCookieName, target, intendedMaxAge)
}

// PullIntended returns and forgets the remembered destination.
func (manager *Manager) PullIntended(contextGin *gin.Context) (string, bool) {
	return manager.TakeCookie(contextGin, IntendedCookieName)
}

// Flash stores a one-shot message for the UI layer.
func (manager *Manager) Flash(contextGin *gin.Context, key string, value string) {
	manager.PutCookie(contextGin, FlashCookiePrefix+key, value, flashMaxAge)
}

// PullFlash returns and clears a flash message.
func (manager *Manager) PullFlash(contextGin *gin.Context, key string) (string, bool) {
	return manager.TakeCookie(contextGin, FlashCookiePrefix+key)
}

// PutCookie writes a short-lived HttpOnly cookie scoped like the session cookie.
// Values are query-escaped; gin unescapes them on read.
func (manager *Manager) PutCookie(contextGin *gin.Context, name string, value string, lifetime time.Duration) {
	if value == "" || lifetime <= 0 {
		return
	}
	manager.setCookie(contextGin, name, url.QueryEscape(value), manager.clock.Now().Add(lifetime), true)
}

// TakeCookie returns a cookie written by PutCookie and clears it.
func (manager *Manager) TakeCookie(contextGin *gin.Context, name string) (string, bool) {
	value, err := contextGin.Cookie(name)
	if err != nil {
		return "", false
	}
	manager.clearCookie(contextGin, name)
	if value == "" {
		return "", false
	}
	return value, true
}

// RequireAuthenticated redirects anonymous requests to loginPath, remembering the
// requested URI as the intended destination.
func (manager *Manager) RequireAuthenticated(loginPath string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := manager.Current(contextGin); ok {
			contextGin.Next()
			return
		}
		if contextGin.Request.Method == http.MethodGet {
			manager.RememberIntended(contextGin, contextGin.Request.URL.RequestURI())
		}
		contextGin.Redirect(http.StatusFound, loginPath)
		contextGin.Abort()
	}
}

func (manager *Manager) tokenClaims(contextGin *gin.Context) (*Claims, bool) {
	tokenValue, cookieErr := contextGin.Cookie(manager.cookieName)
	if cookieErr != nil || tokenValue == "" {
		return nil, false
	}
	claims, parseErr := parseToken(tokenValue, manager.issuer, manager.guard, manager.signingKey, manager.clock.Now)
	if parseErr != nil {
		manager.logger.Debug("session token rejected",
			zap.String("code", "session.token.rejected"),
			zap.Error(parseErr))
		return nil, false
	}
	return claims, true
}

func (manager *Manager) setCookie(contextGin *gin.Context, name string, value string, expiresAt time.Time, httpOnly bool) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   manager.cookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(expiresAt.Sub(manager.clock.Now()).Seconds()),
		Secure:   manager.secure,
		HttpOnly: httpOnly,
		SameSite: manager.sameSite,
	})
}

func (manager *Manager) clearCookie(contextGin *gin.Context, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   manager.cookieDomain,
		MaxAge:   -1,
		Secure:   manager.secure,
		HttpOnly: true,
		SameSite: manager.sameSite,
	})
}

func randomToken() (string, error) {
	buffer := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
