package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremis/atlas/internal/identity"
	"github.com/oremis/atlas/internal/oauth"
	"github.com/oremis/atlas/internal/pio"
	"github.com/oremis/atlas/internal/session"
	"github.com/oremis/atlas/internal/statusgate"
	"go.uber.org/zap/zaptest"
)

type fakeProvider struct {
	results   map[string]oauth.Result
	exchanges int
}

func (provider *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (provider *fakeProvider) Exchange(ctx context.Context, code string) (oauth.Result, error) {
	provider.exchanges++
	result, ok := provider.results[code]
	if !ok {
		return oauth.Result{}, errors.New("invalid_grant")
	}
	return result, nil
}

type pioResponse struct {
	status  int
	profile identity.ExternalProfile
}

func newFakePIO(t *testing.T, responses map[string]pioResponse) *pio.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		token := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
		response, ok := responses[token]
		if !ok {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		if response.status != http.StatusOK {
			writer.WriteHeader(response.status)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{"data": response.profile})
	}))
	t.Cleanup(server.Close)
	client, err := pio.NewClient(pio.Config{BaseURL: server.URL, MePath: "/api/me", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("pio client: %v", err)
	}
	return client
}

type flowFixture struct {
	router     *gin.Engine
	provider   *fakeProvider
	identities *identity.MemoryStore
	sessions   *session.MemoryStore
	cache      *statusgate.MemoryCache
	metrics    *CounterMetrics
	cookies    map[string]string
}

func newFlowFixture(t *testing.T, responses map[string]pioResponse) *flowFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	provider := &fakeProvider{results: map[string]oauth.Result{
		"code-active":    {AccessToken: "token-active", Claims: identity.OAuthClaims{ID: "google-1", Email: "jane@oremis.fr"}},
		"code-suspended": {AccessToken: "token-suspended", Claims: identity.OAuthClaims{ID: "google-2", Email: "sam@oremis.fr"}},
		"code-broken":    {AccessToken: "token-broken", Claims: identity.OAuthClaims{ID: "google-3"}},
	}}
	identities := identity.NewMemoryStore()
	sessionStore := session.NewMemoryStore()
	sessions, err := session.NewManager(sessionStore, session.Config{
		Guard:             "web",
		SigningKey:        []byte("flow-signing-key"),
		TTL:               time.Hour,
		AllowInsecureHTTP: true,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	cache := statusgate.NewMemoryCache()
	gate := statusgate.NewGate(cache, identities, statusgate.Config{Guard: "web", LogoutRedirect: "/", Logger: logger})
	metrics := NewCounterMetrics()

	orchestrator, err := NewOrchestrator(
		provider,
		oauth.NewMemoryStateStore(time.Minute),
		newFakePIO(t, responses),
		identity.NewSynchronizer(identities, identity.SynchronizerConfig{Logger: logger}),
		sessions,
		gate,
		Config{
			RedirectAfterLogin:   "/home",
			RedirectAfterLogout:  "/bye",
			RedirectOnError:      "/",
			AllowedRedirectHosts: []string{"*.oremis.fr"},
			Logger:               logger,
			Metrics:              metrics,
		},
	)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	router := gin.New()
	router.Use(gate.Middleware(sessions))
	orchestrator.MountRoutes(router)
	router.GET("/dashboard", sessions.RequireAuthenticated("/login"), func(contextGin *gin.Context) {
		principal, _ := sessions.Current(contextGin)
		contextGin.String(http.StatusOK, principal.UserID)
	})

	return &flowFixture{
		router:     router,
		provider:   provider,
		identities: identities,
		sessions:   sessionStore,
		cache:      cache,
		metrics:    metrics,
		cookies:    map[string]string{},
	}
}

func (fixture *flowFixture) do(t *testing.T, method string, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, nil)
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	for name, value := range fixture.cookies {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.MaxAge < 0 || cookie.Value == "" {
			delete(fixture.cookies, cookie.Name)
			continue
		}
		fixture.cookies[cookie.Name] = cookie.Value
	}
	return recorder
}

func (fixture *flowFixture) login(t *testing.T, target string) string {
	t.Helper()
	recorder := fixture.do(t, http.MethodGet, target, nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected provider redirect, got %d", recorder.Code)
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in provider redirect %s", location)
	}
	return state
}

func (fixture *flowFixture) flash(key string) string {
	value, _ := url.QueryUnescape(fixture.cookies[session.FlashCookiePrefix+key])
	return value
}

func activeProfiles() map[string]pioResponse {
	return map[string]pioResponse{
		"token-active": {status: http.StatusOK, profile: identity.ExternalProfile{
			CIB: "CIB-1", Email: "jane@oremis.fr", FirstName: "Jane", LastName: "Doe", Status: "active",
		}},
		"token-suspended": {status: http.StatusOK, profile: identity.ExternalProfile{
			CIB: "CIB-2", Email: "sam@oremis.fr", Status: "suspended",
		}},
		"token-broken": {status: http.StatusInternalServerError},
	}
}

func TestCallbackAuthenticatesAndHonorsIntendedRedirect(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	state := fixture.login(t, "/login?redirect_to="+url.QueryEscape("https://app.oremis.fr/reports"))
	if fixture.cookies[IntendedRedirectCookieName] == "" {
		t.Fatalf("expected intended redirect cookie")
	}

	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "https://app.oremis.fr/reports" {
		t.Fatalf("expected redirect to intended target, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if _, stillSet := fixture.cookies[IntendedRedirectCookieName]; stillSet {
		t.Fatalf("expected intended redirect to be consumed")
	}
	if fixture.cookies[session.DefaultCookieName] == "" {
		t.Fatalf("expected a session cookie")
	}

	localIdentity, err := fixture.identities.FindBy(context.Background(), identity.LookupByCIB, "CIB-1")
	if err != nil {
		t.Fatalf("expected synced identity: %v", err)
	}
	if localIdentity.GoogleID != "google-1" || localIdentity.FirstName != "Jane" {
		t.Fatalf("unexpected identity %+v", localIdentity)
	}

	dashboard := fixture.do(t, http.MethodGet, "/dashboard", nil)
	if dashboard.Code != http.StatusOK || dashboard.Body.String() != localIdentity.ID {
		t.Fatalf("expected authenticated dashboard, got %d %q", dashboard.Code, dashboard.Body.String())
	}
	if fixture.metrics.Count(EventCallbackSuccess) != 1 {
		t.Fatalf("expected one successful callback, got %v", fixture.metrics.Snapshot())
	}
}

func TestLoginDropsUnsafeRedirectTarget(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	state := fixture.login(t, "/login?redirect_to="+url.QueryEscape("https://evil.oremis.fr.attacker.com/"))
	if _, set := fixture.cookies[IntendedRedirectCookieName]; set {
		t.Fatalf("expected unsafe redirect to be dropped")
	}
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/home" {
		t.Fatalf("expected default destination, got %q", recorder.Header().Get("Location"))
	}
	if fixture.metrics.Count(EventLoginRedirectRejected) != 1 {
		t.Fatalf("expected rejected redirect metric")
	}
}

func TestCallbackRevalidatesIntendedCookie(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	state := fixture.login(t, "/login")
	fixture.cookies[IntendedRedirectCookieName] = url.QueryEscape("https://attacker.example/")
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/home" {
		t.Fatalf("expected forged intended cookie to be ignored, got %q", recorder.Header().Get("Location"))
	}
	if _, stillSet := fixture.cookies[IntendedRedirectCookieName]; stillSet {
		t.Fatalf("expected intended cookie to be deleted")
	}
}

func TestSuspendedUserNeverReceivesSession(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	state := fixture.login(t, "/login?redirect_to=/reports")
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-suspended&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to error destination, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if _, hasSession := fixture.cookies[session.DefaultCookieName]; hasSession {
		t.Fatalf("suspended user must not receive a session cookie")
	}
	if fixture.sessions.Len() != 0 {
		t.Fatalf("suspended user must not receive a session record")
	}
	if fixture.flash(ErrorFlashKey) != BlockedAccountMessage {
		t.Fatalf("expected blocked message, got %q", fixture.flash(ErrorFlashKey))
	}
	if fixture.flash(BlockedFlashKey) != "1" {
		t.Fatalf("expected blocked indicator")
	}
	if _, stillSet := fixture.cookies[IntendedRedirectCookieName]; stillSet {
		t.Fatalf("expected intended redirect to be deleted on rejection")
	}
	stored, err := fixture.identities.FindBy(context.Background(), identity.LookupByCIB, "CIB-2")
	if err != nil || stored.Status != "suspended" {
		t.Fatalf("expected synced suspended identity, got %+v %v", stored, err)
	}
	if fixture.metrics.Count(EventCallbackBlocked) != 1 {
		t.Fatalf("expected blocked metric")
	}
}

func TestProfileFailureRejectsWithoutWrites(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	state := fixture.login(t, "/login")
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-broken&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected error destination, got %q", recorder.Header().Get("Location"))
	}
	if fixture.identities.Len() != 0 || fixture.sessions.Len() != 0 {
		t.Fatalf("expected no identity or session after profile failure")
	}
	if fixture.flash(ErrorFlashKey) != LoginFailedMessage {
		t.Fatalf("expected generic failure message, got %q", fixture.flash(ErrorFlashKey))
	}
	if fixture.metrics.Count(EventCallbackProfile) != 1 {
		t.Fatalf("expected profile failure metric")
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	testCases := []struct {
		name   string
		target string
	}{
		{name: "missing state", target: "/callback?code=code-active"},
		{name: "forged state", target: "/callback?code=code-active&state=forged"},
		{name: "provider error", target: "/callback?error=access_denied"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newFlowFixture(t, activeProfiles())
			recorder := fixture.do(t, http.MethodGet, testCase.target, nil)
			if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
				t.Fatalf("expected rejection redirect, got %d %q", recorder.Code, recorder.Header().Get("Location"))
			}
			if fixture.provider.exchanges != 0 {
				t.Fatalf("expected no provider exchange")
			}
			if fixture.sessions.Len() != 0 {
				t.Fatalf("expected no session")
			}
		})
	}
}

func TestStateIsSingleUse(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	state := fixture.login(t, "/login")
	fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	fixture.cookies = map[string]string{StateCookieName: state}

	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected replayed state to be rejected, got %q", recorder.Header().Get("Location"))
	}
	if fixture.metrics.Count(EventCallbackState) != 1 {
		t.Fatalf("expected state rejection metric")
	}
}

func TestStateIsBoundToIssuingBrowser(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	state := fixture.login(t, "/login")
	if fixture.cookies[StateCookieName] != state {
		t.Fatalf("expected state cookie to carry the issued state")
	}

	fixture.cookies = map[string]string{}
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected rejection redirect, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if _, hasSession := fixture.cookies[session.DefaultCookieName]; hasSession {
		t.Fatalf("expected no session for a browser that did not start the login")
	}
	if fixture.provider.exchanges != 0 || fixture.sessions.Len() != 0 {
		t.Fatalf("expected no exchange and no session")
	}
	if fixture.metrics.Count(EventCallbackState) != 1 {
		t.Fatalf("expected state rejection metric")
	}

	fixture.cookies = map[string]string{StateCookieName: "other-state"}
	mismatched := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if mismatched.Header().Get("Location") != "/" || fixture.sessions.Len() != 0 {
		t.Fatalf("expected mismatched state cookie to be rejected, got %q", mismatched.Header().Get("Location"))
	}
	if _, stillSet := fixture.cookies[StateCookieName]; stillSet {
		t.Fatalf("expected state cookie to be cleared")
	}

	fixture.cookies = map[string]string{StateCookieName: state}
	owner := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if owner.Header().Get("Location") != "/home" || fixture.cookies[session.DefaultCookieName] == "" {
		t.Fatalf("expected issuing browser to authenticate, got %q", owner.Header().Get("Location"))
	}
}

func TestIntendedRedirectClearsSessionIntendedDestination(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	fixture.do(t, http.MethodGet, "/dashboard", nil)
	if fixture.cookies[session.IntendedCookieName] == "" {
		t.Fatalf("expected session intended destination to be remembered")
	}

	state := fixture.login(t, "/login?redirect_to=/reports")
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/reports" {
		t.Fatalf("expected redirect_to to win, got %q", recorder.Header().Get("Location"))
	}
	if _, stillSet := fixture.cookies[session.IntendedCookieName]; stillSet {
		t.Fatalf("expected session intended destination to be cleared")
	}

	again := fixture.do(t, http.MethodGet, "/login", nil)
	if again.Header().Get("Location") != "/home" {
		t.Fatalf("expected stale destination to be gone, got %q", again.Header().Get("Location"))
	}
}

func TestLoginHonorsSessionIntendedDestination(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())

	anonymous := fixture.do(t, http.MethodGet, "/dashboard", nil)
	if anonymous.Code != http.StatusFound || anonymous.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", anonymous.Code, anonymous.Header().Get("Location"))
	}

	state := fixture.login(t, "/login")
	recorder := fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	if recorder.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected session intended destination, got %q", recorder.Header().Get("Location"))
	}

	again := fixture.do(t, http.MethodGet, "/login", nil)
	if again.Code != http.StatusFound || again.Header().Get("Location") != "/home" {
		t.Fatalf("expected authenticated login to short-circuit, got %d %q", again.Code, again.Header().Get("Location"))
	}
	if fixture.metrics.Count(EventLoginAlreadyAuthed) != 1 {
		t.Fatalf("expected already-authenticated metric")
	}
}

func TestLogoutRequiresAntiForgeryToken(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	state := fixture.login(t, "/login")
	fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)
	fixture.do(t, http.MethodGet, "/dashboard", nil)

	localIdentity, _ := fixture.identities.FindBy(context.Background(), identity.LookupByCIB, "CIB-1")
	cacheKey := statusgate.CacheKey("web", localIdentity.ID)
	if _, found, _ := fixture.cache.Get(context.Background(), cacheKey); !found {
		t.Fatalf("expected status to be cached after an authenticated request")
	}

	forged := fixture.do(t, http.MethodPost, "/logout", nil)
	if forged.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", forged.Code)
	}

	recorder := fixture.do(t, http.MethodPost, "/logout", map[string]string{session.CSRFHeaderName: fixture.cookies[session.CSRFCookieName]})
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/bye" {
		t.Fatalf("expected logout redirect, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if _, hasSession := fixture.cookies[session.DefaultCookieName]; hasSession {
		t.Fatalf("expected session cookie to be cleared")
	}
	if fixture.sessions.Len() != 0 {
		t.Fatalf("expected session record to be destroyed")
	}
	if _, found, _ := fixture.cache.Get(context.Background(), cacheKey); found {
		t.Fatalf("expected status cache eviction on logout")
	}
}

func TestLogoutWithoutSessionStillRedirects(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	fixture.cookies[session.CSRFCookieName] = "anonymous-token"

	recorder := fixture.do(t, http.MethodPost, "/logout", map[string]string{session.CSRFHeaderName: "anonymous-token"})
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/bye" {
		t.Fatalf("expected logout redirect, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if fixture.metrics.Count(EventLogout) != 1 {
		t.Fatalf("expected logout metric")
	}
}

func TestStatusGateRevokesSuspendedSession(t *testing.T) {
	fixture := newFlowFixture(t, activeProfiles())
	state := fixture.login(t, "/login")
	fixture.do(t, http.MethodGet, "/callback?code=code-active&state="+url.QueryEscape(state), nil)

	localIdentity, _ := fixture.identities.FindBy(context.Background(), identity.LookupByCIB, "CIB-1")
	if err := fixture.identities.SetStatus(localIdentity.ID, "suspended"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/dashboard", nil)
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected revocation redirect, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if fixture.sessions.Len() != 0 {
		t.Fatalf("expected revoked session to be destroyed")
	}
	if fixture.flash(statusgate.BlockedFlashKey) != "1" {
		t.Fatalf("expected blocked indicator")
	}
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(nil, nil, nil, nil, nil, nil, Config{}); err == nil {
		t.Fatalf("expected error for missing collaborators")
	}
}
