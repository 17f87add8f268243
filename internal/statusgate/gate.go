package statusgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremis/atlas/internal/identity"
	"github.com/oremis/atlas/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL bounds how long a cached status is trusted.
	DefaultTTL = 120 * time.Second
	// DefaultStatusField names the identity attribute holding the status.
	DefaultStatusField = "status"
	// BlockedFlashKey is the flash indicator set when a session is revoked.
	BlockedFlashKey = "blocked"
	// LookupTimeout bounds a shared record-store read.
	LookupTimeout = 5 * time.Second
)

// DefaultBlockedStatuses are the statuses that revoke a session.
var DefaultBlockedStatuses = []string{"suspended", "inactive"}

// Decision is the outcome of a status check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (decision Decision) String() string {
	if decision == Deny {
		return "deny"
	}
	return "allow"
}

// Config configures a Gate.
type Config struct {
	Guard           string
	StatusField     string
	BlockedStatuses []string
	TTL             time.Duration
	// FailOpen allows requests when the status cannot be read. The default denies them.
	FailOpen bool
	// LogoutRedirect receives revoked sessions.
	LogoutRedirect string
	Logger         *zap.Logger
}

// Gate revalidates the status of authenticated users through a TTL cache.
type Gate struct {
	cache          Cache
	statuses       identity.StatusReader
	guard          string
	statusField    string
	blocked        map[string]struct{}
	ttl            time.Duration
	failOpen       bool
	logoutRedirect string
	logger         *zap.Logger
	loads          singleflight.Group
}

// NewGate constructs a Gate.
func NewGate(cache Cache, statuses identity.StatusReader, configuration Config) *Gate {
	if cache == nil || statuses == nil {
		panic("status gate requires a cache and a status reader")
	}
	statusField := strings.TrimSpace(configuration.StatusField)
	if statusField == "" {
		statusField = DefaultStatusField
	}
	blockedStatuses := configuration.BlockedStatuses
	if len(blockedStatuses) == 0 {
		blockedStatuses = DefaultBlockedStatuses
	}
	blocked := make(map[string]struct{}, len(blockedStatuses))
	for _, status := range blockedStatuses {
		blocked[status] = struct{}{}
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logoutRedirect := configuration.LogoutRedirect
	if logoutRedirect == "" {
		logoutRedirect = "/"
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cache:          cache,
		statuses:       statuses,
		guard:          configuration.Guard,
		statusField:    statusField,
		blocked:        blocked,
		ttl:            ttl,
		failOpen:       configuration.FailOpen,
		logoutRedirect: logoutRedirect,
		logger:         logger,
	}
}

// IsBlocked reports whether status revokes access.
func (gate *Gate) IsBlocked(status string) bool {
	_, blocked := gate.blocked[status]
	return blocked
}

// Check decides whether userID may proceed. A Deny evicts the cached status.
// The error is non-nil only when the status could not be read at all.
func (gate *Gate) Check(ctx context.Context, userID string) (Decision, error) {
	key := CacheKey(gate.guard, userID)
	status, err := gate.status(ctx, key, userID)
	if err != nil {
		return Deny, err
	}
	if !gate.IsBlocked(status) {
		return Allow, nil
	}
	gate.Evict(ctx, userID)
	return Deny, nil
}

// Evict drops the cached status of userID.
func (gate *Gate) Evict(ctx context.Context, userID string) {
	if err := gate.cache.Delete(ctx, CacheKey(gate.guard, userID)); err != nil {
		gate.logger.Warn("status cache eviction failed",
			zap.String("code", "status_gate.evict_failed"),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (gate *Gate) status(ctx context.Context, key string, userID string) (string, error) {
	cached, found, cacheErr := gate.cache.Get(ctx, key)
	if cacheErr != nil {
		gate.logger.Warn("status cache read failed; reading record store",
			zap.String("code", "status_gate.cache_read_failed"),
			zap.String("key", key),
			zap.Error(cacheErr))
	}
	if found {
		return cached, nil
	}

	// Shared by every waiter on key and detached from the first caller's cancellation.
	results := gate.loads.DoChan(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LookupTimeout)
		defer cancel()
		status, lookupErr := gate.statuses.LookupStatus(lookupCtx, userID, gate.statusField)
		if lookupErr != nil {
			return "", lookupErr
		}
		if setErr := gate.cache.Set(lookupCtx, key, status, gate.ttl); setErr != nil {
			gate.logger.Warn("status cache write failed",
				zap.String("code", "status_gate.cache_write_failed"),
				zap.String("key", key),
				zap.Error(setErr))
		}
		return status, nil
	})
	var result singleflight.Result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("status_gate.lookup: %w", ctx.Err())
	case result = <-results:
	}
	if result.Err != nil {
		return "", fmt.Errorf("status_gate.lookup: %w", result.Err)
	}
	return result.Val.(string), nil
}

// Middleware applies the gate to every request carrying an authenticated session.
func (gate *Gate) Middleware(sessions *session.Manager) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, authenticated := sessions.Current(contextGin)
		if !authenticated {
			contextGin.Next()
			return
		}

		decision, checkErr := gate.Check(contextGin.Request.Context(), principal.UserID)
		if checkErr != nil {
			if errors.Is(checkErr, identity.ErrIdentityNotFound) {
				decision = Deny
			} else {
				gate.logger.Error("status check unavailable",
					zap.String("code", "status_gate.unavailable"),
					zap.String("user_id", principal.UserID),
					zap.Bool("fail_open", gate.failOpen),
					zap.Error(checkErr))
				if gate.failOpen {
					contextGin.Next()
					return
				}
				contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "status_unavailable"})
				return
			}
		}
		if decision == Allow {
			contextGin.Next()
			return
		}

		gate.logger.Warn("blocked user session revoked",
			zap.String("code", "status_gate.revoked"),
			zap.String("user_id", principal.UserID),
			zap.String("guard", principal.Guard),
			zap.String("ip", contextGin.ClientIP()))
		if logoutErr := sessions.Logout(contextGin); logoutErr != nil {
			gate.logger.Error("forced logout failed",
				zap.String("code", "status_gate.logout_failed"),
				zap.Error(logoutErr))
		}
		gate.Evict(contextGin.Request.Context(), principal.UserID)
		sessions.Flash(contextGin, BlockedFlashKey, "1")
		contextGin.Redirect(http.StatusFound, gate.logoutRedirect)
		contextGin.Abort()
	}
}
