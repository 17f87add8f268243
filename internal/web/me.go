package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremis/atlas/internal/identity"
	"github.com/oremis/atlas/internal/session"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the local identity behind the current session.
func HandleWhoAmI(logger *zap.Logger, identities identity.RecordStore, sessions *session.Manager) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if identities == nil || sessions == nil {
		panic("identity store and session manager are required")
	}

	return func(contextGin *gin.Context) {
		principal, authenticated := sessions.Current(contextGin)
		if !authenticated {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		localIdentity, findErr := identities.FindByID(contextGin.Request.Context(), principal.UserID)
		if findErr != nil {
			if errors.Is(findErr, identity.ErrIdentityNotFound) {
				logger.Warn("session identity missing",
					zap.String("code", "api.me.identity_missing"),
					zap.String("user_id", principal.UserID))
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
			logger.Error("identity lookup error",
				zap.String("code", "api.me.identity_error"),
				zap.String("user_id", principal.UserID),
				zap.Error(findErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		csrfToken, csrfErr := sessions.CSRFToken(contextGin)
		if csrfErr != nil {
			logger.Error("csrf token unavailable",
				zap.String("code", "api.me.csrf_error"),
				zap.Error(csrfErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"id":            localIdentity.ID,
			"cib":           localIdentity.CIB,
			"google_id":     localIdentity.GoogleID,
			"email":         localIdentity.Email,
			"first_name":    localIdentity.FirstName,
			"last_name":     localIdentity.LastName,
			"display":       localIdentity.DisplayName(),
			"status":        localIdentity.Status,
			"profile_data":  localIdentity.ProfileData,
			"last_login_at": localIdentity.LastLoginAt,
			"guard":         principal.Guard,
			"csrf_token":    csrfToken,
		})
	}
}
