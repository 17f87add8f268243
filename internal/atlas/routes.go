package atlas

import "github.com/gin-gonic/gin"

// MountRoutes registers GET /login, GET /callback, and POST /logout.
func (orchestrator *Orchestrator) MountRoutes(router gin.IRouter) {
	router.GET("/login", orchestrator.HandleLogin)
	router.GET("/callback", orchestrator.HandleCallback)
	router.POST("/logout", orchestrator.HandleLogout)
}
