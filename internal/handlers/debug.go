package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync/internal/telemetry"
)

// OnlineSnapshotter exposes the registry's current online set.
type OnlineSnapshotter interface {
	Snapshot() []string
	Len() int
}

// RegisterDebugRoutes wires the debug endpoints when DEBUG_ROUTES is set:
// an audit round trip and a dump of who holds a live push channel.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, online OnlineSnapshotter, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	debug.GET("/presence", func(c *gin.Context) {
		if online == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"online": online.Snapshot(), "connections": online.Len()})
	})
}
