package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// streamBuild upgrades to WebSocket and streams the build's events,
// replaying history after ?after= and following live from there.
func (s *Server) streamBuild(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event streaming not configured"})
		return
	}
	buildID := c.Param("build_id")
	if _, err := s.store.GetBuild(c.Request.Context(), buildID); err != nil {
		s.respondError(c, err)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "build_id", buildID, "error", err)
		return
	}
	defer conn.CloseNow()

	s.stream.ServeBuild(c.Request.Context(), conn, buildID, c.Query("after"))
	conn.Close(websocket.StatusNormalClosure, "")
}
