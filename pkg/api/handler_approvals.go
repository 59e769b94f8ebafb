package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type gateResponseRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// respondGate records an approve/reject vote. The voting user comes
// from the X-User header; eligibility is the gate's approver group.
func (s *Server) respondGate(c *gin.Context) {
	if s.gates == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "approval gates not configured"})
		return
	}
	var req gateResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := c.GetHeader("X-User")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User header required"})
		return
	}
	gate, err := s.gates.Respond(c.Request.Context(), c.Param("gate_id"), user, req.Approved, req.Comment)
	if err != nil {
		s.respondError(c, err)
		return
	}
	orgID := ""
	if b, err := s.store.GetBuild(c.Request.Context(), gate.BuildID); err == nil {
		orgID = b.OrgID
	}
	s.auditAction(c, orgID, "gate.respond", "gate", gate.ID, string(gate.Status))
	c.JSON(http.StatusOK, gate)
}

func (s *Server) listPendingGates(c *gin.Context) {
	gates, err := s.store.ListPendingGates(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gates": gates})
}
