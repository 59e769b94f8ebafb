package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

type registerAgentRequest struct {
	ID         string            `json:"id"`
	Name       string            `json:"name" binding:"required"`
	URL        string            `json:"url" binding:"required"`
	Labels     []string          `json:"labels"`
	MaxBuilds  int               `json:"max_builds"`
	SystemInfo map[string]string `json:"system_info"`
	OrgID      *string           `json:"org_id"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent := &models.Agent{
		ID:         req.ID,
		Name:       req.Name,
		URL:        req.URL,
		Labels:     req.Labels,
		MaxBuilds:  req.MaxBuilds,
		SystemInfo: req.SystemInfo,
		OrgID:      req.OrgID,
	}
	if err := s.store.RegisterAgent(c.Request.Context(), agent); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type heartbeatRequest struct {
	CurrentBuilds int `json:"current_builds"`
}

func (s *Server) agentHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	err := s.store.TouchAgentHeartbeat(c.Request.Context(), c.Param("agent_id"), req.CurrentBuilds)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// drainAgent stops new assignments; running builds finish normally.
func (s *Server) drainAgent(c *gin.Context) {
	err := s.store.SetAgentStatus(c.Request.Context(), c.Param("agent_id"), models.AgentDraining)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "draining"})
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.store.DeleteAgent(c.Request.Context(), c.Param("agent_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type buildStatusReport struct {
	From    models.BuildStatus `json:"from" binding:"required"`
	To      models.BuildStatus `json:"to" binding:"required"`
	Outcome struct {
		FailedStep   string `json:"failed_step"`
		ExitCode     *int   `json:"exit_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"outcome"`
}

// agentBuildStatus applies a status transition reported by the agent
// running the build. Terminal reports release the agent's load slot.
func (s *Server) agentBuildStatus(c *gin.Context) {
	var req buildStatusReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	buildID := c.Param("build_id")

	var err error
	if req.To.Terminal() {
		err = s.store.FinalizeBuild(ctx, buildID, req.From, req.To, store.BuildOutcome{
			FailedStep:   req.Outcome.FailedStep,
			ExitCode:     req.Outcome.ExitCode,
			ErrorMessage: req.Outcome.ErrorMessage,
		})
	} else {
		err = s.store.TransitionBuild(ctx, buildID, req.From, req.To)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	if req.To.Terminal() {
		if err := s.store.AdjustAgentLoad(ctx, c.Param("agent_id"), -1); err != nil {
			s.logger.Error("releasing agent slot failed",
				"agent_id", c.Param("agent_id"), "error", err)
		}
		if s.metrics != nil {
			s.metrics.BuildsCompleted.WithLabelValues(string(req.To)).Inc()
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) agentStageResult(c *gin.Context) {
	var r models.StageResult
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.BuildID = c.Param("build_id")
	if err := s.store.UpsertStageResult(c.Request.Context(), &r); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) agentStepResult(c *gin.Context) {
	var r models.StepResult
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.BuildID = c.Param("build_id")
	if err := s.store.RecordStepResult(c.Request.Context(), &r); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// agentArtifact records artifact metadata produced on a remote agent.
// The file itself stays on the agent and is served from its artifact
// endpoint; path here is agent-local.
func (s *Server) agentArtifact(c *gin.Context) {
	var a models.Artifact
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.BuildID = c.Param("build_id")
	if err := s.store.CreateArtifact(c.Request.Context(), &a); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// agentEvent re-records an event from a remote agent so stream
// subscribers on the master see it live.
func (s *Server) agentEvent(c *gin.Context) {
	var ev models.BuildEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev.BuildID = c.Param("build_id")
	if s.recorder != nil {
		s.recorder.Record(c.Request.Context(), &ev)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
