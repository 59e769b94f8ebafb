package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// BuildCanceller forwards cancel requests to remote agents. Implemented
// by dispatch.Dispatcher.
type BuildCanceller interface {
	Cancel(ctx context.Context, build *models.Build) error
}

type triggerBuildRequest struct {
	Branch     string            `json:"branch"`
	CommitSHA  string            `json:"commit_sha"`
	Parameters map[string]string `json:"parameters"`
	Priority   int               `json:"priority"`
}

func (s *Server) triggerBuild(c *gin.Context) {
	var req triggerBuildRequest
	// The body is optional; an empty POST is a plain manual trigger.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	job, err := s.store.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	build, err := s.store.CreateBuild(c.Request.Context(), store.NewBuild{
		JobID: job.ID,
		OrgID: job.OrgID,
		Trigger: models.Trigger{
			Kind:       models.TriggerManual,
			Branch:     req.Branch,
			CommitSHA:  req.CommitSHA,
			Parameters: withDefaults(job.Pipeline, req.Parameters),
			User:       c.GetHeader("X-User"),
		},
		Priority: req.Priority,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.wake()
	c.JSON(http.StatusCreated, build)
}

// withDefaults overlays the request parameters on the pipeline's
// declared parameter defaults.
func withDefaults(p *models.Pipeline, params map[string]string) map[string]string {
	if p == nil || len(p.Parameters) == 0 {
		return params
	}
	out := map[string]string{}
	for _, spec := range p.Parameters {
		if spec.Default != "" {
			out[spec.Name] = spec.Default
		}
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

func (s *Server) listBuilds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.store.ListBuilds(c.Request.Context(), c.Param("job_id"), limit, c.Query("cursor"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getBuildByNumber(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid build number"})
		return
	}
	build, err := s.store.GetBuildByNumber(c.Request.Context(), c.Param("job_id"), number)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondBuildDetail(c, build)
}

func (s *Server) getBuild(c *gin.Context) {
	build, err := s.store.GetBuild(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondBuildDetail(c, build)
}

func (s *Server) respondBuildDetail(c *gin.Context, build *models.Build) {
	stages, err := s.store.ListStageResults(c.Request.Context(), build.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	steps, err := s.store.ListStepResults(c.Request.Context(), build.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"build":  build,
		"stages": stages,
		"steps":  steps,
	})
}

// cancelBuild aborts a queued build directly; running builds get the
// cancel flag, which the runner observes at stage boundaries, plus a
// forwarded cancel when a remote agent holds the build.
func (s *Server) cancelBuild(c *gin.Context) {
	ctx := c.Request.Context()
	build, err := s.store.GetBuild(ctx, c.Param("build_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	switch {
	case build.Status == models.BuildQueued:
		err = s.store.TransitionBuild(ctx, build.ID, models.BuildQueued, models.BuildAborted)
		if errors.Is(err, store.ErrStaleTransition) {
			// Started while we looked; fall through to the flag.
			err = s.store.RequestCancel(ctx, build.ID)
		}
	case build.Status.Terminal():
		c.JSON(http.StatusConflict, gin.H{"error": "build already finished"})
		return
	default:
		err = s.store.RequestCancel(ctx, build.ID)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	if s.canceller != nil {
		if err := s.canceller.Cancel(ctx, build); err != nil {
			s.logger.Warn("forwarding cancel to agent failed",
				"build_id", build.ID, "error", err)
		}
	}
	s.auditAction(c, build.OrgID, "build.cancel", "build", build.ID, "")
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// retryBuild creates a fresh attempt linked to the original's lineage.
func (s *Server) retryBuild(c *gin.Context) {
	ctx := c.Request.Context()
	build, err := s.store.GetBuild(ctx, c.Param("build_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !build.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "build has not finished"})
		return
	}
	retry, err := s.store.CreateBuild(ctx, store.NewBuild{
		JobID: build.JobID,
		OrgID: build.OrgID,
		Trigger: models.Trigger{
			Kind:       models.TriggerRetry,
			Branch:     build.Branch,
			CommitSHA:  build.CommitSHA,
			Parameters: build.Parameters,
			User:       c.GetHeader("X-User"),
		},
		Priority:      build.Priority,
		ParentBuildID: build.ID,
		AttemptNumber: build.AttemptNumber + 1,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.wake()
	c.JSON(http.StatusCreated, retry)
}

func (s *Server) listBuildEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 500
	}
	evs, err := s.store.ListEvents(c.Request.Context(), c.Param("build_id"), c.Query("after"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) listArtifacts(c *gin.Context) {
	arts, err := s.store.ListArtifacts(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": arts})
}

// downloadArtifact streams an artifact, verifying its checksum first
// so silent storage corruption never reaches the client.
func (s *Server) downloadArtifact(c *gin.Context) {
	if s.artifacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact storage not configured"})
		return
	}
	filename := strings.TrimPrefix(c.Param("filename"), "/")
	a, err := s.store.GetArtifact(c.Request.Context(), c.Param("build_id"), filename)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if c.Query("verify") != "" {
		c.JSON(http.StatusOK, s.artifacts.Verify(a))
		return
	}
	if res := s.artifacts.Verify(a); !res.Valid {
		c.JSON(http.StatusConflict, gin.H{"error": "artifact failed verification", "detail": res.Reason})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
	c.Header("X-Checksum-SHA256", a.SHA256)
	c.File(a.Path)
}

func (s *Server) stepOutput(c *gin.Context) {
	source := c.DefaultQuery("source", "stdout")
	if source != "stdout" && source != "stderr" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be stdout or stderr"})
		return
	}
	out, err := s.store.StepOutput(c.Request.Context(), c.Param("step_id"), source)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.String(http.StatusOK, out)
}
