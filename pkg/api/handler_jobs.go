package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/pipeline"
)

type createOrgRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createOrg(c *gin.Context) {
	var req createOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	org, err := s.store.CreateOrg(c.Request.Context(), req.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, org.ID, "org.create", "org", org.ID, org.Name)
	c.JSON(http.StatusCreated, org)
}

func (s *Server) getOrg(c *gin.Context) {
	org, err := s.store.GetOrg(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

// createJobRequest accepts the pipeline either as a raw pipeline file
// (content plus filename picking the parser) or as the JSON model.
type createJobRequest struct {
	Name         string           `json:"name" binding:"required"`
	Description  string           `json:"description"`
	PipelineFile string           `json:"pipeline_file"`
	Filename     string           `json:"filename"`
	Pipeline     *models.Pipeline `json:"pipeline"`
}

// parsePipeline resolves a request's pipeline definition: raw file
// content when given, otherwise the JSON model revalidated.
func (s *Server) parsePipeline(file, filename string, p *models.Pipeline) (*models.Pipeline, error) {
	if file != "" {
		if filename == "" {
			filename = "Chengisfile"
		}
		return s.formats.Parse(filename, []byte(file))
	}
	if err := pipeline.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.parsePipeline(req.PipelineFile, req.Filename, req.Pipeline)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID := c.Param("org_id")
	job, err := s.store.CreateJob(c.Request.Context(), orgID, req.Name, req.Description, p)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, orgID, "job.create", "job", job.ID, job.Name)
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.store.ListJobs(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type updatePipelineRequest struct {
	PipelineFile string           `json:"pipeline_file"`
	Filename     string           `json:"filename"`
	Pipeline     *models.Pipeline `json:"pipeline"`
}

func (s *Server) updateJobPipeline(c *gin.Context) {
	var req updatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.parsePipeline(req.PipelineFile, req.Filename, req.Pipeline)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobID := c.Param("job_id")
	if err := s.store.UpdateJobPipeline(c.Request.Context(), jobID, p); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, job.OrgID, "job.update-pipeline", "job", jobID, "")
	c.JSON(http.StatusOK, job)
}

func (s *Server) setJobPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("job_id")
		if err := s.store.SetJobPaused(c.Request.Context(), jobID, paused); err != nil {
			s.respondError(c, err)
			return
		}
		action := "job.resume"
		if paused {
			action = "job.pause"
		}
		s.auditAction(c, "", action, "job", jobID, "")
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

func (s *Server) deleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := s.store.DeleteJob(c.Request.Context(), jobID); err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, "", "job.delete", "job", jobID, "")
	c.Status(http.StatusNoContent)
}

type createTemplateRequest struct {
	Name         string           `json:"name" binding:"required"`
	PipelineFile string           `json:"pipeline_file"`
	Filename     string           `json:"filename"`
	Pipeline     *models.Pipeline `json:"pipeline"`
}

func (s *Server) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.parsePipeline(req.PipelineFile, req.Filename, req.Pipeline)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID := c.Param("org_id")
	tpl, err := s.store.CreateTemplate(c.Request.Context(), orgID, req.Name, p)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, orgID, "template.create", "template", tpl.ID, tpl.Name)
	c.JSON(http.StatusCreated, tpl)
}

// auditAction appends a best-effort audit row for a management mutation.
func (s *Server) auditAction(c *gin.Context, orgID, action, resourceType, resourceID, detail string) {
	err := s.store.AppendAudit(c.Request.Context(), &models.AuditEntry{
		OrgID:        orgID,
		UserID:       c.GetHeader("X-User"),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
	})
	if err != nil {
		s.logger.Error("audit append failed", "action", action, "error", err)
	}
}
