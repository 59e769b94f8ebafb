package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/secrets"
)

type putSecretRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) putSecret(c *gin.Context) {
	if s.secrets == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "secret storage not configured"})
		return
	}
	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID, scope, name := c.Param("org_id"), c.Param("scope"), c.Param("name")
	err := s.secrets.Put(c.Request.Context(), orgID, scope, name, req.Value, s.accessor(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, orgID, "secret.put", "secret", scope+"/"+name, "")
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

// listSecrets returns metadata only; values never leave the service
// except through build resolution.
func (s *Server) listSecrets(c *gin.Context) {
	list, err := s.store.ListSecrets(c.Request.Context(), c.Param("org_id"), c.Param("scope"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secrets": list})
}

func (s *Server) deleteSecret(c *gin.Context) {
	if s.secrets == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "secret storage not configured"})
		return
	}
	orgID, scope, name := c.Param("org_id"), c.Param("scope"), c.Param("name")
	err := s.secrets.Delete(c.Request.Context(), orgID, scope, name, s.accessor(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, orgID, "secret.delete", "secret", scope+"/"+name, "")
	c.Status(http.StatusNoContent)
}

func (s *Server) accessor(c *gin.Context) secrets.Accessor {
	return secrets.Accessor{UserID: c.GetHeader("X-User"), IP: c.ClientIP()}
}

func (s *Server) createPolicy(c *gin.Context) {
	var p models.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.OrgID = c.Param("org_id")
	if err := s.store.CreatePolicy(c.Request.Context(), &p); err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, p.OrgID, "policy.create", "policy", p.ID, string(p.Kind))
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPolicies(c *gin.Context) {
	policies, err := s.store.ListPolicies(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (s *Server) setPolicyEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.store.SetPolicyEnabled(c.Request.Context(), c.Param("policy_id"), enabled)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": enabled})
	}
}

func (s *Server) deletePolicy(c *gin.Context) {
	if err := s.store.DeletePolicy(c.Request.Context(), c.Param("policy_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createScheduleRequest struct {
	Expression string `json:"expression" binding:"required"`
	Enabled    *bool  `json:"enabled"`
}

// createSchedule validates the cron expression up front so a typo
// surfaces here rather than as a skipped entry at refresh time.
func (s *Server) createSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := cron.ParseStandard(req.Expression); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cron expression: " + err.Error()})
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	sc := &models.CronSchedule{
		JobID:      job.ID,
		OrgID:      job.OrgID,
		Expression: req.Expression,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateCronSchedule(c.Request.Context(), sc); err != nil {
		s.respondError(c, err)
		return
	}
	s.auditAction(c, job.OrgID, "schedule.create", "schedule", sc.ID, sc.Expression)
	c.JSON(http.StatusCreated, sc)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	err := s.store.DeleteCronSchedule(c.Request.Context(), c.Param("schedule_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createDependencyRequest struct {
	DownstreamJobID string `json:"downstream_job_id" binding:"required"`
}

func (s *Server) createDependency(c *gin.Context) {
	var req createDependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dep, err := s.store.CreateJobDependency(c.Request.Context(), c.Param("job_id"), req.DownstreamJobID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) listDependencies(c *gin.Context) {
	deps, err := s.store.ListDownstreamJobs(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dependencies": deps})
}

func (s *Server) deleteDependency(c *gin.Context) {
	err := s.store.DeleteJobDependency(c.Request.Context(), c.Param("dependency_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := s.store.ListAudit(c.Request.Context(), c.Param("org_id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) verifyAudit(c *gin.Context) {
	brk, err := s.store.VerifyAuditChain(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if brk != nil {
		c.JSON(http.StatusOK, gin.H{
			"intact": false,
			"break": gin.H{
				"index":    brk.Index,
				"entry_id": brk.EntryID,
				"reason":   brk.Reason,
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intact": true})
}

func (s *Server) listWebhookDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 100
	}
	deliveries, err := s.store.ListWebhookEvents(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}
