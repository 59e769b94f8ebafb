// Package api exposes the engine over HTTP: the management API, the
// webhook receivers, the agent protocol, and the live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/artifacts"
	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/metrics"
	"github.com/chengis/chengis/pkg/pipeline"
	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/secrets"
	"github.com/chengis/chengis/pkg/store"
)

// Waker is nudged when new work is enqueued so dispatch does not wait a
// full tick. Implemented by dispatch.Dispatcher.
type Waker interface {
	Wake()
}

// Server wires the HTTP surface to the engine's components.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	formats   *pipeline.Registry
	gates     *policy.Gatekeeper
	secrets   *secrets.Service
	artifacts *artifacts.Manager
	recorder  *events.Recorder
	stream    *events.StreamServer
	waker     Waker
	canceller BuildCanceller
	metrics   *metrics.Metrics
	logger    *slog.Logger

	authToken string
}

// Options bundles the server's collaborators. Store is required; nil
// collaborators disable the corresponding endpoints.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Formats   *pipeline.Registry
	Gates     *policy.Gatekeeper
	Secrets   *secrets.Service
	Artifacts *artifacts.Manager
	Recorder  *events.Recorder
	Stream    *events.StreamServer
	Waker     Waker
	Canceller BuildCanceller
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewServer assembles the API server.
func NewServer(opts Options) *Server {
	formats := opts.Formats
	if formats == nil {
		formats = pipeline.NewRegistry()
	}
	token := ""
	if opts.Config != nil && opts.Config.Server != nil && opts.Config.Server.AuthTokenEnv != "" {
		token = os.Getenv(opts.Config.Server.AuthTokenEnv)
	}
	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		formats:   formats,
		gates:     opts.Gates,
		secrets:   opts.Secrets,
		artifacts: opts.Artifacts,
		recorder:  opts.Recorder,
		stream:    opts.Stream,
		waker:     opts.Waker,
		canceller: opts.Canceller,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "api"),
		authToken: token,
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Webhook receivers authenticate with provider signatures, not the
	// bearer token.
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/github", s.githubWebhook)
		hooks.POST("/gitlab", s.gitlabWebhook)
	}

	api := r.Group("/api", s.authRequired())
	{
		api.POST("/orgs", s.createOrg)
		api.GET("/orgs/:org_id", s.getOrg)

		api.POST("/orgs/:org_id/jobs", s.createJob)
		api.GET("/orgs/:org_id/jobs", s.listJobs)
		api.POST("/orgs/:org_id/templates", s.createTemplate)

		api.GET("/jobs/:job_id", s.getJob)
		api.PUT("/jobs/:job_id/pipeline", s.updateJobPipeline)
		api.POST("/jobs/:job_id/pause", s.setJobPaused(true))
		api.POST("/jobs/:job_id/resume", s.setJobPaused(false))
		api.DELETE("/jobs/:job_id", s.deleteJob)

		api.POST("/jobs/:job_id/builds", s.triggerBuild)
		api.GET("/jobs/:job_id/builds", s.listBuilds)
		api.GET("/jobs/:job_id/builds/:number", s.getBuildByNumber)

		api.GET("/builds/:build_id", s.getBuild)
		api.POST("/builds/:build_id/cancel", s.cancelBuild)
		api.POST("/builds/:build_id/retry", s.retryBuild)
		api.GET("/builds/:build_id/events", s.listBuildEvents)
		api.GET("/builds/:build_id/stream", s.streamBuild)
		api.GET("/builds/:build_id/artifacts", s.listArtifacts)
		api.GET("/builds/:build_id/artifacts/*filename", s.downloadArtifact)

		api.GET("/steps/:step_id/output", s.stepOutput)

		api.POST("/gates/:gate_id/respond", s.respondGate)
		api.GET("/gates/pending", s.listPendingGates)

		api.POST("/agents", s.registerAgent)
		api.GET("/agents", s.listAgents)
		api.POST("/agents/:agent_id/heartbeat", s.agentHeartbeat)
		api.POST("/agents/:agent_id/drain", s.drainAgent)
		api.DELETE("/agents/:agent_id", s.deleteAgent)
		api.POST("/agents/:agent_id/builds/:build_id/status", s.agentBuildStatus)
		api.POST("/agents/:agent_id/builds/:build_id/stages", s.agentStageResult)
		api.POST("/agents/:agent_id/builds/:build_id/steps", s.agentStepResult)
		api.POST("/agents/:agent_id/builds/:build_id/events", s.agentEvent)
		api.POST("/agents/:agent_id/builds/:build_id/artifacts", s.agentArtifact)

		api.PUT("/orgs/:org_id/secrets/:scope/:name", s.putSecret)
		api.GET("/orgs/:org_id/secrets/:scope", s.listSecrets)
		api.DELETE("/orgs/:org_id/secrets/:scope/:name", s.deleteSecret)

		api.POST("/orgs/:org_id/policies", s.createPolicy)
		api.GET("/orgs/:org_id/policies", s.listPolicies)
		api.POST("/policies/:policy_id/enable", s.setPolicyEnabled(true))
		api.POST("/policies/:policy_id/disable", s.setPolicyEnabled(false))
		api.DELETE("/policies/:policy_id", s.deletePolicy)

		api.POST("/jobs/:job_id/schedules", s.createSchedule)
		api.DELETE("/schedules/:schedule_id", s.deleteSchedule)
		api.POST("/jobs/:job_id/dependencies", s.createDependency)
		api.GET("/jobs/:job_id/dependencies", s.listDependencies)
		api.DELETE("/dependencies/:dependency_id", s.deleteDependency)

		api.GET("/orgs/:org_id/audit", s.listAudit)
		api.GET("/orgs/:org_id/audit/verify", s.verifyAudit)
		api.GET("/webhooks/deliveries", s.listWebhookDeliveries)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// wake is a nil-safe dispatcher nudge.
func (s *Server) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
