package agentd

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/dispatch"
	"github.com/chengis/chengis/pkg/runner"
)

// Daemon is the agent process: it accepts assignments from the master,
// runs them, and heartbeats while alive.
type Daemon struct {
	agentID   string
	maxBuilds int
	client    *MasterClient
	store     *RemoteStore
	runner    *runner.Runner
	authToken string
	heartbeat time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Options bundles the daemon's collaborators.
type Options struct {
	AgentID   string
	MaxBuilds int
	Client    *MasterClient
	Store     *RemoteStore
	Runner    *runner.Runner
	// AuthToken guards the assignment endpoints; the master sends it as
	// a bearer token. Empty disables the check (local development).
	AuthToken         string
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewDaemon assembles the agent daemon.
func NewDaemon(opts Options) *Daemon {
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Daemon{
		agentID:   opts.AgentID,
		maxBuilds: opts.MaxBuilds,
		client:    opts.Client,
		store:     opts.Store,
		runner:    opts.Runner,
		authToken: opts.AuthToken,
		heartbeat: hb,
		logger:    opts.Logger.With("component", "agentd"),
	}
}

// Router builds the HTTP surface the master's sender talks to.
func (d *Daemon) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "capacity": d.runner.Capacity()})
	})
	r.POST("/build", d.auth, d.acceptBuild)
	r.POST("/cancel", d.auth, d.cancelBuild)
	r.GET("/artifacts/:build_id/*filename", d.auth, d.serveArtifact)
	return r
}

// serveArtifact streams an artifact saved on this agent; metadata lives
// on the master, the file stays here.
func (d *Daemon) serveArtifact(c *gin.Context) {
	filename := strings.TrimPrefix(c.Param("filename"), "/")
	a, err := d.store.GetArtifact(c.Request.Context(), c.Param("build_id"), filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
	c.Header("X-Checksum-SHA256", a.SHA256)
	c.File(a.Path)
}

func (d *Daemon) auth(c *gin.Context) {
	if d.authToken == "" {
		return
	}
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(d.authToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
	}
}

// acceptBuild takes an assignment and starts it; 409 when full so the
// master reverts the claim and tries another agent.
func (d *Daemon) acceptBuild(c *gin.Context) {
	var a dispatch.BuildAssignment
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.Build == nil || a.Job == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assignment missing build or job"})
		return
	}
	d.store.Track(&a)
	if err := d.runner.Run(c.Request.Context(), a.Build); err != nil {
		d.store.Release(a.Build.ID)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	d.logger.Info("build accepted", "build_id", a.Build.ID, "job", a.Job.Name)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (d *Daemon) cancelBuild(c *gin.Context) {
	var req struct {
		BuildID string `json:"build_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.store.RequestCancel(req.BuildID)
	d.logger.Info("cancel requested", "build_id", req.BuildID)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// Start launches the heartbeat loop.
func (d *Daemon) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop halts the heartbeat loop and waits for it to exit.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := d.maxBuilds - d.runner.Capacity()
			if err := d.client.Heartbeat(ctx, d.agentID, current); err != nil {
				d.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
