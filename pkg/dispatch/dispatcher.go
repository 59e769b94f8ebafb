// Package dispatch assigns queued builds to eligible agents, tracks
// per-agent circuit breakers, and recovers builds orphaned by dead
// agents.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/metrics"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListQueuedBuilds(ctx context.Context, limit int) ([]*models.Build, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	AssignBuild(ctx context.Context, buildID, agentID string) error
	UnassignBuild(ctx context.Context, buildID, agentID string) error
	AdjustAgentLoad(ctx context.Context, agentID string, delta int) error
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) (int, error)
	ListOrphanedBuilds(ctx context.Context, cutoff time.Time) ([]*models.Build, error)
	RequeueBuild(ctx context.Context, buildID, fromAgentID string) error
}

// LocalRunner executes a build in-process when no remote agent is
// eligible and local execution is enabled.
type LocalRunner interface {
	// Run executes the build asynchronously; it returns once accepted.
	Run(ctx context.Context, build *models.Build) error
	// Capacity reports how many more local builds may start now.
	Capacity() int
}

// Dispatcher is the queue-to-agent assignment loop.
type Dispatcher struct {
	cfg      *config.DispatcherConfig
	store    Store
	sender   Sender
	local    LocalRunner
	breakers *breakerSet
	recorder *events.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// wake is pulsed by webhook/API enqueues so dispatch does not wait a
	// full tick.
	wake chan struct{}
}

// New returns a dispatcher; call Run to start it. local may be nil.
func New(cfg *config.DispatcherConfig, st Store, sender Sender, local LocalRunner,
	recorder *events.Recorder, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = config.DefaultDispatcherConfig()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		local:    local,
		breakers: newBreakerSet(cfg),
		recorder: recorder,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop to run a tick soon.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.Tick(ctx)
	}
}

// Tick runs one dispatch round: fleet hygiene, orphan recovery, then
// assignment of up to BatchSize queued builds.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.sweepFleet(ctx)
	d.recoverOrphans(ctx)

	builds, err := d.store.ListQueuedBuilds(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("listing queued builds failed", "error", err)
		return
	}
	for _, build := range builds {
		if build.AgentID != nil {
			// Claimed by a previous tick; the agent has it.
			continue
		}
		if err := d.dispatchOne(ctx, build); err != nil {
			d.logger.Debug("build not dispatched", "build_id", build.ID, "reason", err)
		}
	}
}

var errNoEligibleAgent = errors.New("no eligible agent")

func (d *Dispatcher) dispatchOne(ctx context.Context, build *models.Build) error {
	job, err := d.store.GetJob(ctx, build.JobID)
	if err != nil {
		return err
	}
	var required []string
	if job.Pipeline != nil {
		required = job.Pipeline.RequiredLabels
	}

	// Approval gates are opened, polled, and responded to on the master;
	// a gated build never goes to a remote agent.
	if job.Pipeline != nil && job.Pipeline.HasApprovalStages() {
		if d.cfg.LocalExecution && d.local != nil && d.local.Capacity() > 0 {
			return d.dispatchLocal(ctx, build)
		}
		return errors.New("approval stages need local capacity")
	}

	agent, err := d.pickAgent(ctx, build, required)
	if err != nil {
		if errors.Is(err, errNoEligibleAgent) && d.localEligible(required) {
			return d.dispatchLocal(ctx, build)
		}
		return err
	}

	if err := d.store.AssignBuild(ctx, build.ID, agent.ID); err != nil {
		// Lost the race to another dispatcher; not a failure.
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}
	if err := d.store.AdjustAgentLoad(ctx, agent.ID, 1); err != nil {
		d.logger.Error("adjusting agent load failed", "agent_id", agent.ID, "error", err)
	}

	sendErr := d.breakers.execute(agent.ID, func() error {
		return d.sender.SendBuild(ctx, agent, &BuildAssignment{
			Build:    build,
			Job:      job,
			Pipeline: job.Pipeline,
		})
	})
	if sendErr != nil {
		// Revert the claim so the next tick can try another agent.
		if err := d.store.UnassignBuild(ctx, build.ID, agent.ID); err != nil {
			d.logger.Error("reverting failed assignment", "build_id", build.ID, "error", err)
		}
		if err := d.store.AdjustAgentLoad(ctx, agent.ID, -1); err != nil {
			d.logger.Error("adjusting agent load failed", "agent_id", agent.ID, "error", err)
		}
		d.logger.Warn("send to agent failed",
			"build_id", build.ID, "agent_id", agent.ID, "error", sendErr)
		return sendErr
	}

	if d.metrics != nil {
		d.metrics.DispatchLatency.Observe(time.Since(build.CreatedAt).Seconds())
	}
	d.logger.Info("build dispatched",
		"build_id", build.ID, "build_number", build.BuildNumber, "agent_id", agent.ID)
	return nil
}

// pickAgent selects the least-loaded eligible agent; ties go to the
// oldest heartbeat so work spreads across the fleet.
func (d *Dispatcher) pickAgent(ctx context.Context, build *models.Build, required []string) (*models.Agent, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	eligible := agents[:0]
	for _, a := range agents {
		if a.Status != models.AgentOnline {
			continue
		}
		if a.MaxBuilds > 0 && a.CurrentBuilds >= a.MaxBuilds {
			continue
		}
		if a.OrgID != nil && *a.OrgID != build.OrgID {
			continue
		}
		if !a.HasLabels(required) {
			continue
		}
		if !d.breakers.allows(a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, errNoEligibleAgent
	}
	sort.Slice(eligible, func(i, j int) bool {
		ri, rj := eligible[i].LoadRatio(), eligible[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		return eligible[i].LastHeartbeat.Before(eligible[j].LastHeartbeat)
	})
	return eligible[0], nil
}

func (d *Dispatcher) localEligible(required []string) bool {
	return d.cfg.LocalExecution && d.local != nil && len(required) == 0 && d.local.Capacity() > 0
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, build *models.Build) error {
	if err := d.store.AssignBuild(ctx, build.ID, localAgentID); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}
	if err := d.local.Run(ctx, build); err != nil {
		if uerr := d.store.UnassignBuild(ctx, build.ID, localAgentID); uerr != nil {
			d.logger.Error("reverting local assignment", "build_id", build.ID, "error", uerr)
		}
		return err
	}
	if d.metrics != nil {
		d.metrics.DispatchLatency.Observe(time.Since(build.CreatedAt).Seconds())
	}
	d.logger.Info("build dispatched locally", "build_id", build.ID, "build_number", build.BuildNumber)
	return nil
}

// localAgentID is the synthetic agent identity for in-process execution.
const localAgentID = "local"

// Cancel forwards a cancel request to the agent running the build. A
// build without a remote agent needs no forwarding: the local runner
// observes the store flag.
func (d *Dispatcher) Cancel(ctx context.Context, build *models.Build) error {
	if build.AgentID == nil || *build.AgentID == localAgentID {
		return nil
	}
	agent, err := d.store.GetAgent(ctx, *build.AgentID)
	if err != nil {
		return err
	}
	return d.sender.SendCancel(ctx, agent, build.ID)
}

// sweepFleet marks agents without a recent heartbeat offline. The
// threshold is twice the heartbeat interval.
func (d *Dispatcher) sweepFleet(ctx context.Context) {
	cutoff := time.Now().Add(-2 * d.cfg.HeartbeatInterval)
	n, err := d.store.MarkStaleAgentsOffline(ctx, cutoff)
	if err != nil {
		d.logger.Error("marking stale agents failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Warn("agents marked offline", "count", n)
	}
}

// recoverOrphans requeues running builds whose agent stopped
// heartbeating, so they are re-dispatched rather than stuck forever.
func (d *Dispatcher) recoverOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-2 * d.cfg.HeartbeatInterval)
	orphans, err := d.store.ListOrphanedBuilds(ctx, cutoff)
	if err != nil {
		d.logger.Error("listing orphaned builds failed", "error", err)
		return
	}
	for _, build := range orphans {
		agentID := ""
		if build.AgentID != nil {
			agentID = *build.AgentID
		}
		if err := d.store.RequeueBuild(ctx, build.ID, agentID); err != nil {
			// The agent came back and finished it, or another
			// dispatcher already requeued it.
			if errors.Is(err, store.ErrStaleTransition) {
				continue
			}
			d.logger.Error("requeueing orphan failed", "build_id", build.ID, "error", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.OrphansRecovered.Inc()
		}
		d.logger.Warn("orphaned build requeued", "build_id", build.ID, "agent_id", agentID)
		if d.recorder != nil {
			d.recorder.Emit(ctx, build.ID, models.EventOrphanRecovered, "", "",
				map[string]any{"agent_id": agentID, "attempt_number": build.AttemptNumber})
		}
	}
}
