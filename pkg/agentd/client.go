// Package agentd is the remote build agent runtime: it registers with
// the master, receives build assignments over HTTP, executes them with
// the shared runner, and reports results back through the agent API.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// MasterClient talks to the master's agent API with bearer auth.
// Transient failures retry with exponential backoff; 4xx responses are
// permanent.
type MasterClient struct {
	baseURL string
	token   string
	client  *http.Client
	retries uint64
}

// NewMasterClient returns a client for the master at baseURL.
func NewMasterClient(baseURL, token string, retries int) *MasterClient {
	if retries < 0 {
		retries = 0
	}
	return &MasterClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		retries: uint64(retries),
	}
}

// Register announces this agent to the master. The master assigns the
// id on first registration; re-registration with the same id refreshes
// the record.
func (c *MasterClient) Register(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	var out models.Agent
	err := c.post(ctx, "/api/agents", agent, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness and current load.
func (c *MasterClient) Heartbeat(ctx context.Context, agentID string, currentBuilds int) error {
	return c.post(ctx, "/api/agents/"+agentID+"/heartbeat",
		map[string]int{"current_builds": currentBuilds}, nil)
}

// statusReport mirrors the master's build status endpoint payload.
type statusReport struct {
	From    models.BuildStatus `json:"from"`
	To      models.BuildStatus `json:"to"`
	Outcome struct {
		FailedStep   string `json:"failed_step"`
		ExitCode     *int   `json:"exit_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"outcome"`
}

// ReportStatus applies a build status transition on the master.
// outcome may be nil for non-terminal transitions.
func (c *MasterClient) ReportStatus(ctx context.Context, agentID, buildID string,
	from, to models.BuildStatus, outcome *store.BuildOutcome) error {
	rep := statusReport{From: from, To: to}
	if outcome != nil {
		rep.Outcome.FailedStep = outcome.FailedStep
		rep.Outcome.ExitCode = outcome.ExitCode
		rep.Outcome.ErrorMessage = outcome.ErrorMessage
	}
	return c.post(ctx, "/api/agents/"+agentID+"/builds/"+buildID+"/status", rep, nil)
}

// ReportStage upserts a stage result on the master.
func (c *MasterClient) ReportStage(ctx context.Context, agentID string, r *models.StageResult) error {
	return c.post(ctx, "/api/agents/"+agentID+"/builds/"+r.BuildID+"/stages", r, nil)
}

// ReportStep records a step result on the master.
func (c *MasterClient) ReportStep(ctx context.Context, agentID string, r *models.StepResult) error {
	return c.post(ctx, "/api/agents/"+agentID+"/builds/"+r.BuildID+"/steps", r, nil)
}

// ReportArtifact records artifact metadata on the master; the file
// stays on this agent and is served from the daemon's artifact route.
func (c *MasterClient) ReportArtifact(ctx context.Context, agentID string, a *models.Artifact) error {
	return c.post(ctx, "/api/agents/"+agentID+"/builds/"+a.BuildID+"/artifacts", a, a)
}

// ReportEvent forwards a build event so master-side stream subscribers
// see it live.
func (c *MasterClient) ReportEvent(ctx context.Context, agentID string, ev *models.BuildEvent) error {
	return c.post(ctx, "/api/agents/"+agentID+"/builds/"+ev.BuildID+"/events", ev, nil)
}

func (c *MasterClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
				}
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("master rejected %s: %s", path, resp.Status))
		default:
			return fmt.Errorf("master %s: %s", path, resp.Status)
		}
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx))
}
