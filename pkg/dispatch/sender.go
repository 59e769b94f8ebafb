package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chengis/chengis/pkg/models"
)

// BuildAssignment is the payload handed to an agent when a build is
// dispatched to it.
type BuildAssignment struct {
	Build    *models.Build    `json:"build"`
	Job      *models.Job      `json:"job"`
	Pipeline *models.Pipeline `json:"pipeline"`
}

// Sender delivers build assignments and cancel requests to agents.
type Sender interface {
	SendBuild(ctx context.Context, agent *models.Agent, a *BuildAssignment) error
	SendCancel(ctx context.Context, agent *models.Agent, buildID string) error
}

// HTTPSender talks to the agent's HTTP endpoint with bearer auth.
// Transient failures retry with exponential backoff; 4xx responses are
// permanent.
type HTTPSender struct {
	client  *http.Client
	token   string
	retries uint64
}

// NewHTTPSender returns a sender authenticating with the given token.
func NewHTTPSender(token string, retries int) *HTTPSender {
	if retries < 0 {
		retries = 0
	}
	return &HTTPSender{
		client:  &http.Client{Timeout: 15 * time.Second},
		token:   token,
		retries: uint64(retries),
	}
}

func (s *HTTPSender) SendBuild(ctx context.Context, agent *models.Agent, a *BuildAssignment) error {
	return s.post(ctx, agent, "/build", a)
}

func (s *HTTPSender) SendCancel(ctx context.Context, agent *models.Agent, buildID string) error {
	return s.post(ctx, agent, "/cancel", map[string]string{"build_id": buildID})
}

func (s *HTTPSender) post(ctx context.Context, agent *models.Agent, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			agent.URL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("agent %s rejected %s: %s", agent.ID, path, resp.Status))
		default:
			return fmt.Errorf("agent %s: %s", agent.ID, resp.Status)
		}
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx))
}
