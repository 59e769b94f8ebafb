// Package notify delivers build-completion notifications. Delivery is
// fail-open: a notifier error is logged and counted, never propagated
// into the build result.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
)

// BuildResult is the digest handed to notifiers.
type BuildResult struct {
	Build      *models.Build
	JobName    string
	OrgID      string
	Duration   time.Duration
	FailedStep string
	// URL links to the build page, derived from the external URL config.
	URL string
}

// Notifier delivers one notification channel.
type Notifier interface {
	Type() string
	Notify(ctx context.Context, res *BuildResult, cfg map[string]string) error
}

// Dispatcher fans a build result out to the notifiers a pipeline
// declares.
type Dispatcher struct {
	notifiers   map[string]Notifier
	externalURL string
	logger      *slog.Logger
}

// NewDispatcher builds the notifier set from configuration. Channels
// without configuration are simply absent; a pipeline referencing one
// logs a warning at delivery time.
func NewDispatcher(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		notifiers: map[string]Notifier{},
		logger:    logger.With("component", "notify"),
	}
	if cfg.Server != nil {
		d.externalURL = cfg.Server.ExternalURL
	}
	d.Register(&Console{out: os.Stdout})
	if n := cfg.Notify; n != nil {
		if n.Slack != nil && n.Slack.Enabled {
			d.Register(NewSlack(os.Getenv(n.Slack.TokenEnv), n.Slack.Channel))
		}
		if n.Email != nil && n.Email.Enabled {
			d.Register(NewEmail(n.Email))
		}
	}
	return d
}

// Register adds a notifier, replacing any previous one of the same type.
func (d *Dispatcher) Register(n Notifier) {
	d.notifiers[n.Type()] = n
}

// Dispatch delivers the result to every declared notifier. Errors are
// logged per channel; delivery always "succeeds" from the runner's view.
func (d *Dispatcher) Dispatch(ctx context.Context, res *BuildResult, specs []models.NotifierSpec) {
	if res.URL == "" && d.externalURL != "" {
		res.URL = fmt.Sprintf("%s/jobs/%s/builds/%d", d.externalURL, res.Build.JobID, res.Build.BuildNumber)
	}
	for _, spec := range specs {
		n, ok := d.notifiers[spec.Type]
		if !ok {
			d.logger.Warn("notifier not configured", "type", spec.Type, "build_id", res.Build.ID)
			continue
		}
		if err := n.Notify(ctx, res, spec.Config); err != nil {
			d.logger.Error("notification failed",
				"type", spec.Type,
				"build_id", res.Build.ID,
				"error", err)
		}
	}
}

// subject renders the one-line summary shared by the text notifiers.
func subject(res *BuildResult) string {
	return fmt.Sprintf("[%s] %s #%d %s (%s)",
		statusWord(res.Build.Status), res.JobName, res.Build.BuildNumber,
		string(res.Build.Status), res.Duration.Round(time.Second))
}

func statusWord(s models.BuildStatus) string {
	if s == models.BuildSuccess {
		return "OK"
	}
	return "FAILED"
}
