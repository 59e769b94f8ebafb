package notify

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/chengis/chengis/pkg/models"
)

const slackTimeout = 10 * time.Second

// Slack posts build results as block messages. The pipeline's notifier
// config may override the default channel.
type Slack struct {
	api            *goslack.Client
	defaultChannel string
}

// NewSlack returns a Slack notifier using the given bot token.
func NewSlack(token, defaultChannel string) *Slack {
	return &Slack{api: goslack.New(token), defaultChannel: defaultChannel}
}

// NewSlackWithAPIURL targets a custom API URL, for tests against a mock
// server.
func NewSlackWithAPIURL(token, defaultChannel, apiURL string) *Slack {
	return &Slack{
		api:            goslack.New(token, goslack.OptionAPIURL(apiURL)),
		defaultChannel: defaultChannel,
	}
}

func (s *Slack) Type() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, res *BuildResult, cfg map[string]string) error {
	channel := s.defaultChannel
	if c := cfg["channel"]; c != "" {
		channel = c
	}
	if channel == "" {
		return fmt.Errorf("no slack channel configured")
	}

	ctx, cancel := context.WithTimeout(ctx, slackTimeout)
	defer cancel()

	_, _, err := s.api.PostMessageContext(ctx, channel,
		goslack.MsgOptionBlocks(buildBlocks(res)...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

func buildBlocks(res *BuildResult) []goslack.Block {
	icon := ":white_check_mark:"
	if res.Build.Status != models.BuildSuccess {
		icon = ":x:"
	}
	header := fmt.Sprintf("%s *%s* #%d — %s in %s",
		icon, res.JobName, res.Build.BuildNumber,
		res.Build.Status, res.Duration.Round(time.Second))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil),
	}

	var fields []*goslack.TextBlockObject
	if res.Build.Branch != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			"*Branch:*\n"+res.Build.Branch, false, false))
	}
	if res.FailedStep != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			"*Failed step:*\n"+res.FailedStep, false, false))
	}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}
	if res.URL != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("<%s|View build>", res.URL), false, false)))
	}
	return blocks
}
