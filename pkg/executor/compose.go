package executor

import (
	"context"
	"os/exec"

	"github.com/chengis/chengis/pkg/models"
)

// Compose runs a step through docker compose, one-shot, against a
// service declared in the project's compose file.
type Compose struct{}

func (c *Compose) Kind() models.StepKind { return models.StepKindCompose }

func (c *Compose) Execute(ctx context.Context, req *Request) (*Result, error) {
	step, ok := req.Step.(*models.ComposeStep)
	if !ok {
		return nil, ErrUnknownStepKind
	}
	common := step.Common()

	args := []string{"compose"}
	if step.ComposeFile != "" {
		args = append(args, "-f", step.ComposeFile)
	}
	args = append(args, "run", "--rm", "--no-deps")
	for _, kv := range environ(req.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, step.Service, "sh", "-c", common.Command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = req.Workspace
	return runCommand(ctx, cmd, req)
}
