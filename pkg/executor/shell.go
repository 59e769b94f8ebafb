package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chengis/chengis/pkg/models"
)

// Shell runs a step's command through the system shell on the host, in
// the workspace directory. The process environment is the host environ
// overlaid with the merged step env.
type Shell struct{}

func (s *Shell) Kind() models.StepKind { return models.StepKindShell }

func (s *Shell) Execute(ctx context.Context, req *Request) (*Result, error) {
	common := req.Step.Common()
	cmd := exec.CommandContext(ctx, "sh", "-c", common.Command)
	cmd.Dir = req.Workspace
	if common.Dir != "" {
		cmd.Dir = filepath.Join(req.Workspace, common.Dir)
	}
	cmd.Env = append(os.Environ(), environ(req.Env)...)
	return runCommand(ctx, cmd, req)
}
