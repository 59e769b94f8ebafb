package executor

import (
	"context"
	"os/exec"
	"path"

	"github.com/chengis/chengis/pkg/models"
)

// containerWorkspace is where the build workspace is mounted inside step
// containers.
const containerWorkspace = "/workspace"

// Docker runs a step inside a container image via the docker CLI. Each
// step gets a fresh container; only the workspace mount is shared with
// other steps.
type Docker struct{}

func (d *Docker) Kind() models.StepKind { return models.StepKindDocker }

func (d *Docker) Execute(ctx context.Context, req *Request) (*Result, error) {
	common := req.Step.Common()

	image := ""
	var volumes []string
	workdir := containerWorkspace
	network := ""
	pull := models.PullPolicy("")

	// The surrounding stage/pipeline container supplies defaults; an
	// explicit container step overrides them.
	if c := req.Container; c != nil {
		image = c.Image
		volumes = c.Volumes
		if c.Workdir != "" {
			workdir = c.Workdir
		}
		pull = c.PullPolicy
	}
	if step, ok := req.Step.(*models.DockerStep); ok {
		if step.Image != "" {
			image = step.Image
		}
		volumes = append(volumes, step.Volumes...)
		if step.Workdir != "" {
			workdir = step.Workdir
		}
		network = step.Network
		if step.PullPolicy != "" {
			pull = step.PullPolicy
		}
	}
	if common.Dir != "" {
		workdir = path.Join(workdir, common.Dir)
	}

	args := []string{"run", "--rm",
		"-v", req.Workspace + ":" + containerWorkspace,
		"-w", workdir,
	}
	switch pull {
	case models.PullAlways:
		args = append(args, "--pull", "always")
	case models.PullNever:
		args = append(args, "--pull", "never")
	case models.PullIfNotPresent:
		args = append(args, "--pull", "missing")
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	for _, v := range volumes {
		args = append(args, "-v", v)
	}
	for _, kv := range environ(req.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, image, "sh", "-c", common.Command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	return runCommand(ctx, cmd, req)
}
