// Package executor runs individual pipeline steps. Executors are keyed
// by step kind in a registry so plugins can contribute new kinds; the
// built-in kinds are shell, container, and container-compose.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/chengis/chengis/pkg/models"
)

// termGrace is how long a timed-out or cancelled process gets between
// SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// ErrUnknownStepKind is returned when no executor is registered for a
// step's kind.
var ErrUnknownStepKind = errors.New("unknown step kind")

// Request carries everything an executor needs to run one step. Env is
// the fully-merged step environment; Container is the surrounding stage
// or pipeline container, nil for host execution.
type Request struct {
	Step      models.Step
	Workspace string
	Env       map[string]string
	Container *models.ContainerSpec
	Output    *Collector
}

// Result is the outcome of one step execution.
type Result struct {
	Status   models.StepStatus
	ExitCode int
	// Message carries the failure detail shown to users; empty on success.
	Message string
}

// Executor runs steps of one kind.
type Executor interface {
	Kind() models.StepKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps step kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.StepKind]Executor
}

// NewRegistry returns a registry with the built-in executors registered.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[models.StepKind]Executor)}
	r.Register(&Shell{})
	r.Register(&Docker{})
	r.Register(&Compose{})
	return r
}

// Register adds an executor, replacing any previous one for the kind.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind models.StepKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepKind, kind)
	}
	return e, nil
}

// Execute dispatches a step to its executor, applying the step timeout.
// A deadline hit maps to timed_out, any other context cancellation to
// aborted.
func (r *Registry) Execute(ctx context.Context, req *Request) (*Result, error) {
	exec, err := r.Get(req.Step.StepKind())
	if err != nil {
		return nil, err
	}
	if t := req.Step.Common().Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return exec.Execute(ctx, req)
}

// runCommand executes a prepared command with the SIGTERM-then-SIGKILL
// ladder and classifies the outcome.
func runCommand(ctx context.Context, cmd *exec.Cmd, req *Request) (*Result, error) {
	cmd.Stdout = req.Output.Writer(SourceStdout)
	cmd.Stderr = req.Output.Writer(SourceStderr)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	err := cmd.Run()
	req.Output.Flush()

	if err == nil {
		return &Result{Status: models.StepSuccess}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		status := models.StepAborted
		msg := "step aborted"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			status = models.StepTimedOut
			msg = "step timed out"
		}
		return &Result{Status: status, ExitCode: exitCode(err), Message: msg}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{
			Status:   models.StepFailure,
			ExitCode: exitErr.ExitCode(),
			Message:  fmt.Sprintf("exit code %d", exitErr.ExitCode()),
		}, nil
	}
	return nil, fmt.Errorf("starting step: %w", err)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// environ flattens an env map into sorted KEY=VALUE form.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// MergeEnv layers env maps left to right, later maps winning per key.
// The runner calls this with process, pipeline, stage, and step env in
// that order.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
