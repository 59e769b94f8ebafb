// Package workspace manages per-build working directories: checkout,
// pipeline file discovery, and cleanup.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/pipeline"
)

// ErrNoPipelineFile is returned when a checkout contains none of the
// recognised pipeline file locations.
var ErrNoPipelineFile = errors.New("no pipeline file in repository")

// defaultCloneDepth is used when the source spec does not set one.
const defaultCloneDepth = 1

// Manager creates and disposes build workspaces under a single root.
// Workspaces are laid out as <root>/<job-id>/<build-id>.
type Manager struct {
	root            string
	retainOnFailure bool
	logger          *slog.Logger
}

// NewManager returns a workspace manager for the configured root.
func NewManager(cfg *config.WorkspaceConfig, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultWorkspaceConfig()
	}
	return &Manager{
		root:            cfg.Root,
		retainOnFailure: cfg.RetainOnFailure,
		logger:          logger.With("component", "workspace"),
	}
}

// Path returns the workspace directory for a build without creating it.
func (m *Manager) Path(build *models.Build) string {
	return filepath.Join(m.root, build.JobID, build.ID)
}

// Prepare creates the workspace directory and, when the pipeline declares
// a source, performs a shallow checkout of the requested branch or commit.
func (m *Manager) Prepare(ctx context.Context, build *models.Build, src *models.SourceSpec) (string, error) {
	dir := m.Path(build)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	if src == nil || src.URL == "" {
		return dir, nil
	}
	if err := m.checkout(ctx, dir, build, src); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (m *Manager) checkout(ctx context.Context, dir string, build *models.Build, src *models.SourceSpec) error {
	depth := src.Depth
	if depth <= 0 {
		depth = defaultCloneDepth
	}
	branch := build.Branch
	if branch == "" {
		branch = src.Branch
	}

	args := []string{"clone", "--depth", fmt.Sprint(depth), "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, src.URL, dir)
	if err := m.git(ctx, "", args...); err != nil {
		return fmt.Errorf("cloning %s: %w", src.URL, err)
	}

	// A webhook build pins the exact commit; the shallow clone may have
	// moved past it, so fetch it explicitly.
	if sha := build.CommitSHA; sha != "" {
		if err := m.git(ctx, dir, "fetch", "--depth", "1", "origin", sha); err != nil {
			return fmt.Errorf("fetching %s: %w", sha, err)
		}
		if err := m.git(ctx, dir, "checkout", "--detach", sha); err != nil {
			return fmt.Errorf("checking out %s: %w", sha, err)
		}
	}

	m.logger.Info("workspace ready",
		"build_id", build.ID,
		"dir", dir,
		"branch", branch,
		"commit", build.CommitSHA)
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// DiscoverPipeline finds and parses the pipeline file in a checkout,
// trying the recognised locations in order.
func (m *Manager) DiscoverPipeline(dir string, reg *pipeline.Registry) (*models.Pipeline, string, error) {
	for _, rel := range pipeline.DiscoveryOrder {
		path := filepath.Join(dir, rel)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > pipeline.MaxFileSize {
			return nil, rel, pipeline.ErrFileTooLarge
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, rel, fmt.Errorf("reading %s: %w", rel, err)
		}
		p, err := reg.Parse(rel, data)
		if err != nil {
			return nil, rel, err
		}
		return p, rel, nil
	}
	return nil, "", ErrNoPipelineFile
}

// Cleanup removes a build's workspace. Failed builds keep their
// workspace when retention is configured.
func (m *Manager) Cleanup(build *models.Build, failed bool) error {
	if failed && m.retainOnFailure {
		m.logger.Info("retaining workspace of failed build", "build_id", build.ID)
		return nil
	}
	dir := m.Path(build)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}
