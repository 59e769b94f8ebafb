// Package artifacts copies files matched by pipeline artifact patterns
// out of build workspaces into content-addressed storage and verifies
// them on retrieval.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
)

// MetadataStore is the subset of the store the artifact manager needs.
type MetadataStore interface {
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, buildID, filename string) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, buildID string) ([]*models.Artifact, error)
	DeleteArtifact(ctx context.Context, artifactID string) error
}

// Manager stores artifacts under <root>/<build-id>/<relative-path>.
type Manager struct {
	root   string
	store  MetadataStore
	logger *slog.Logger
}

// NewManager returns an artifact manager rooted at the configured
// directory.
func NewManager(cfg *config.ArtifactsConfig, st MetadataStore, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultArtifactsConfig()
	}
	return &Manager{
		root:   cfg.Root,
		store:  st,
		logger: logger.With("component", "artifacts"),
	}
}

// Save collects every file matching the patterns, relative to the
// workspace, into artifact storage. Patterns that match nothing are not
// an error; the build simply produces fewer artifacts.
func (m *Manager) Save(ctx context.Context, build *models.Build, workspace string, patterns []string) ([]*models.Artifact, error) {
	seen := map[string]bool{}
	var saved []*models.Artifact
	fsys := os.DirFS(workspace)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return saved, fmt.Errorf("artifact pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true
			info, err := fs.Stat(fsys, rel)
			if err != nil || info.IsDir() {
				continue
			}
			a, err := m.saveOne(ctx, build, workspace, rel, info.Size())
			if err != nil {
				return saved, err
			}
			saved = append(saved, a)
		}
	}
	if len(saved) > 0 {
		m.logger.Info("artifacts saved", "build_id", build.ID, "count", len(saved))
	}
	return saved, nil
}

func (m *Manager) saveOne(ctx context.Context, build *models.Build, workspace, rel string, size int64) (*models.Artifact, error) {
	src, err := os.Open(filepath.Join(workspace, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", rel, err)
	}
	defer src.Close()

	dstPath := filepath.Join(m.root, build.ID, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("creating artifact %s: %w", rel, err)
	}
	defer dst.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return nil, fmt.Errorf("copying artifact %s: %w", rel, err)
	}

	a := &models.Artifact{
		BuildID:     build.ID,
		Filename:    rel,
		Path:        dstPath,
		Size:        size,
		ContentType: contentType(rel),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	}
	if err := m.store.CreateArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Open returns a reader over a stored artifact's content.
func (m *Manager) Open(a *models.Artifact) (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// VerifyResult reports a checksum comparison. Computed is empty when the
// file could not be read.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Expected string `json:"expected"`
	Computed string `json:"computed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the stored file's checksum against the recorded one.
func (m *Manager) Verify(a *models.Artifact) VerifyResult {
	f, err := os.Open(a.Path)
	if err != nil {
		return VerifyResult{Expected: a.SHA256, Reason: "artifact file missing"}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return VerifyResult{Expected: a.SHA256, Reason: "artifact file unreadable"}
	}
	computed := hex.EncodeToString(h.Sum(nil))
	res := VerifyResult{
		Valid:    computed == a.SHA256,
		Expected: a.SHA256,
		Computed: computed,
	}
	if !res.Valid {
		res.Reason = "checksum mismatch"
	}
	return res
}

// Remove deletes the artifact file and its metadata row. A missing file
// does not block removing the row.
func (m *Manager) Remove(ctx context.Context, a *models.Artifact) error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing artifact file: %w", err)
	}
	return m.store.DeleteArtifact(ctx, a.ID)
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
