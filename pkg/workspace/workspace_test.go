package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/pipeline"
)

func testManager(t *testing.T, retain bool) *Manager {
	t.Helper()
	return NewManager(&config.WorkspaceConfig{
		Root:            t.TempDir(),
		RetainOnFailure: retain,
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestPrepareWithoutSource(t *testing.T) {
	m := testManager(t, false)
	build := &models.Build{ID: "b-1", JobID: "j-1"}

	dir, err := m.Prepare(context.Background(), build, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Path(build), dir)
	assert.DirExists(t, dir)
}

func TestDiscoverPipelinePrefersChengisfile(t *testing.T) {
	m := testManager(t, false)
	build := &models.Build{ID: "b-1", JobID: "j-1"}
	dir, err := m.Prepare(context.Background(), build, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".chengis"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chengis", "workflow.yml"),
		[]byte("stages:\n  - name: Build\n    steps:\n      - name: s\n        run: 'true'\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chengisfile"),
		[]byte(`{:name "native" :stages [{:name "Build" :steps [{:name "s" :run "true"}]}]}`), 0o644))

	p, rel, err := m.DiscoverPipeline(dir, pipeline.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, "Chengisfile", rel)
	assert.Equal(t, "native", p.Name)
}

func TestDiscoverPipelineMissing(t *testing.T) {
	m := testManager(t, false)
	dir, err := m.Prepare(context.Background(), &models.Build{ID: "b-1", JobID: "j-1"}, nil)
	require.NoError(t, err)

	_, _, err = m.DiscoverPipeline(dir, pipeline.NewRegistry())
	assert.ErrorIs(t, err, ErrNoPipelineFile)
}

func TestCleanupRetainsFailedWorkspaces(t *testing.T) {
	m := testManager(t, true)
	build := &models.Build{ID: "b-1", JobID: "j-1"}
	dir, err := m.Prepare(context.Background(), build, nil)
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(build, true))
	assert.DirExists(t, dir)

	require.NoError(t, m.Cleanup(build, false))
	assert.NoDirExists(t, dir)
}
