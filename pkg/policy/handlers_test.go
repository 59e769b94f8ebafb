package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
)

func buildInput(branch string, p *models.Pipeline) Input {
	return Input{
		Build:    &models.Build{ID: "b-1", Branch: branch},
		Pipeline: p,
	}
}

func TestBranchRestriction(t *testing.T) {
	h := &BranchRestriction{}
	ctx := context.Background()

	tests := []struct {
		name    string
		branch  string
		config  map[string]any
		allowed bool
	}{
		{"denied glob wins", "release/1.2", map[string]any{"denied": []any{"release/*"}}, false},
		{"allowed glob passes", "main", map[string]any{"allowed": []any{"main", "release/*"}}, true},
		{"outside allowed set", "feature/x", map[string]any{"allowed": []any{"main"}}, false},
		{"deny beats allow", "main", map[string]any{"allowed": []any{"main"}, "denied": []any{"main"}}, false},
		{"no branch skips", "", map[string]any{"allowed": []any{"main"}}, true},
		{"empty config allows", "anything", map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := h.Evaluate(ctx, buildInput(tt.branch, nil), tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}
}

func TestTimeWindow(t *testing.T) {
	ctx := context.Background()
	at := func(ts time.Time) *TimeWindow {
		return &TimeWindow{Now: func() time.Time { return ts }}
	}
	config := map[string]any{
		"timezone": "UTC",
		"start":    "09:00",
		"end":      "17:00",
		"days":     []any{"Mon", "Tue", "Wed", "Thu", "Fri"},
	}

	// Wednesday 10:00 UTC.
	d, err := at(time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)).Evaluate(ctx, Input{}, config)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Wednesday 18:00 UTC: after hours.
	d, err = at(time.Date(2026, 8, 19, 18, 0, 0, 0, time.UTC)).Evaluate(ctx, Input{}, config)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Saturday inside hours: wrong day.
	d, err = at(time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)).Evaluate(ctx, Input{}, config)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestTimeWindowCrossesMidnight(t *testing.T) {
	ctx := context.Background()
	config := map[string]any{"start": "22:00", "end": "06:00"}
	h := &TimeWindow{Now: func() time.Time { return time.Date(2026, 8, 19, 23, 30, 0, 0, time.UTC) }}

	d, err := h.Evaluate(ctx, Input{}, config)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	h.Now = func() time.Time { return time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC) }
	d, err = h.Evaluate(ctx, Input{}, config)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestTimeWindowBadConfigErrors(t *testing.T) {
	h := &TimeWindow{}
	_, err := h.Evaluate(context.Background(), Input{}, map[string]any{"start": "late", "end": "17:00"})
	assert.Error(t, err)
}

func dockerPipeline(images ...string) *models.Pipeline {
	steps := make(models.Steps, 0, len(images))
	for _, img := range images {
		steps = append(steps, &models.DockerStep{
			StepCommon: models.StepCommon{Name: "s", Command: "true"},
			Image:      img,
		})
	}
	return &models.Pipeline{Stages: []models.StageDef{{Name: "build", Steps: steps}}}
}

func TestDockerImagePolicy(t *testing.T) {
	h := &DockerImage{}
	ctx := context.Background()

	d, err := h.Evaluate(ctx, buildInput("main", dockerPipeline("golang:1.25")),
		map[string]any{"denied": []any{"*:latest"}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = h.Evaluate(ctx, buildInput("main", dockerPipeline("evil:latest")),
		map[string]any{"denied": []any{"*:latest"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = h.Evaluate(ctx, buildInput("main", dockerPipeline("golang:1.25", "node:22")),
		map[string]any{"allowed": []any{"golang:*"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "node:22")
}

func TestDockerImageChecksStageContainers(t *testing.T) {
	h := &DockerImage{}
	p := &models.Pipeline{Stages: []models.StageDef{{
		Name:      "test",
		Container: &models.ContainerSpec{Image: "banned:1"},
		Steps:     models.Steps{&models.ShellStep{StepCommon: models.StepCommon{Name: "t", Command: "make"}}},
	}}}

	d, err := h.Evaluate(context.Background(), buildInput("main", p),
		map[string]any{"denied": []any{"banned:*"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestPluginTrustDefaultDeny(t *testing.T) {
	h := &PluginTrust{}
	ctx := context.Background()
	p := &models.Pipeline{Stages: []models.StageDef{{
		Name: "scan",
		Steps: models.Steps{&models.PluginStep{
			StepCommon: models.StepCommon{Name: "scan", Command: "scan"},
			Kind:       "trivy",
		}},
	}}}

	d, err := h.Evaluate(ctx, buildInput("main", p), map[string]any{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = h.Evaluate(ctx, buildInput("main", p), map[string]any{"trusted": []any{"trivy"}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
