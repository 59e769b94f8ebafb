package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/models"
)

func testResult(status models.BuildStatus) *BuildResult {
	return &BuildResult{
		Build: &models.Build{
			ID:          "b-1",
			JobID:       "j-1",
			BuildNumber: 42,
			Status:      status,
			Branch:      "main",
		},
		JobName:  "payments",
		Duration: 90 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestConsoleNotifier(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	require.NoError(t, c.Notify(context.Background(), testResult(models.BuildSuccess), nil))
	assert.Contains(t, buf.String(), "payments #42")
	assert.Contains(t, buf.String(), "[OK]")

	buf.Reset()
	require.NoError(t, c.Notify(context.Background(), testResult(models.BuildFailure), nil))
	assert.Contains(t, buf.String(), "[FAILED]")
}

func TestDispatcherFailOpen(t *testing.T) {
	d := NewDispatcher(&config.Config{}, testLogger())
	d.Register(&failingNotifier{})

	// A failing notifier and an unconfigured one must both be absorbed.
	d.Dispatch(context.Background(), testResult(models.BuildFailure), []models.NotifierSpec{
		{Type: "exploding"},
		{Type: "pagerduty"},
	})
}

type failingNotifier struct{}

func (f *failingNotifier) Type() string { return "exploding" }
func (f *failingNotifier) Notify(context.Context, *BuildResult, map[string]string) error {
	return assert.AnError
}

func TestDispatcherDerivesBuildURL(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(&config.Config{
		Server: &config.ServerConfig{ExternalURL: "https://ci.example.com"},
	}, testLogger())
	d.Register(NewConsole(&buf))

	res := testResult(models.BuildSuccess)
	d.Dispatch(context.Background(), res, []models.NotifierSpec{{Type: "console"}})
	assert.Equal(t, "https://ci.example.com/jobs/j-1/builds/42", res.URL)
}

func TestSlackNotifierPostsBlocks(t *testing.T) {
	var posted struct {
		Channel string `json:"channel"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		posted.Channel = r.FormValue("channel")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": posted.Channel})
	}))
	defer srv.Close()

	s := NewSlackWithAPIURL("xoxb-test", "#builds", srv.URL+"/")
	err := s.Notify(context.Background(), testResult(models.BuildFailure),
		map[string]string{"channel": "#payments-ci"})
	require.NoError(t, err)
	assert.Equal(t, "#payments-ci", posted.Channel)
}

func TestEmailNotifier(t *testing.T) {
	var gotTo []string
	var gotMsg string
	e := NewEmail(&config.EmailConfig{Host: "smtp.example.com", Port: 587, From: "ci@example.com"})
	e.send = func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	res := testResult(models.BuildFailure)
	res.FailedStep = "Unit"
	err := e.Notify(context.Background(), res, map[string]string{"to": "dev@example.com, ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dev@example.com", "ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [FAILED] payments #42")
	assert.Contains(t, gotMsg, "Failed:  Unit")

	err = e.Notify(context.Background(), res, nil)
	assert.ErrorContains(t, err, "no recipients")
}
