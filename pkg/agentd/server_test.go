package agentd

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/runner"
)

func testDaemon(t *testing.T, authToken string) *Daemon {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	remote := NewRemoteStore(nil, "agent-1")
	run := runner.New(runner.Options{
		Store:         remote,
		Executors:     executor.NewRegistry(),
		Logger:        logger,
		MaxConcurrent: 1,
	})
	return NewDaemon(Options{
		AgentID:   "agent-1",
		MaxBuilds: 1,
		Store:     remote,
		Runner:    run,
		AuthToken: authToken,
		Logger:    logger,
	})
}

func TestHealthReportsCapacity(t *testing.T) {
	router := testDaemon(t, "").Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"capacity":1`)
}

func TestAssignmentEndpointsRequireToken(t *testing.T) {
	router := testDaemon(t, "secret").Router()

	for _, tc := range []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusBadRequest}, // passes auth, fails binding
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{}`))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestAcceptBuildRejectsIncompleteAssignment(t *testing.T) {
	router := testDaemon(t, "").Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/build",
		strings.NewReader(`{"build": {"id": "build-1"}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing build or job")
}

func TestCancelBuildFlagsStore(t *testing.T) {
	d := testDaemon(t, "")
	router := d.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cancel",
		strings.NewReader(`{"build_id": "build-7"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	cancelled, err := d.store.CancelRequested(req.Context(), "build-7")
	require.NoError(t, err)
	assert.True(t, cancelled)
}
