package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

func TestRegisterDecodesAssignedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var in models.Agent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.ID = "agent-42"
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(&in))
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, "tok", 0)
	agent, err := client.Register(context.Background(), &models.Agent{Name: "worker", URL: "http://w:8090"})
	require.NoError(t, err)
	assert.Equal(t, "agent-42", agent.ID)
	assert.Equal(t, "worker", agent.Name)
}

func TestReportStatusCarriesOutcome(t *testing.T) {
	var got statusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/agent-1/builds/build-1/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exit := 2
	client := NewMasterClient(srv.URL, "", 0)
	err := client.ReportStatus(context.Background(), "agent-1", "build-1",
		models.BuildRunning, models.BuildFailure,
		&store.BuildOutcome{FailedStep: "unit tests", ExitCode: &exit, ErrorMessage: "exit status 2"})
	require.NoError(t, err)

	assert.Equal(t, models.BuildRunning, got.From)
	assert.Equal(t, models.BuildFailure, got.To)
	assert.Equal(t, "unit tests", got.Outcome.FailedStep)
	require.NotNil(t, got.Outcome.ExitCode)
	assert.Equal(t, 2, *got.Outcome.ExitCode)
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, "", 3)
	err := client.Heartbeat(context.Background(), "agent-1", 0)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "4xx is permanent")
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, "", 3)
	err := client.Heartbeat(context.Background(), "agent-1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}
