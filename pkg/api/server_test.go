package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/database"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/secrets"
	"github.com/chengis/chengis/pkg/store"
)

func testServer(t *testing.T, cfg *config.Config) (*Server, *gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewServer(Options{
		Config: cfg,
		Store:  store.New(database.NewClientFromDB(db)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, s.Router(), mock
}

func TestHealth(t *testing.T) {
	_, router, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	t.Setenv("CHENGIS_TEST_TOKEN", "sekrit")
	cfg := &config.Config{Server: &config.ServerConfig{AuthTokenEnv: "CHENGIS_TEST_TOKEN"}}

	t.Run("missing token is rejected", func(t *testing.T) {
		_, router, _ := testServer(t, cfg)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/gates/pending", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong token is rejected", func(t *testing.T) {
		_, router, _ := testServer(t, cfg)
		req := httptest.NewRequest(http.MethodGet, "/api/gates/pending", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token passes through", func(t *testing.T) {
		_, router, mock := testServer(t, cfg)
		mock.ExpectQuery(`SELECT .+ FROM approval_gates`).
			WillReturnRows(sqlmock.NewRows([]string{"gate_id"}))
		req := httptest.NewRequest(http.MethodGet, "/api/gates/pending", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func githubRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-GitHub-Event", "push")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	return req
}

func webhookConfig(t *testing.T, secret string) *config.Config {
	t.Helper()
	t.Setenv("CHENGIS_TEST_GH_SECRET", secret)
	return &config.Config{
		Webhooks: &config.WebhooksConfig{GitHubSecretEnv: "CHENGIS_TEST_GH_SECRET"},
	}
}

func TestGitHubWebhookRejectsBadSignature(t *testing.T) {
	cfg := webhookConfig(t, "hush")
	_, router, mock := testServer(t, cfg)
	// The rejected delivery is still logged for operators.
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"ref":"refs/heads/main"}`)
	req := githubRequest(t, body, "wrong-secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGitHubWebhookProcessesPush(t *testing.T) {
	cfg := webhookConfig(t, "hush")
	_, router, mock := testServer(t, cfg)
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE pipeline`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectExec(`UPDATE webhook_events SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The clone and ssh URLs normalize to the same repository, so the
	// delivery matches jobs with a single lookup.
	body := []byte(`{"ref":"refs/heads/main","after":"abc123",` +
		`"repository":{"clone_url":"https://git.example.com/acme/app.git",` +
		`"ssh_url":"git@git.example.com:acme/app.git"}}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, githubRequest(t, body, "hush"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGitLabWebhookWithoutDeliveryUUID(t *testing.T) {
	t.Setenv("CHENGIS_TEST_GL_SECRET", "hush")
	cfg := &config.Config{
		Webhooks: &config.WebhooksConfig{GitLabSecretEnv: "CHENGIS_TEST_GL_SECRET"},
	}
	_, router, mock := testServer(t, cfg)
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE pipeline`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectExec(`UPDATE webhook_events SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// No X-Gitlab-Event-UUID header: the derived dedup key still lets
	// the delivery through.
	body := []byte(`{"ref":"refs/heads/main","checkout_sha":"abc123",` +
		`"project":{"git_http_url":"https://gitlab.example.com/acme/app.git"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", "hush")
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGitHubWebhookDeduplicatesRedelivery(t *testing.T) {
	cfg := webhookConfig(t, "hush")
	_, router, mock := testServer(t, cfg)
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnError(errors.New(`duplicate key value violates unique constraint (SQLSTATE 23505)`))

	body := []byte(`{"ref":"refs/heads/main",` +
		`"repository":{"clone_url":"https://git.example.com/acme/app.git"}}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, githubRequest(t, body, "hush"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"duplicate"`)
}

func TestGitHubWebhookIgnoresNonPushEvents(t *testing.T) {
	cfg := webhookConfig(t, "hush")
	_, router, mock := testServer(t, cfg)
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE webhook_events SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"ref":"refs/tags/v1.0.0"}`)
	req := githubRequest(t, body, "hush")
	req.Header.Set("X-GitHub-Event", "ping")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ignored"`)
}

func TestGitLabWebhookRejectsBadToken(t *testing.T) {
	t.Setenv("CHENGIS_TEST_GL_SECRET", "hush")
	cfg := &config.Config{
		Webhooks: &config.WebhooksConfig{GitLabSecretEnv: "CHENGIS_TEST_GL_SECRET"},
	}
	_, router, _ := testServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab",
		bytes.NewReader([]byte(`{"ref":"refs/heads/main"}`)))
	req.Header.Set("X-Gitlab-Token", "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBranchTriggerFilter(t *testing.T) {
	pipelineWith := func(branches ...string) *models.Pipeline {
		return &models.Pipeline{Triggers: &models.TriggerSpec{PushBranches: branches}}
	}
	assert.True(t, branchTriggers(nil, "main"))
	assert.True(t, branchTriggers(&models.Pipeline{}, "main"))
	assert.True(t, branchTriggers(pipelineWith("main"), "main"))
	assert.True(t, branchTriggers(pipelineWith("release/*"), "release/1.2"))
	assert.False(t, branchTriggers(pipelineWith("main"), "feature/x"))
}

func TestRespondErrorMapping(t *testing.T) {
	s, _, _ := testServer(t, nil)
	cases := []struct {
		err  error
		code int
	}{
		{store.NewValidationError("name", "required"), http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrAlreadyExists, http.StatusConflict},
		{store.ErrStaleTransition, http.StatusConflict},
		{store.ErrInvalidCursor, http.StatusBadRequest},
		{policy.ErrNotEligible, http.StatusForbidden},
		{secrets.ErrMissingSecret, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		s.respondError(c, tc.err)
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	_, router, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agents",
		bytes.NewReader([]byte(`{"name":"worker-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	// URL is required for the master to reach the agent.
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateScheduleRejectsBadExpression(t *testing.T) {
	_, router, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/j-1/schedules",
		bytes.NewReader([]byte(`{"expression":"not a cron"}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid cron expression")
}

func TestStepOutputRejectsUnknownSource(t *testing.T) {
	_, router, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/steps/s-1/output?source=combined", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
