package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/store"
)

// maxWebhookBody caps webhook payloads.
const maxWebhookBody = 5 << 20

// pushEvent is the provider-neutral shape of a push delivery.
type pushEvent struct {
	provider  string
	eventID   string
	eventType string
	repoURLs  []string
	branch    string
	commitSHA string
}

func (s *Server) githubWebhook(c *gin.Context) {
	body, ok := s.readWebhookBody(c)
	if !ok {
		return
	}
	secret := s.webhookSecret(func(w *webhookSecrets) string { return w.github })
	if !verifyGitHubSignature(secret, body, c.GetHeader("X-Hub-Signature-256")) {
		s.recordInvalidSignature(c, "github", c.GetHeader("X-GitHub-Delivery"), len(body))
		return
	}

	var payload struct {
		Ref        string `json:"ref"`
		After      string `json:"after"`
		Repository struct {
			CloneURL string `json:"clone_url"`
			SSHURL   string `json:"ssh_url"`
			HTMLURL  string `json:"html_url"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	s.processPush(c, &pushEvent{
		provider:  "github",
		eventID:   c.GetHeader("X-GitHub-Delivery"),
		eventType: c.GetHeader("X-GitHub-Event"),
		repoURLs:  []string{payload.Repository.CloneURL, payload.Repository.SSHURL, payload.Repository.HTMLURL},
		branch:    strings.TrimPrefix(payload.Ref, "refs/heads/"),
		commitSHA: payload.After,
	}, len(body))
}

func (s *Server) gitlabWebhook(c *gin.Context) {
	body, ok := s.readWebhookBody(c)
	if !ok {
		return
	}
	secret := s.webhookSecret(func(w *webhookSecrets) string { return w.gitlab })
	if !verifyGitLabToken(secret, c.GetHeader("X-Gitlab-Token")) {
		s.recordInvalidSignature(c, "gitlab", c.GetHeader("X-Gitlab-Event-UUID"), len(body))
		return
	}

	var payload struct {
		Ref         string `json:"ref"`
		CheckoutSHA string `json:"checkout_sha"`
		Project     struct {
			GitHTTPURL string `json:"git_http_url"`
			GitSSHURL  string `json:"git_ssh_url"`
			WebURL     string `json:"web_url"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	eventType := "push"
	if t := c.GetHeader("X-Gitlab-Event"); t != "" {
		eventType = strings.ToLower(strings.TrimSuffix(t, " Hook"))
	}
	eventID := c.GetHeader("X-Gitlab-Event-UUID")
	if eventID == "" {
		// Older GitLab versions omit the delivery UUID; derive a stable
		// dedup key from the event itself so redeliveries still collapse.
		sum := sha256.Sum256([]byte(eventType + "|" + payload.Project.GitHTTPURL + "|" + payload.CheckoutSHA))
		eventID = hex.EncodeToString(sum[:])
	}
	s.processPush(c, &pushEvent{
		provider:  "gitlab",
		eventID:   eventID,
		eventType: eventType,
		repoURLs:  []string{payload.Project.GitHTTPURL, payload.Project.GitSSHURL, payload.Project.WebURL},
		branch:    strings.TrimPrefix(payload.Ref, "refs/heads/"),
		commitSHA: payload.CheckoutSHA,
	}, len(body))
}

// processPush deduplicates the delivery, fans out builds to matching
// jobs, and records the outcome on the delivery row.
func (s *Server) processPush(c *gin.Context, ev *pushEvent, payloadSize int) {
	ctx := c.Request.Context()
	start := time.Now()

	if ev.eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing delivery id"})
		return
	}
	row := &models.WebhookEvent{
		Provider:        ev.provider,
		ProviderEventID: ev.eventID,
		EventType:       ev.eventType,
		RepoURL:         first(ev.repoURLs),
		Branch:          ev.branch,
		CommitSHA:       ev.commitSHA,
		SignatureValid:  true,
		Status:          "received",
		PayloadSize:     payloadSize,
	}
	if err := s.store.RecordWebhookEvent(ctx, row); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Redelivery; the first delivery already triggered builds.
			s.countWebhook(ev.provider, "duplicate")
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		s.respondError(c, err)
		return
	}

	if ev.eventType != "push" {
		s.finishWebhook(ctx, row.ID, "ignored", 0, 0, start)
		s.countWebhook(ev.provider, "ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unsupported event type"})
		return
	}

	matched, triggered := 0, 0
	seen := map[string]bool{}
	queried := map[string]bool{}
	for _, url := range ev.repoURLs {
		if url == "" {
			continue
		}
		// Providers send the same repository as clone/ssh/web URLs;
		// matching is normalized, so one lookup per distinct form.
		norm := store.NormalizeRepoURL(url)
		if queried[norm] {
			continue
		}
		queried[norm] = true
		jobs, err := s.store.ListJobsBySourceURL(ctx, url)
		if err != nil {
			s.logger.Error("webhook job match failed", "url", url, "error", err)
			continue
		}
		for _, job := range jobs {
			if seen[job.ID] {
				continue
			}
			seen[job.ID] = true
			matched++
			if !branchTriggers(job.Pipeline, ev.branch) {
				continue
			}
			_, err := s.store.CreateBuild(ctx, store.NewBuild{
				JobID: job.ID,
				OrgID: job.OrgID,
				Trigger: models.Trigger{
					Kind:      models.TriggerWebhook,
					Branch:    ev.branch,
					CommitSHA: ev.commitSHA,
				},
			})
			if err != nil {
				s.logger.Error("webhook build creation failed", "job_id", job.ID, "error", err)
				continue
			}
			triggered++
		}
	}

	s.finishWebhook(ctx, row.ID, "processed", matched, triggered, start)
	s.countWebhook(ev.provider, "processed")
	if triggered > 0 {
		s.wake()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "processed",
		"matched_jobs":     matched,
		"triggered_builds": triggered,
	})
}

// branchTriggers applies the pipeline's push-trigger filter. A pipeline
// without declared triggers builds every push.
func branchTriggers(p *models.Pipeline, branch string) bool {
	if p == nil || p.Triggers == nil || len(p.Triggers.PushBranches) == 0 {
		return true
	}
	for _, pattern := range p.Triggers.PushBranches {
		if pattern == branch {
			return true
		}
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Server) readWebhookBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return nil, false
	}
	return body, true
}

// recordInvalidSignature logs the rejected delivery for operator
// visibility and returns 401. Build triggers never fire from it.
func (s *Server) recordInvalidSignature(c *gin.Context, provider, eventID string, payloadSize int) {
	if eventID != "" {
		err := s.store.RecordWebhookEvent(c.Request.Context(), &models.WebhookEvent{
			Provider:        provider,
			ProviderEventID: eventID,
			SignatureValid:  false,
			Status:          "rejected",
			PayloadSize:     payloadSize,
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Error("recording rejected webhook failed", "provider", provider, "error", err)
		}
	}
	s.countWebhook(provider, "rejected")
	c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
}

func (s *Server) finishWebhook(ctx context.Context, webhookID, status string, matched, triggered int, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	if err := s.store.UpdateWebhookOutcome(ctx, webhookID, status, matched, triggered, elapsed); err != nil {
		s.logger.Error("updating webhook outcome failed", "webhook_id", webhookID, "error", err)
	}
}

func (s *Server) countWebhook(provider, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhooksTotal.WithLabelValues(provider, outcome).Inc()
	}
}

type webhookSecrets struct {
	github string
	gitlab string
}

func (s *Server) webhookSecret(pick func(*webhookSecrets) string) string {
	cfg := s.cfg
	var w webhookSecrets
	if cfg != nil && cfg.Webhooks != nil {
		w.github = os.Getenv(cfg.Webhooks.GitHubSecretEnv)
		w.gitlab = os.Getenv(cfg.Webhooks.GitLabSecretEnv)
	}
	return pick(&w)
}

// verifyGitHubSignature checks the sha256 HMAC GitHub sends in
// X-Hub-Signature-256. With no secret configured, verification is
// skipped; intended only for local development.
func verifyGitHubSignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

// verifyGitLabToken compares GitLab's shared-token header.
func verifyGitLabToken(secret, header string) bool {
	if secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(header)) == 1
}

func first(urls []string) string {
	for _, u := range urls {
		if u != "" {
			return u
		}
	}
	return ""
}
