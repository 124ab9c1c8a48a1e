package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/shadowrealm-ai/shadow/internal/github"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// pullRequestEvent is the subset of the GitHub pull_request payload the sink
// cares about.
type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHubWebhook archives tasks whose pull request was closed. Signature
// or payload failures return early with no side-effects.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.WebhookSecret == "" {
		writeError(w, http.StatusNotFound, "webhooks not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !github.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		webhooksReceived.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if r.Header.Get("X-GitHub-Event") != "pull_request" {
		webhooksReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	number := event.Number
	if number == 0 {
		number = event.PullRequest.Number
	}
	if event.Action != "closed" || number == 0 || event.Repository.FullName == "" {
		webhooksReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	archived, err := s.cfg.Kernel.ArchiveTasksForPR(r.Context(), event.Repository.FullName, number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	webhooksReceived.WithLabelValues("processed").Inc()
	s.logger.Info("archived tasks for closed PR",
		"repo", event.Repository.FullName, "pr", number, "archived", archived)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "archived": archived})
}
