// Package sandbox provisions the isolated environment a task's tools run in.
// The kubernetes backend runs a per-task pod whose init container clones the
// repository and whose sidecar container serves the tool-executor HTTP
// surface. The local backend is a plain directory for development.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// Status is the coarse sandbox lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
	StatusTerminating Status = "terminating"
	StatusNotFound    Status = "not-found"
)

// Handle addresses a provisioned sandbox.
type Handle struct {
	// Name is the backend-specific identifier (pod name or directory).
	Name string
	// Address is the sidecar base URL, empty until the sandbox is ready
	// and always empty for the local backend.
	Address string
	// WorkspacePath is where the repository is mounted inside the sandbox.
	WorkspacePath string
}

// Labels applied to sandbox pods, used for selection and cleanup.
const (
	LabelTaskID = "shadow.ai/task-id"
	LabelUserID = "shadow.ai/user-id"
	LabelApp    = "app"
	AppName     = "shadow-sandbox"
)

// DefaultReadyTimeout bounds the readiness wait.
const DefaultReadyTimeout = 300 * time.Second

// Controller provisions, observes, and tears down sandboxes. Teardown is
// idempotent: deleting an absent sandbox is a no-op.
type Controller interface {
	// Create provisions the sandbox. The GitHub token is injected into the
	// clone step and never persisted.
	Create(ctx context.Context, task *models.Task, gitHubToken string) (*Handle, error)

	// WaitReady blocks until the sandbox is serving or the timeout fires,
	// failing fast when the backend reports a terminal failure.
	WaitReady(ctx context.Context, task *models.Task, timeout time.Duration) (*Handle, error)

	// Address returns the sidecar base URL for a ready sandbox.
	Address(ctx context.Context, task *models.Task) (string, error)

	// Status reports the sandbox lifecycle state.
	Status(ctx context.Context, task *models.Task) (Status, error)

	// Delete tears the sandbox down.
	Delete(ctx context.Context, task *models.Task) error
}

// PodName derives a DNS-1123-safe pod name from a task id.
func PodName(taskID string) string {
	sanitized := sanitizeName(taskID)
	name := "shadow-task-" + sanitized
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
