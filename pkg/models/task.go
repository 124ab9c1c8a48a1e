package models

import (
	"time"
)

// TaskStatus tracks the lifecycle of a task's conversation stream.
type TaskStatus string

const (
	TaskInitializing TaskStatus = "INITIALIZING"
	TaskRunning      TaskStatus = "RUNNING"
	TaskCompleted    TaskStatus = "COMPLETED"
	TaskStopped      TaskStatus = "STOPPED"
	TaskFailed       TaskStatus = "FAILED"
	TaskArchived     TaskStatus = "ARCHIVED"
)

// Terminal reports whether no further status transition is allowed.
// Only ARCHIVED is terminal; COMPLETED/STOPPED/FAILED tasks accept new turns.
func (s TaskStatus) Terminal() bool {
	return s == TaskArchived
}

// InitStatus tracks whether the task's sandbox/workspace is provisioned.
type InitStatus string

const (
	InitInactive InitStatus = "INACTIVE"
	InitActive   InitStatus = "ACTIVE"
)

// Task is one user coding task bound to a cloned repository and a dedicated
// working branch. A task owns its messages, todos, and PR snapshots.
type Task struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	RepoFullName   string     `json:"repo_full_name"`
	RepoURL        string     `json:"repo_url"`
	BaseBranch     string     `json:"base_branch"`
	ShadowBranch   string     `json:"shadow_branch"`
	BaseCommitHash string     `json:"base_commit_hash,omitempty"`
	MainModel      string     `json:"main_model"`
	Status         TaskStatus `json:"status"`
	InitStatus     InitStatus `json:"init_status"`

	// PullRequestNumber is zero until the PR worker opens a draft PR.
	PullRequestNumber int `json:"pull_request_number,omitempty"`

	// WorkspacePath is set in local mode; empty when the workspace lives
	// inside a remote sandbox pod.
	WorkspacePath string `json:"workspace_path,omitempty"`

	LastActivityAt     time.Time  `json:"last_activity_at"`
	ScheduledCleanupAt *time.Time `json:"scheduled_cleanup_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CanTransition validates a status transition against the task state machine.
func (t *Task) CanTransition(to TaskStatus) bool {
	if t.Status == to {
		return true
	}
	if t.Status.Terminal() {
		return false
	}
	switch to {
	case TaskInitializing:
		return t.Status == TaskCompleted || t.Status == TaskStopped || t.Status == TaskFailed
	case TaskRunning:
		return true
	case TaskCompleted, TaskStopped, TaskFailed:
		return t.Status == TaskRunning || t.Status == TaskInitializing
	case TaskArchived:
		return true
	}
	return false
}
