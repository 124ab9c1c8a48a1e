package models

import "time"

// SnapshotStatus distinguishes the PR transition a snapshot records.
type SnapshotStatus string

const (
	SnapshotCreated SnapshotStatus = "CREATED"
	SnapshotUpdated SnapshotStatus = "UPDATED"
)

// PRSnapshot records one pull-request transition bound to the assistant
// message whose completion caused it.
type PRSnapshot struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	MessageID    string         `json:"message_id"`
	Status       SnapshotStatus `json:"status"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	FilesChanged int            `json:"files_changed"`
	LinesAdded   int            `json:"lines_added"`
	LinesRemoved int            `json:"lines_removed"`
	CommitSHA    string         `json:"commit_sha"`
	CreatedAt    time.Time      `json:"created_at"`
}
