package types

import "time"

// TaskKind discriminates queued task payloads. Values match SyncJobType so a
// worker can record the job it is executing without translation.
type TaskKind string

const (
	TaskSyncContacts    TaskKind = "sync_contacts"
	TaskCountContacts   TaskKind = "count_contacts"
	TaskRetroactiveSync TaskKind = "retroactive_sync"
)

// TaskEnvelope is the SQS transport envelope for dispatched work. The worker
// switches on Kind and unmarshals Payload into the matching task struct.
// JSON tags use snake_case to stay compatible with the dashboard's task
// inspector.
type TaskEnvelope struct {
	// Core identity
	TaskID string   `json:"task_id"`
	Kind   TaskKind `json:"kind"`

	// SyncJobID links the message back to the tracking row created at
	// dispatch time, so the worker completes the right job.
	SyncJobID string `json:"sync_job_id,omitempty"`

	// Observability
	RequestID  string    `json:"request_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Kind-specific body, one of SyncContactsTask, CountContactsTask,
	// RetroactiveSyncTask.
	Payload map[string]any `json:"payload"`
}

// SyncContactsTask reconciles active contacts for every project in the window.
type SyncContactsTask struct {
	After  time.Time `json:"after"`
	Before time.Time `json:"before"`
}

// CountContactsTask recounts active contacts for a single project and day.
type CountContactsTask struct {
	ProjectID string    `json:"project_id"`
	Day       time.Time `json:"day"`
}

// RetroactiveSyncTask backfills a historical window for one project.
type RetroactiveSyncTask struct {
	ProjectID string    `json:"project_id"`
	After     time.Time `json:"after"`
	Before    time.Time `json:"before"`
}
