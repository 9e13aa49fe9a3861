package syncjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"billcore/internal/types"
)

// TaskRuns is the runner surface the executor drives.
type TaskRuns interface {
	RunContactSync(ctx context.Context, jobID string, w types.Window) error
	RunContactCount(ctx context.Context, jobID, projectID string, dayStart time.Time) error
	RunRetroactiveSync(ctx context.Context, jobID, projectID string, w types.Window) error
}

// Executor translates queued task envelopes into runner calls. It implements
// queue.TaskHandler.
type Executor struct {
	runner TaskRuns
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(runner TaskRuns, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, logger: logger}
}

// HandleTask decodes the envelope payload by kind and runs the matching task.
// Unknown kinds are dropped with a log line instead of erroring, so a newer
// producer does not wedge an older worker's queue.
func (e *Executor) HandleTask(ctx context.Context, env types.TaskEnvelope) error {
	switch env.Kind {
	case types.TaskSyncContacts:
		var task types.SyncContactsTask
		if err := decodePayload(env.Payload, &task); err != nil {
			return fmt.Errorf("decoding %s payload: %w", env.Kind, err)
		}
		return e.runner.RunContactSync(ctx, env.SyncJobID, types.Window{After: task.After, Before: task.Before})

	case types.TaskCountContacts:
		var task types.CountContactsTask
		if err := decodePayload(env.Payload, &task); err != nil {
			return fmt.Errorf("decoding %s payload: %w", env.Kind, err)
		}
		return e.runner.RunContactCount(ctx, env.SyncJobID, task.ProjectID, task.Day)

	case types.TaskRetroactiveSync:
		var task types.RetroactiveSyncTask
		if err := decodePayload(env.Payload, &task); err != nil {
			return fmt.Errorf("decoding %s payload: %w", env.Kind, err)
		}
		return e.runner.RunRetroactiveSync(ctx, env.SyncJobID, task.ProjectID, types.Window{After: task.After, Before: task.Before})

	default:
		e.logger.WarnContext(ctx, "dropping task with unknown kind",
			"task_id", env.TaskID,
			"kind", string(env.Kind),
		)
		return nil
	}
}

// decodePayload round-trips the generic payload map through JSON into the
// typed task struct. Timestamps in the payload are RFC3339 strings, which
// time.Time unmarshals natively.
func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
