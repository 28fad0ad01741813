package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/hive/server/internal/store"
)

// BlockedReason computes t's blocked_reason on read; it is never persisted
// (spec §4.F "Blocked computation" — recomputed on every list/get).
func (e *Engine) BlockedReason(ctx context.Context, t store.Task, now time.Time) (string, error) {
	if t.OnOrAfterAt != nil && t.OnOrAfterAt.After(now) {
		return fmt.Sprintf("not-before %s", t.OnOrAfterAt.UTC().Format(time.RFC3339)), nil
	}
	if t.MustBeDoneAfterTaskID != nil {
		status, err := e.store.GetTaskStatus(ctx, *t.MustBeDoneAfterTaskID)
		if err != nil {
			return "", err
		}
		if status != store.TaskComplete {
			title, err := e.store.GetTaskTitle(ctx, *t.MustBeDoneAfterTaskID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("waiting on: %s", title), nil
		}
	}
	return "", nil
}

// TaskView is a Task enriched with its computed blocked_reason.
type TaskView struct {
	store.Task
	BlockedReason string
}

func (e *Engine) enrich(ctx context.Context, t store.Task) (TaskView, error) {
	reason, err := e.BlockedReason(ctx, t, time.Now())
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: t, BlockedReason: reason}, nil
}

func (e *Engine) enrichAll(ctx context.Context, tasks []store.Task) ([]TaskView, error) {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v, err := e.enrich(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
