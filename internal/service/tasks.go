package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/model"
)

const (
	TaskTypeSweep     = "sweep:run"
	TaskTypeReconcile = "session:reconcile"

	QueueReconcile = "reconcile"
	QueueSweep     = "sweep"
)

// NewReconcileTask builds a reconcile task. Duplicate tasks for the same
// session within 30s are rejected by asynq.
func NewReconcileTask(sessionID string) (*asynq.Task, error) {
	payload, err := json.Marshal(model.ReconcileTaskPayload{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reconcile payload: %w", err)
	}
	return asynq.NewTask(TaskTypeReconcile, payload,
		asynq.Queue(QueueReconcile),
		asynq.MaxRetry(3),
		asynq.Unique(30*time.Second),
		asynq.Retention(24*time.Hour),
	), nil
}

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil,
		asynq.Queue(QueueSweep),
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
	)
}

// TaskEnqueuer is the subset of *asynq.Client the dispatcher needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ReconcileDispatcher schedules reconciles triggered by remote callbacks.
// Without a queue, or when enqueueing fails, it reconciles inline.
type ReconcileDispatcher struct {
	queue      TaskEnqueuer
	reconciler SessionReconciler
	logger     zerolog.Logger
}

func NewReconcileDispatcher(queue TaskEnqueuer, reconciler SessionReconciler, logger zerolog.Logger) *ReconcileDispatcher {
	return &ReconcileDispatcher{
		queue:      queue,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch queues a reconcile for sessionID. It reports whether the work
// was queued; otherwise the inline result is returned.
func (d *ReconcileDispatcher) Dispatch(ctx context.Context, sessionID string) (bool, *model.ReconcileResult, error) {
	if d.queue != nil {
		task, err := NewReconcileTask(sessionID)
		if err != nil {
			return false, nil, err
		}
		info, err := d.queue.EnqueueContext(ctx, task)
		switch {
		case err == nil:
			d.logger.Debug().Str("session_id", sessionID).Str("task_id", info.ID).Msg("reconcile queued")
			return true, nil, nil
		case errors.Is(err, asynq.ErrDuplicateTask):
			d.logger.Debug().Str("session_id", sessionID).Msg("reconcile already queued")
			return true, nil, nil
		default:
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("enqueue failed, reconciling inline")
		}
	}

	result, err := d.reconciler.Reconcile(ctx, sessionID)
	return false, result, err
}
