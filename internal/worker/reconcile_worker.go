package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/service"
)

// ReconcileWorker processes session reconcile tasks queued by webhooks.
type ReconcileWorker struct {
	reconciler service.SessionReconciler
	logger     zerolog.Logger
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(reconciler service.SessionReconciler, logger zerolog.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		logger:     logger.With().Str("component", "reconcile_worker").Logger(),
	}
}

// ProcessTask handles a session:reconcile task
func (w *ReconcileWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.ReconcileTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("reconcile payload without session id: %w", asynq.SkipRetry)
	}

	result, err := w.reconciler.Reconcile(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			w.logger.Warn().Str("session_id", payload.SessionID).Msg("dropping reconcile for unknown session")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	w.logger.Debug().
		Str("session_id", payload.SessionID).
		Bool("updated", result.Updated).
		Str("status", string(result.Status)).
		Msg("reconcile task done")
	return nil
}
