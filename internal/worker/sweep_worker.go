package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/model"
)

// Sweeper runs a full reconciliation sweep.
type Sweeper interface {
	SweepAll(ctx context.Context) (*model.SweepResult, error)
}

// SweepWorker runs the scheduled sweep task.
type SweepWorker struct {
	sweeper Sweeper
	logger  zerolog.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(sweeper Sweeper, logger zerolog.Logger) *SweepWorker {
	return &SweepWorker{
		sweeper: sweeper,
		logger:  logger.With().Str("component", "sweep_worker").Logger(),
	}
}

// ProcessTask handles a sweep:run task. Per-session failures are already
// counted by the sweep; only a failed listing fails the task.
func (w *SweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	started := time.Now()
	result, err := w.sweeper.SweepAll(ctx)
	if err != nil {
		return err
	}
	w.logger.Info().
		Int("checked", result.Checked).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Dur("duration", time.Since(started)).
		Msg("scheduled sweep done")
	return nil
}
