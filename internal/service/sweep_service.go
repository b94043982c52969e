package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/observability"
	"github.com/babyshoot/api/internal/store"
)

// SessionReconciler reconciles a single session.
type SessionReconciler interface {
	Reconcile(ctx context.Context, sessionID string) (*model.ReconcileResult, error)
}

// ArtifactRedriver retries artifacts that earlier reconciles failed to
// persist.
type ArtifactRedriver interface {
	RedriveArtifacts(ctx context.Context) (*PersistResult, error)
}

// SweepService reconciles every session that still waits on a remote job.
type SweepService struct {
	store       store.Store
	reconciler  SessionReconciler
	redriver    ArtifactRedriver
	concurrency int
	logger      zerolog.Logger
}

// NewSweepService creates a sweeper. A nil redriver skips artifact retries.
func NewSweepService(st store.Store, reconciler SessionReconciler, redriver ArtifactRedriver, concurrency int, logger zerolog.Logger) *SweepService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepService{
		store:       st,
		reconciler:  reconciler,
		redriver:    redriver,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// SweepAll reconciles all sessions in a reconcilable status. Per-session
// errors and panics are counted, never returned; only a failed listing
// aborts the sweep.
func (s *SweepService) SweepAll(ctx context.Context) (*model.SweepResult, error) {
	ctx, span := observability.StartSpan(ctx, "session.sweep")
	started := time.Now()

	sessions, err := s.store.ListSessionsByStatus(ctx, model.ReconcilableStatuses...)
	if err != nil {
		err = fmt.Errorf("%w: list sessions: %w", ErrPersistence, err)
		observability.EndSpan(span, err)
		return nil, err
	}

	var checked, updated, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.concurrency)
	for _, session := range sessions {
		sessionID := session.ID
		p.Go(func() {
			checked.Add(1)
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					s.logger.Error().
						Str("session_id", sessionID).
						Interface("panic", r).
						Msg("reconcile panicked")
				}
			}()

			result, err := s.reconciler.Reconcile(ctx, sessionID)
			if err != nil {
				failed.Add(1)
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("sweep reconcile failed")
				return
			}
			if result.Updated {
				updated.Add(1)
			}
		})
	}
	p.Wait()

	result := &model.SweepResult{
		Checked: int(checked.Load()),
		Updated: int(updated.Load()),
		Failed:  int(failed.Load()),
	}

	if s.redriver != nil {
		redriven, err := s.redriver.RedriveArtifacts(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("artifact redrive failed")
		}
		if redriven != nil {
			result.Redriven = redriven.Persisted
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.checked", result.Checked),
		attribute.Int("sweep.updated", result.Updated),
		attribute.Int("sweep.failed", result.Failed),
		attribute.Int("sweep.redriven", result.Redriven),
	)
	observability.EndSpan(span, nil)

	s.logger.Info().
		Int("checked", result.Checked).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Int("redriven", result.Redriven).
		Dur("duration", time.Since(started)).
		Msg("sweep finished")

	return result, nil
}
