package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/observability"
	"github.com/babyshoot/api/internal/store"
)

const (
	msgTerminal           = "session already finished"
	msgAwaitingGeneration = "awaiting generation"
	msgMissingReference   = "missing job reference"
	msgConcurrentChange   = "status changed concurrently"
	msgJobPending         = "job pending"
	msgJobInProgress      = "job in progress"
	msgTrainingStarted    = "training started"
	msgTrainingCompleted  = "training completed"
	msgGenerationComplete = "generation completed"
	msgJobFailed          = "remote job failed"
)

// Notifier receives session status changes and reconcile failures.
type Notifier interface {
	NotifyStatus(sessionID string, status model.SessionStatus, message string)
	NotifyError(sessionID, code, message string)
}

// ReconcileService brings one session's stored status in line with the
// state of its remote job.
type ReconcileService struct {
	store     store.Store
	jobs      client.JobStatusClient
	artifacts *ArtifactService
	cache     cache.Cache
	notifier  Notifier
	logger    zerolog.Logger

	timeout             time.Duration
	maxMissingRefChecks int
}

func NewReconcileService(
	st store.Store,
	jobs client.JobStatusClient,
	artifacts *ArtifactService,
	c cache.Cache,
	notifier Notifier,
	cfg *config.ReconcileConfig,
	logger zerolog.Logger,
) *ReconcileService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ReconcileService{
		store:               st,
		jobs:                jobs,
		artifacts:           artifacts,
		cache:               c,
		notifier:            notifier,
		logger:              logger.With().Str("component", "reconciler").Logger(),
		timeout:             timeout,
		maxMissingRefChecks: cfg.MaxMissingRefChecks,
	}
}

// Reconcile polls the remote job behind sessionID and applies at most one
// status transition. The work is detached from ctx cancellation so a client
// disconnect cannot abandon a half-applied update.
func (s *ReconcileService) Reconcile(ctx context.Context, sessionID string) (*model.ReconcileResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "session.reconcile", attribute.String("session.id", sessionID))
	result, err := s.reconcile(ctx, sessionID)
	if result != nil {
		span.SetAttributes(
			attribute.Bool("reconcile.updated", result.Updated),
			attribute.String("session.status", string(result.Status)),
		)
	}
	observability.EndSpan(span, err)

	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("reconcile failed")
		s.notifyFailure(sessionID, err)
		return nil, err
	}
	if result.Updated {
		s.logger.Info().
			Str("session_id", sessionID).
			Str("status", string(result.Status)).
			Str("message", result.Message).
			Msg("session reconciled")
	}
	return result, nil
}

func (s *ReconcileService) reconcile(ctx context.Context, sessionID string) (*model.ReconcileResult, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case session.Status.IsTerminal():
		return noChange(session.Status, msgTerminal), nil
	case session.Status == model.SessionStatusReady:
		return noChange(session.Status, msgAwaitingGeneration), nil
	case !session.Status.IsReconcilable():
		return noChange(session.Status, fmt.Sprintf("unknown status %q", session.Status)), nil
	}

	kind, jobID := session.JobReference()
	if jobID == "" {
		return s.handleMissingReference(ctx, session)
	}

	job, err := s.jobs.GetJobStatus(ctx, kind, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s job %s: %w", ErrRemote, kind, jobID, err)
	}

	switch job.Status {
	case client.RemoteStatusCompleted:
		return s.handleCompleted(ctx, session, job)
	case client.RemoteStatusProcessing:
		if session.Status == model.SessionStatusPending {
			return s.transition(ctx, session, model.SessionStatusTraining, nil, msgTrainingStarted)
		}
		return noChange(session.Status, msgJobInProgress), nil
	case client.RemoteStatusFailed:
		return s.transition(ctx, session, model.SessionStatusFailed, nil, msgJobFailed)
	default:
		return noChange(session.Status, msgJobPending), nil
	}
}

func (s *ReconcileService) handleCompleted(ctx context.Context, session *model.Session, job *client.JobStatus) (*model.ReconcileResult, error) {
	switch session.Status {
	case model.SessionStatusPending:
		// One step at a time; the next poll moves training -> ready.
		return s.transition(ctx, session, model.SessionStatusTraining, nil, msgTrainingStarted)

	case model.SessionStatusTraining:
		var patch *model.SessionPatch
		if job.ModelID != "" {
			modelID := job.ModelID
			patch = &model.SessionPatch{ModelID: &modelID}
		}
		return s.transition(ctx, session, model.SessionStatusReady, patch, msgTrainingCompleted)

	case model.SessionStatusGenerating:
		persisted, err := s.artifacts.Persist(ctx, session.ID, job.Images)
		if err != nil {
			return nil, err
		}
		if persisted.Failed > 0 {
			s.logger.Warn().
				Str("session_id", session.ID).
				Int("persisted", persisted.Persisted).
				Int("failed", persisted.Failed).
				Msg("some artifacts were not persisted")
		}
		return s.transition(ctx, session, model.SessionStatusCompleted, nil, msgGenerationComplete)
	}
	return noChange(session.Status, msgJobPending), nil
}

// handleMissingReference counts polls that found no job to ask about and
// fails the session once the configured limit is reached.
func (s *ReconcileService) handleMissingReference(ctx context.Context, session *model.Session) (*model.ReconcileResult, error) {
	if s.maxMissingRefChecks <= 0 {
		return noChange(session.Status, msgMissingReference), nil
	}

	checks, err := s.store.IncrementMissingRefChecks(ctx, session.ID, session.Status)
	if errors.Is(err, store.ErrNotFound) {
		return s.concurrentChange(ctx, session.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if checks >= s.maxMissingRefChecks {
		return s.transition(ctx, session, model.SessionStatusFailed, nil, msgMissingReference)
	}
	return noChange(session.Status, msgMissingReference), nil
}

// transition applies from -> to conditionally. Losing the race to another
// writer is reported as a no-op with the status that writer left behind.
func (s *ReconcileService) transition(ctx context.Context, session *model.Session, to model.SessionStatus, patch *model.SessionPatch, message string) (*model.ReconcileResult, error) {
	changed, err := s.store.TransitionStatus(ctx, session.ID, session.Status, to, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s -> %s: %w", ErrPersistence, session.Status, to, err)
	}
	if !changed {
		return s.concurrentChange(ctx, session.ID)
	}

	invalidateSession(ctx, s.cache, s.logger, session.ID, session.OwnerID)
	if s.notifier != nil {
		s.notifier.NotifyStatus(session.ID, to, message)
	}

	return &model.ReconcileResult{Updated: true, Status: to, Message: message}, nil
}

// RedriveArtifacts retries artifacts of completed sessions that failed to
// persist, plus those left generating for longer than a reconcile may run.
// Sessions still generating are left to Reconcile.
func (s *ReconcileService) RedriveArtifacts(ctx context.Context) (*PersistResult, error) {
	pending, err := s.store.ListArtifactsByStatus(ctx, model.ArtifactStatusFailed, model.ArtifactStatusGenerating)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %w", ErrPersistence, err)
	}

	staleBefore := time.Now().Add(-s.timeout)
	var order []string
	bySession := make(map[string][]string)
	for _, a := range pending {
		if a.Status == model.ArtifactStatusGenerating && a.CreatedAt.After(staleBefore) {
			continue
		}
		if _, ok := bySession[a.SessionID]; !ok {
			order = append(order, a.SessionID)
		}
		bySession[a.SessionID] = append(bySession[a.SessionID], a.SourceURL)
	}

	total := &PersistResult{}
	for _, sessionID := range order {
		session, err := s.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if session.Status != model.SessionStatusCompleted {
			continue
		}

		res, err := s.artifacts.Persist(ctx, sessionID, bySession[sessionID])
		if err != nil {
			return total, err
		}
		total.Persisted += res.Persisted
		total.Skipped += res.Skipped
		total.Failed += res.Failed

		if res.Persisted > 0 {
			invalidateSession(ctx, s.cache, s.logger, session.ID, session.OwnerID)
			s.logger.Info().
				Str("session_id", sessionID).
				Int("persisted", res.Persisted).
				Msg("recovered artifacts")
		}
	}
	return total, nil
}

// notifyFailure tells subscribers a reconcile could not complete. Unknown
// sessions have no subscribers worth telling.
func (s *ReconcileService) notifyFailure(sessionID string, err error) {
	if s.notifier == nil {
		return
	}
	switch {
	case errors.Is(err, ErrRemote):
		s.notifier.NotifyError(sessionID, model.WSErrorCodeRemote, "remote job status unavailable")
	case errors.Is(err, ErrPersistence):
		s.notifier.NotifyError(sessionID, model.WSErrorCodePersistence, "failed to save session state")
	}
}

func (s *ReconcileService) concurrentChange(ctx context.Context, sessionID string) (*model.ReconcileResult, error) {
	current, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return noChange(current.Status, msgConcurrentChange), nil
}

func (s *ReconcileService) loadSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return session, nil
}

func noChange(status model.SessionStatus, message string) *model.ReconcileResult {
	return &model.ReconcileResult{Updated: false, Status: status, Message: message}
}

// invalidateSession drops every cached read that includes the session.
func invalidateSession(ctx context.Context, c cache.Cache, logger zerolog.Logger, sessionID, ownerID string) {
	cache.Invalidate(ctx, c, logger,
		cache.SessionKey(sessionID),
		cache.SessionImagesKey(sessionID),
		cache.OwnerSessionsKey(ownerID),
	)
}
