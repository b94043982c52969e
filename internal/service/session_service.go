package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/store"
)

// SessionService serves the user-facing session reads and mutations.
type SessionService struct {
	store     store.Store
	artifacts *ArtifactService
	cache     cache.Cache
	ttl       time.Duration
	notifier  Notifier
	logger    zerolog.Logger
}

func NewSessionService(st store.Store, artifacts *ArtifactService, c cache.Cache, ttl time.Duration, notifier Notifier, logger zerolog.Logger) *SessionService {
	return &SessionService{
		store:     st,
		artifacts: artifacts,
		cache:     c,
		ttl:       ttl,
		notifier:  notifier,
		logger:    logger.With().Str("component", "sessions").Logger(),
	}
}

// Get returns a session owned by ownerID.
func (s *SessionService) Get(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	session, err := cache.Fetch(ctx, s.cache, s.logger, cache.SessionKey(sessionID), s.ttl,
		func(ctx context.Context) (*model.Session, error) {
			return s.load(ctx, sessionID)
		})
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return session, nil
}

// List returns the owner's sessions, newest first.
func (s *SessionService) List(ctx context.Context, ownerID string) ([]model.Session, error) {
	return cache.Fetch(ctx, s.cache, s.logger, cache.OwnerSessionsKey(ownerID), s.ttl,
		func(ctx context.Context) ([]model.Session, error) {
			sessions, err := s.store.ListSessionsByOwner(ctx, ownerID)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
			}
			if sessions == nil {
				sessions = []model.Session{}
			}
			return sessions, nil
		})
}

// Images returns the generated artifacts of a session owned by ownerID.
func (s *SessionService) Images(ctx context.Context, ownerID, sessionID string) ([]model.Artifact, error) {
	if _, err := s.Get(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, s.cache, s.logger, cache.SessionImagesKey(sessionID), s.ttl,
		func(ctx context.Context) ([]model.Artifact, error) {
			artifacts, err := s.store.ListArtifacts(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
			}
			if artifacts == nil {
				artifacts = []model.Artifact{}
			}
			return artifacts, nil
		})
}

// Authorize loads the session uncached and checks ownership.
func (s *SessionService) Authorize(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return session, nil
}

// StartGeneration records the remote generation job and moves the session
// from ready to generating.
func (s *SessionService) StartGeneration(ctx context.Context, ownerID, sessionID, generationJobID string) (*model.Session, error) {
	session, err := s.Authorize(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusReady {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, session.Status)
	}

	jobID := generationJobID
	changed, err := s.store.TransitionStatus(ctx, sessionID, model.SessionStatusReady, model.SessionStatusGenerating,
		&model.SessionPatch{GenerationJobID: &jobID})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, msgConcurrentChange)
	}

	invalidateSession(ctx, s.cache, s.logger, sessionID, ownerID)
	if s.notifier != nil {
		s.notifier.NotifyStatus(sessionID, model.SessionStatusGenerating, "generation started")
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("generation_job_id", generationJobID).
		Msg("generation started")

	return s.load(ctx, sessionID)
}

// Delete removes a session, its stored images and its artifact rows.
// Storage deletion is best effort.
func (s *SessionService) Delete(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.Authorize(ctx, ownerID, sessionID); err != nil {
		return err
	}

	artifacts, err := s.store.ListArtifacts(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if s.artifacts != nil {
		s.artifacts.DeleteObjects(ctx, artifacts)
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	invalidateSession(ctx, s.cache, s.logger, sessionID, ownerID)
	s.logger.Info().Str("session_id", sessionID).Int("artifacts", len(artifacts)).Msg("session deleted")
	return nil
}

func (s *SessionService) load(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return session, nil
}
