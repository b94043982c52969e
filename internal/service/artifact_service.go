package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/store"
)

// ArtifactService copies generated images from the remote provider into
// durable storage and records them against their session.
type ArtifactService struct {
	store      store.Store
	storage    client.StorageClient
	downloader client.Downloader
	logger     zerolog.Logger
}

func NewArtifactService(st store.Store, storage client.StorageClient, downloader client.Downloader, logger zerolog.Logger) *ArtifactService {
	return &ArtifactService{
		store:      st,
		storage:    storage,
		downloader: downloader,
		logger:     logger.With().Str("component", "artifacts").Logger(),
	}
}

var (
	errStorageUnavailable = errors.New("object storage not configured")
	errArtifactClaimed    = errors.New("artifact claimed by another reconcile")
)

// PersistResult summarises one Persist call.
type PersistResult struct {
	Persisted int
	Skipped   int
	Failed    int
}

// Persist re-hosts every source URL that does not yet have a completed
// artifact. A failure on one image is recorded as a failed row and does not
// stop the rest; only a failure to read existing artifacts is returned.
func (s *ArtifactService) Persist(ctx context.Context, sessionID string, sourceURLs []string) (*PersistResult, error) {
	existing, err := s.store.ListArtifacts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %w", ErrPersistence, err)
	}

	bySource := make(map[string]*model.Artifact, len(existing))
	for i := range existing {
		bySource[existing[i].SourceURL] = &existing[i]
	}

	result := &PersistResult{}
	seen := make(map[string]bool, len(sourceURLs))
	for _, sourceURL := range sourceURLs {
		if sourceURL == "" || seen[sourceURL] {
			continue
		}
		seen[sourceURL] = true

		prior := bySource[sourceURL]
		if prior != nil && prior.Status == model.ArtifactStatusCompleted {
			result.Skipped++
			continue
		}

		err := s.persistOne(ctx, sessionID, sourceURL, prior)
		switch {
		case errors.Is(err, errArtifactClaimed):
			result.Skipped++
		case err != nil:
			result.Failed++
			s.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("source_url", sourceURL).
				Msg("failed to persist artifact")
		default:
			result.Persisted++
		}
	}

	return result, nil
}

// persistOne claims a row for sourceURL (or reuses prior), re-hosts the
// image under the row's id and marks the row completed or failed.
func (s *ArtifactService) persistOne(ctx context.Context, sessionID, sourceURL string, prior *model.Artifact) error {
	artifact := prior
	if artifact == nil {
		artifact = &model.Artifact{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			SourceURL: sourceURL,
			Status:    model.ArtifactStatusGenerating,
		}
		err := s.store.InsertArtifact(ctx, artifact)
		if errors.Is(err, store.ErrDuplicate) {
			return errArtifactClaimed
		}
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}

	key, publicURL, err := s.rehost(ctx, sessionID, artifact.ID, sourceURL)
	if err != nil {
		s.markFailed(ctx, artifact)
		return err
	}

	artifact.StorageKey = key
	artifact.StorageURL = publicURL
	artifact.Status = model.ArtifactStatusCompleted
	if err := s.store.UpdateArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	return nil
}

// rehost downloads sourceURL and uploads it under a key derived from the
// artifact id, so retries overwrite the same object.
func (s *ArtifactService) rehost(ctx context.Context, sessionID, artifactID, sourceURL string) (string, string, error) {
	if s.storage == nil {
		return "", "", errStorageUnavailable
	}
	obj, err := s.downloader.Fetch(ctx, sourceURL)
	if err != nil {
		return "", "", fmt.Errorf("download: %w", err)
	}

	key := storageKey(sessionID, artifactID, obj.Extension)
	publicURL, err := s.storage.Upload(ctx, key, bytes.NewReader(obj.Data), int64(len(obj.Data)), obj.ContentType)
	if err != nil {
		return "", "", fmt.Errorf("upload: %w", err)
	}
	return key, publicURL, nil
}

func (s *ArtifactService) markFailed(ctx context.Context, artifact *model.Artifact) {
	artifact.Status = model.ArtifactStatusFailed
	if err := s.store.UpdateArtifact(ctx, artifact); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", artifact.SessionID).
			Str("artifact_id", artifact.ID).
			Msg("failed to mark artifact failed")
	}
}

// DeleteObjects removes the stored objects of artifacts, logging failures.
func (s *ArtifactService) DeleteObjects(ctx context.Context, artifacts []model.Artifact) {
	if s.storage == nil {
		return
	}
	for _, a := range artifacts {
		if a.StorageKey == "" {
			continue
		}
		if err := s.storage.Delete(ctx, a.StorageKey); err != nil {
			s.logger.Warn().Err(err).
				Str("session_id", a.SessionID).
				Str("key", a.StorageKey).
				Msg("failed to delete stored artifact")
		}
	}
}

func storageKey(sessionID, artifactID, ext string) string {
	return fmt.Sprintf("sessions/%s/%s%s", sessionID, artifactID, ext)
}
