package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/babyshoot/api/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists sessions and their generated artifacts.
type Store interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]model.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error)

	// TransitionStatus moves a session from -> to only if it is still in
	// from, applying patch in the same statement and resetting the missing
	// reference counter. It reports whether the row was changed.
	TransitionStatus(ctx context.Context, sessionID string, from, to model.SessionStatus, patch *model.SessionPatch) (bool, error)

	// IncrementMissingRefChecks bumps the missing job reference counter of
	// a session still in status and returns the new value. ErrNotFound
	// means the session left status in the meantime.
	IncrementMissingRefChecks(ctx context.Context, sessionID string, status model.SessionStatus) (int, error)

	DeleteSession(ctx context.Context, sessionID string) error

	ListArtifacts(ctx context.Context, sessionID string) ([]model.Artifact, error)
	// ListArtifactsByStatus returns artifacts across all sessions, oldest
	// first.
	ListArtifactsByStatus(ctx context.Context, statuses ...model.ArtifactStatus) ([]model.Artifact, error)
	// InsertArtifact returns ErrDuplicate if the session already has an
	// artifact for the same source URL.
	InsertArtifact(ctx context.Context, artifact *model.Artifact) error
	UpdateArtifact(ctx context.Context, artifact *model.Artifact) error

	Migrate(ctx context.Context) error
	Close() error
}

func checkTransition(from, to model.SessionStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
