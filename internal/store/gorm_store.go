package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/babyshoot/api/internal/model"
)

// GormStore implements Store on top of GORM. It backs local development
// (sqlite, mysql) and the test suite.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens a GORM connection for driver "sqlite" or "mysql".
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite serializes writers; one connection keeps in-memory
		// databases shared across goroutines.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing GORM handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.Session{}, &model.Artifact{}); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateSession(ctx context.Context, session *model.Session) error {
	if session.Status == "" {
		session.Status = model.SessionStatusPending
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *GormStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for owner: %w", err)
	}
	return sessions, nil
}

func (s *GormStore) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("updated_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: list sessions by status: %w", err)
	}
	return sessions, nil
}

func (s *GormStore) TransitionStatus(ctx context.Context, sessionID string, from, to model.SessionStatus, patch *model.SessionPatch) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"status":             to,
		"missing_ref_checks": 0,
		"updated_at":         time.Now().UTC(),
	}
	if patch != nil {
		if patch.ModelID != nil {
			updates["model_id"] = *patch.ModelID
		}
		if patch.GenerationJobID != nil {
			updates["generation_job_id"] = *patch.GenerationJobID
		}
	}

	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", sessionID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("store: transition session %s: %w", sessionID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) IncrementMissingRefChecks(ctx context.Context, sessionID string, status model.SessionStatus) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Session{}).
			Where("id = ? AND status = ?", sessionID, status).
			Updates(map[string]interface{}{
				"missing_ref_checks": gorm.Expr("missing_ref_checks + 1"),
				"updated_at":         time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&model.Session{}).
			Where("id = ?", sessionID).
			Pluck("missing_ref_checks", &count).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("store: increment missing ref checks: %w", err)
	}
	return count, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.Artifact{}).Error; err != nil {
			return fmt.Errorf("store: delete artifacts: %w", err)
		}
		result := tx.Where("id = ?", sessionID).Delete(&model.Session{})
		if result.Error != nil {
			return fmt.Errorf("store: delete session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) ListArtifacts(ctx context.Context, sessionID string) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return artifacts, nil
}

func (s *GormStore) ListArtifactsByStatus(ctx context.Context, statuses ...model.ArtifactStatus) ([]model.Artifact, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var artifacts []model.Artifact
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts by status: %w", err)
	}
	return artifacts, nil
}

func (s *GormStore) InsertArtifact(ctx context.Context, artifact *model.Artifact) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(artifact)
	if result.Error != nil {
		return fmt.Errorf("store: insert artifact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *GormStore) UpdateArtifact(ctx context.Context, artifact *model.Artifact) error {
	result := s.db.WithContext(ctx).Model(&model.Artifact{}).
		Where("id = ?", artifact.ID).
		Updates(map[string]interface{}{
			"storage_url": artifact.StorageURL,
			"storage_key": artifact.StorageKey,
			"status":      artifact.Status,
		})
	if result.Error != nil {
		return fmt.Errorf("store: update artifact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
