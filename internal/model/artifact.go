package model

import "time"

// ArtifactStatus tracks persistence of a generated image.
type ArtifactStatus string

const (
	ArtifactStatusGenerating ArtifactStatus = "generating"
	ArtifactStatusCompleted  ArtifactStatus = "completed"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// Artifact is a generated image belonging to exactly one session. The
// (SessionID, SourceURL) pair is unique so persistence can be re-driven.
type Artifact struct {
	ID         string         `json:"id" gorm:"primaryKey;size:64"`
	SessionID  string         `json:"sessionId" gorm:"size:64;not null;uniqueIndex:ux_artifact_session_source,priority:1"`
	SourceURL  string         `json:"sourceUrl" gorm:"size:1024;not null;uniqueIndex:ux_artifact_session_source,priority:2"`
	StorageURL string         `json:"storageUrl,omitempty" gorm:"size:1024"`
	StorageKey string         `json:"-" gorm:"size:512"`
	Status     ArtifactStatus `json:"status" gorm:"size:16;not null;index"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// TableName implements the GORM tabler interface.
func (Artifact) TableName() string { return "generated_images" }
