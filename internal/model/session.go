package model

import "time"

// SessionStatus is the lifecycle state of a photoshoot session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusTraining   SessionStatus = "training"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusGenerating SessionStatus = "generating"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// ReconcilableStatuses are the states a sweep picks up. Ready sessions wait
// on the user to start generation and are not swept.
var ReconcilableStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusTraining,
	SessionStatusGenerating,
}

// forward lists the single allowed forward successor of each state.
var forward = map[SessionStatus]SessionStatus{
	SessionStatusPending:    SessionStatusTraining,
	SessionStatusTraining:   SessionStatusReady,
	SessionStatusReady:      SessionStatusGenerating,
	SessionStatusGenerating: SessionStatusCompleted,
}

// IsTerminal reports whether no further reconciliation applies.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// IsReconcilable reports whether the status has a remote job to poll.
func (s SessionStatus) IsReconcilable() bool {
	for _, r := range ReconcilableStatuses {
		if r == s {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusPending, SessionStatusTraining, SessionStatusReady,
		SessionStatusGenerating, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// Next returns the forward successor of s, if any.
func (s SessionStatus) Next() (SessionStatus, bool) {
	next, ok := forward[s]
	return next, ok
}

// CanTransition reports whether from -> to is a legal edge: the single
// forward step, or failure from any non-terminal state.
func CanTransition(from, to SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == SessionStatusFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// Session is one user-initiated photoshoot attempt.
type Session struct {
	ID               string        `json:"id" gorm:"primaryKey;size:64"`
	OwnerID          string        `json:"ownerId" gorm:"size:64;index;not null"`
	ChildID          string        `json:"childId" gorm:"size:64;index"`
	Status           SessionStatus `json:"status" gorm:"size:16;index;not null;default:'pending'"`
	TrainingJobID    string        `json:"trainingJobId,omitempty" gorm:"size:128"`
	GenerationJobID  string        `json:"generationJobId,omitempty" gorm:"size:128"`
	ModelID          string        `json:"modelId,omitempty" gorm:"size:128"`
	MissingRefChecks int           `json:"-" gorm:"not null;default:0"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// TableName implements the GORM tabler interface.
func (Session) TableName() string { return "sessions" }

// JobReference returns the remote job the session is currently waiting on.
func (s *Session) JobReference() (JobKind, string) {
	switch s.Status {
	case SessionStatusPending, SessionStatusTraining:
		return JobKindTraining, s.TrainingJobID
	case SessionStatusGenerating:
		return JobKindGeneration, s.GenerationJobID
	}
	return "", ""
}

// SessionPatch carries the fields written alongside a status transition.
// Nil fields are left untouched.
type SessionPatch struct {
	ModelID         *string
	GenerationJobID *string
}

// JobKind distinguishes the two kinds of remote work.
type JobKind string

const (
	JobKindTraining   JobKind = "training"
	JobKindGeneration JobKind = "generation"
)
