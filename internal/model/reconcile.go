package model

// ReconcileResult is returned for a single-session reconciliation.
type ReconcileResult struct {
	Updated bool          `json:"updated"`
	Status  SessionStatus `json:"status"`
	Message string        `json:"message"`
}

// SweepResult aggregates a batch sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	// Redriven counts previously failed artifacts persisted by this sweep.
	Redriven int `json:"redriven"`
}

// StartGenerationRequest records the remote generation job the client started.
type StartGenerationRequest struct {
	GenerationJobID string `json:"generationJobId" validate:"required,alphanum,max=128"`
}

// AstriaWebhookRequest is the callback body posted by the remote service.
type AstriaWebhookRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
	JobID     string `json:"jobId,omitempty" validate:"omitempty,alphanum,max=128"`
}

// ReconcileTaskPayload is the asynq payload of a session reconcile task.
type ReconcileTaskPayload struct {
	SessionID string `json:"sessionId"`
}
