package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/store"
)

func TestReconcile_TerminalSessionUnchanged(t *testing.T) {
	for _, status := range []model.SessionStatus{model.SessionStatusCompleted, model.SessionStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, 5)
			h.seed(t, model.Session{ID: "s1", Status: status, TrainingJobID: "job-1", GenerationJobID: "gen-1"})

			res, err := h.reconciler.Reconcile(context.Background(), "s1")
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Updated || res.Status != status {
				t.Errorf("result = %+v", res)
			}
			if h.jobs.callCount() != 0 {
				t.Errorf("remote calls = %d, want 0", h.jobs.callCount())
			}
			if got := h.status(t, "s1"); got != status {
				t.Errorf("status = %q, want %q", got, status)
			}
		})
	}
}

func TestReconcile_ReadySessionAwaitsGeneration(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusReady, TrainingJobID: "job-1"})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated || res.Message != msgAwaitingGeneration {
		t.Errorf("result = %+v", res)
	}
	if h.jobs.callCount() != 0 {
		t.Errorf("remote calls = %d, want 0", h.jobs.callCount())
	}
}

func TestReconcile_RemotePendingNeverChangesStatus(t *testing.T) {
	for _, status := range []model.SessionStatus{model.SessionStatusPending, model.SessionStatusTraining, model.SessionStatusGenerating} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, 5)
			h.seed(t, model.Session{ID: "s1", Status: status, TrainingJobID: "job-1", GenerationJobID: "gen-1"})
			h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusPending})
			h.jobs.set("gen-1", &client.JobStatus{Status: client.RemoteStatusPending})

			res, err := h.reconciler.Reconcile(context.Background(), "s1")
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Updated {
				t.Errorf("result = %+v, want no update", res)
			}
			if got := h.status(t, "s1"); got != status {
				t.Errorf("status = %q, want %q", got, status)
			}
		})
	}
}

func TestReconcile_PendingMovesOneStepOnly(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusPending, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m-1"})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusTraining {
		t.Fatalf("result = %+v, want training", res)
	}

	res, err = h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusReady {
		t.Fatalf("second result = %+v, want ready", res)
	}
}

func TestReconcile_PendingWithProcessingJobStartsTraining(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusPending, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusProcessing})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusTraining {
		t.Errorf("result = %+v", res)
	}

	// Still processing: no further change.
	res, err = h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Updated || res.Status != model.SessionStatusTraining {
		t.Errorf("second result = %+v", res)
	}
}

func TestReconcile_TrainingCompletedBecomesReadyWithModel(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job123"})
	h.jobs.set("job123", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m-42"})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusReady {
		t.Fatalf("result = %+v", res)
	}

	session, _ := h.store.GetSession(context.Background(), "s1")
	if session.ModelID != "m-42" {
		t.Errorf("model id = %q, want m-42", session.ModelID)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Status != model.SessionStatusReady {
		t.Errorf("events = %+v", h.notifier.events)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m-1"})

	if _, err := h.reconciler.Reconcile(context.Background(), "s1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	first, _ := h.store.GetSession(context.Background(), "s1")

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Updated {
		t.Errorf("second call updated: %+v", res)
	}
	second, _ := h.store.GetSession(context.Background(), "s1")
	if first.Status != second.Status || first.ModelID != second.ModelID {
		t.Errorf("state drifted: %+v -> %+v", first, second)
	}
}

func TestReconcile_GenerationPersistsArtifactsThenCompletes(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusGenerating, GenerationJobID: "gen-1"})
	h.jobs.set("gen-1", &client.JobStatus{
		Status: client.RemoteStatusCompleted,
		Images: []string{"https://ext/a.jpg"},
	})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusCompleted {
		t.Fatalf("result = %+v", res)
	}

	artifacts, err := h.store.ListArtifacts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	a := artifacts[0]
	if a.SourceURL != "https://ext/a.jpg" || a.StorageURL == "" || a.Status != model.ArtifactStatusCompleted {
		t.Errorf("artifact = %+v", a)
	}
	if h.storage.count() != 1 {
		t.Errorf("stored objects = %d, want 1", h.storage.count())
	}
}

func TestReconcile_ArtifactFailureIsSkipped(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusGenerating, GenerationJobID: "gen-1"})
	h.downloader.broken["https://ext/bad.jpg"] = true
	h.jobs.set("gen-1", &client.JobStatus{
		Status: client.RemoteStatusCompleted,
		Images: []string{"https://ext/good.jpg", "https://ext/bad.jpg"},
	})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != model.SessionStatusCompleted {
		t.Errorf("status = %q, want completed", res.Status)
	}

	statuses := map[string]model.ArtifactStatus{}
	artifacts, _ := h.store.ListArtifacts(context.Background(), "s1")
	for _, a := range artifacts {
		statuses[a.SourceURL] = a.Status
	}
	if statuses["https://ext/good.jpg"] != model.ArtifactStatusCompleted || statuses["https://ext/bad.jpg"] != model.ArtifactStatusFailed {
		t.Errorf("artifact statuses = %v", statuses)
	}
}

func TestRedriveArtifacts_RecoversFailedImageOfCompletedSession(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.seed(t, model.Session{ID: "s1", OwnerID: "u1", Status: model.SessionStatusGenerating, GenerationJobID: "gen-1"})
	h.downloader.broken["https://ext/bad.jpg"] = true
	h.jobs.set("gen-1", &client.JobStatus{
		Status: client.RemoteStatusCompleted,
		Images: []string{"https://ext/good.jpg", "https://ext/bad.jpg"},
	})

	if _, err := h.reconciler.Reconcile(ctx, "s1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.status(t, "s1"); got != model.SessionStatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}

	// Reconcile is a no-op on a completed session; the redrive picks up
	// what it left behind.
	delete(h.downloader.broken, "https://ext/bad.jpg")
	h.downloader.fetched = nil

	res, err := h.reconciler.RedriveArtifacts(ctx)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if res.Persisted != 1 || res.Failed != 0 {
		t.Errorf("redrive = %+v", res)
	}
	if len(h.downloader.fetched) != 1 || h.downloader.fetched[0] != "https://ext/bad.jpg" {
		t.Errorf("fetched = %v, want only the failed image", h.downloader.fetched)
	}

	artifacts, _ := h.store.ListArtifacts(ctx, "s1")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	for _, a := range artifacts {
		if a.Status != model.ArtifactStatusCompleted || a.StorageKey == "" {
			t.Errorf("artifact = %+v", a)
		}
	}

	again, err := h.reconciler.RedriveArtifacts(ctx)
	if err != nil {
		t.Fatalf("second redrive: %v", err)
	}
	if *again != (PersistResult{}) {
		t.Errorf("second redrive = %+v, want nothing to do", again)
	}
}

func TestRedriveArtifacts_SkipsFreshClaimsAndUnfinishedSessions(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.seed(t, model.Session{ID: "done", Status: model.SessionStatusCompleted})
	h.seed(t, model.Session{ID: "busy", Status: model.SessionStatusGenerating, GenerationJobID: "gen-1"})

	rows := []*model.Artifact{
		// In flight in another reconcile.
		{ID: "fresh", SessionID: "done", SourceURL: "https://ext/fresh.jpg", Status: model.ArtifactStatusGenerating, CreatedAt: time.Now()},
		// Abandoned by a reconcile that never finished.
		{ID: "stale", SessionID: "done", SourceURL: "https://ext/stale.jpg", Status: model.ArtifactStatusGenerating, CreatedAt: time.Now().Add(-time.Hour)},
		// Reconcile owns sessions that are still generating.
		{ID: "other", SessionID: "busy", SourceURL: "https://ext/other.jpg", Status: model.ArtifactStatusFailed},
	}
	for _, a := range rows {
		if err := h.store.InsertArtifact(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}

	res, err := h.reconciler.RedriveArtifacts(ctx)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if res.Persisted != 1 {
		t.Errorf("redrive = %+v, want 1 persisted", res)
	}
	if len(h.downloader.fetched) != 1 || h.downloader.fetched[0] != "https://ext/stale.jpg" {
		t.Errorf("fetched = %v, want only the stale claim", h.downloader.fetched)
	}
}

func TestReconcile_RemoteFailureFailsSessionWithoutArtifacts(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusGenerating, GenerationJobID: "gen-1"})
	h.jobs.set("gen-1", &client.JobStatus{
		Status: client.RemoteStatusFailed,
		Images: []string{"https://ext/a.jpg"},
	})

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusFailed {
		t.Errorf("result = %+v", res)
	}
	artifacts, _ := h.store.ListArtifacts(context.Background(), "s1")
	if len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(artifacts))
	}
}

func TestReconcile_RemoteErrorLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.fail("job-1", &client.JobError{Kind: client.JobErrorRateLimited, StatusCode: 429, RetryAfter: time.Second})

	_, err := h.reconciler.Reconcile(context.Background(), "s1")
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
	if !errors.Is(err, client.ErrJobRateLimited) {
		t.Errorf("err = %v, want to match ErrJobRateLimited", err)
	}
	if got := h.status(t, "s1"); got != model.SessionStatusTraining {
		t.Errorf("status = %q, want training", got)
	}
	if len(h.notifier.errors) != 1 || h.notifier.errors[0] != (errorEvent{SessionID: "s1", Code: model.WSErrorCodeRemote}) {
		t.Errorf("error events = %+v", h.notifier.errors)
	}
}

func TestReconcile_UnknownSession(t *testing.T) {
	h := newHarness(t, 5)
	_, err := h.reconciler.Reconcile(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if len(h.notifier.errors) != 0 {
		t.Errorf("error events = %+v, want none", h.notifier.errors)
	}
}

func TestReconcile_PersistenceErrorNotifiesSubscribers(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m"})

	broken := brokenTransitionStore{h.store}
	reconciler := NewReconcileService(broken, h.jobs, h.artifacts, h.cache, h.notifier,
		h.reconcilerConfig(), h.reconciler.logger)

	_, err := reconciler.Reconcile(context.Background(), "s1")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if len(h.notifier.errors) != 1 || h.notifier.errors[0].Code != model.WSErrorCodePersistence {
		t.Errorf("error events = %+v", h.notifier.errors)
	}
}

func TestReconcile_MissingReferenceFailsAfterLimit(t *testing.T) {
	h := newHarness(t, 3)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusPending})

	for i := 1; i < 3; i++ {
		res, err := h.reconciler.Reconcile(context.Background(), "s1")
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if res.Updated || res.Message != msgMissingReference {
			t.Fatalf("reconcile %d result = %+v", i, res)
		}
	}

	res, err := h.reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("final reconcile: %v", err)
	}
	if !res.Updated || res.Status != model.SessionStatusFailed {
		t.Errorf("final result = %+v, want failed", res)
	}
	if h.jobs.callCount() != 0 {
		t.Errorf("remote calls = %d, want 0", h.jobs.callCount())
	}
}

func TestReconcile_MissingReferenceLimitDisabled(t *testing.T) {
	h := newHarness(t, 0)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusGenerating})

	for i := 0; i < 10; i++ {
		res, err := h.reconciler.Reconcile(context.Background(), "s1")
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if res.Updated {
			t.Fatalf("unexpected update: %+v", res)
		}
	}
	if got := h.status(t, "s1"); got != model.SessionStatusGenerating {
		t.Errorf("status = %q", got)
	}
}

func TestReconcile_InvalidatesCachedReads(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", OwnerID: "owner-1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m"})

	ctx := context.Background()
	keys := []string{cache.SessionKey("s1"), cache.SessionImagesKey("s1"), cache.OwnerSessionsKey("owner-1")}
	for _, k := range keys {
		_ = h.cache.Set(ctx, k, []byte(`"stale"`), time.Minute)
	}

	if _, err := h.reconciler.Reconcile(ctx, "s1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, k := range keys {
		if _, ok, _ := h.cache.Get(ctx, k); ok {
			t.Errorf("key %s still cached", k)
		}
	}
}

func TestReconcile_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.reconciler.Reconcile(ctx, "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Updated {
		t.Errorf("result = %+v", res)
	}
	for _, ctxErr := range h.jobs.ctxErrs {
		if ctxErr != nil {
			t.Errorf("remote call saw cancelled context: %v", ctxErr)
		}
	}
}

// racingStore lets another writer move the session just before the
// reconciler's conditional update lands.
type racingStore struct {
	*store.GormStore
	raceTo model.SessionStatus
}

func (r *racingStore) TransitionStatus(ctx context.Context, id string, from, to model.SessionStatus, patch *model.SessionPatch) (bool, error) {
	if _, err := r.GormStore.TransitionStatus(ctx, id, from, r.raceTo, nil); err != nil {
		return false, err
	}
	return r.GormStore.TransitionStatus(ctx, id, from, to, patch)
}

func TestReconcile_LosingRaceReportsCurrentStatus(t *testing.T) {
	h := newHarness(t, 5)
	h.seed(t, model.Session{ID: "s1", Status: model.SessionStatusTraining, TrainingJobID: "job-1"})
	h.jobs.set("job-1", &client.JobStatus{Status: client.RemoteStatusCompleted, ModelID: "m"})

	racing := &racingStore{GormStore: h.store, raceTo: model.SessionStatusFailed}
	reconciler := NewReconcileService(racing, h.jobs, h.artifacts, h.cache, h.notifier,
		h.reconcilerConfig(), h.reconciler.logger)

	res, err := reconciler.Reconcile(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated || res.Status != model.SessionStatusFailed || res.Message != msgConcurrentChange {
		t.Errorf("result = %+v", res)
	}
	if len(h.notifier.events) != 0 {
		t.Errorf("events = %+v, want none", h.notifier.events)
	}
}

type brokenTransitionStore struct {
	*store.GormStore
}

func (brokenTransitionStore) TransitionStatus(context.Context, string, model.SessionStatus, model.SessionStatus, *model.SessionPatch) (bool, error) {
	return false, errors.New("database is locked")
}
