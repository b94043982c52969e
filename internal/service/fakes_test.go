package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/store"
)

type fakeJobs struct {
	mu       sync.Mutex
	statuses map[string]*client.JobStatus
	errs     map[string]error
	calls    int
	ctxErrs  []error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		statuses: make(map[string]*client.JobStatus),
		errs:     make(map[string]error),
	}
}

func (f *fakeJobs) set(jobID string, status *client.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status.JobID = jobID
	f.statuses[jobID] = status
}

func (f *fakeJobs) fail(jobID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[jobID] = err
}

func (f *fakeJobs) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeJobs) GetJobStatus(ctx context.Context, kind model.JobKind, jobID string) (*client.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if err, ok := f.errs[jobID]; ok {
		return nil, err
	}
	status, ok := f.statuses[jobID]
	if !ok {
		return nil, &client.JobError{Kind: client.JobErrorNotFound, StatusCode: 404}
	}
	copied := *status
	return &copied, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failUp  bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	if f.failUp {
		return "", errors.New("storage unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return f.GetPublicURL(key), nil
}

func (f *fakeStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeDownloader struct {
	mu      sync.Mutex
	fetched []string
	broken  map[string]bool
}

func (f *fakeDownloader) Fetch(_ context.Context, url string) (*client.FetchedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if f.broken[url] {
		return nil, fmt.Errorf("download %s returned status 500", url)
	}
	return &client.FetchedObject{
		Data:        bytes.Repeat([]byte{0xFF}, 16),
		ContentType: "image/jpeg",
		Extension:   ".jpg",
	}, nil
}

type statusEvent struct {
	SessionID string
	Status    model.SessionStatus
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []statusEvent
	errors []errorEvent
}

type errorEvent struct {
	SessionID string
	Code      string
}

func (n *recordingNotifier) NotifyStatus(sessionID string, status model.SessionStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, statusEvent{SessionID: sessionID, Status: status})
}

func (n *recordingNotifier) NotifyError(sessionID, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, errorEvent{SessionID: sessionID, Code: code})
}

// harness wires a ReconcileService over an in-memory sqlite store.
type harness struct {
	store      *store.GormStore
	jobs       *fakeJobs
	storage    *fakeStorage
	downloader *fakeDownloader
	cache      *cache.MemoryCache
	notifier   *recordingNotifier
	artifacts  *ArtifactService
	reconciler *ReconcileService
	cfg        *config.ReconcileConfig
}

func (h *harness) reconcilerConfig() *config.ReconcileConfig { return h.cfg }

func newHarness(t *testing.T, maxMissingRefChecks int) *harness {
	t.Helper()
	st, err := store.OpenGorm("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:      st,
		jobs:       newFakeJobs(),
		storage:    newFakeStorage(),
		downloader: &fakeDownloader{broken: map[string]bool{}},
		cache:      cache.NewMemoryCache(),
		notifier:   &recordingNotifier{},
		cfg:        &config.ReconcileConfig{Timeout: 5 * time.Second, MaxMissingRefChecks: maxMissingRefChecks},
	}
	h.artifacts = NewArtifactService(st, h.storage, h.downloader, zerolog.Nop())
	h.reconciler = NewReconcileService(st, h.jobs, h.artifacts, h.cache, h.notifier, h.cfg, zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, s model.Session) *model.Session {
	t.Helper()
	if s.OwnerID == "" {
		s.OwnerID = "owner-1"
	}
	if err := h.store.CreateSession(context.Background(), &s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return &s
}

func (h *harness) status(t *testing.T, sessionID string) model.SessionStatus {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s.Status
}
