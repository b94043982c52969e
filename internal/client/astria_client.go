package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/model"
)

// RemoteStatus is the normalized state of a remote job.
type RemoteStatus string

const (
	RemoteStatusPending    RemoteStatus = "pending"
	RemoteStatusProcessing RemoteStatus = "processing"
	RemoteStatusCompleted  RemoteStatus = "completed"
	RemoteStatusFailed     RemoteStatus = "failed"
)

// JobStatus is the result of a remote status lookup.
type JobStatus struct {
	JobID   string
	Status  RemoteStatus
	ETA     *time.Time
	ModelID string
	Images  []string
}

// JobStatusClient looks up remote training and generation jobs.
type JobStatusClient interface {
	GetJobStatus(ctx context.Context, kind model.JobKind, jobID string) (*JobStatus, error)
}

// AstriaClient implements JobStatusClient for the Astria API
type AstriaClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// astriaJob is the union of the tune and prompt payloads we read.
type astriaJob struct {
	ID        json.RawMessage `json:"id"`
	Status    string          `json:"status,omitempty"`
	ETA       string          `json:"eta,omitempty"`
	ModelID   string          `json:"model_id,omitempty"`
	TrainedAt *string         `json:"trained_at,omitempty"`
	FailedAt  *string         `json:"failed_at,omitempty"`
	Images    []imageRef      `json:"images,omitempty"`
}

// imageRef accepts either a bare URL string or an object with a url field.
type imageRef string

func (r *imageRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = imageRef(s)
		return nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("image entry is neither string nor object: %w", err)
	}
	*r = imageRef(obj.URL)
	return nil
}

// NewAstriaClient creates a new Astria API client
func NewAstriaClient(cfg *config.AstriaConfig, logger zerolog.Logger) *AstriaClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &AstriaClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "astria").Logger(),
	}
}

// GetJobStatus retrieves the current state of a tune (training) or prompt
// (generation) job.
func (c *AstriaClient) GetJobStatus(ctx context.Context, kind model.JobKind, jobID string) (*JobStatus, error) {
	var endpoint string
	switch kind {
	case model.JobKindTraining:
		endpoint = "/tunes/" + url.PathEscape(jobID)
	case model.JobKindGeneration:
		endpoint = "/prompts/" + url.PathEscape(jobID)
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}

	var job astriaJob
	if err := c.get(ctx, endpoint, &job); err != nil {
		return nil, err
	}

	return normalizeJob(kind, jobID, &job), nil
}

// get sends a GET request and parses the JSON response
func (c *AstriaClient) get(ctx context.Context, endpoint string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &JobError{Kind: JobErrorService, Message: "rate limiter wait aborted", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and maps failures onto JobError
func (c *AstriaClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("request failed")
		return &JobError{Kind: JobErrorService, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &JobError{Kind: JobErrorService, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	c.logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("response")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &JobError{Kind: JobErrorNotFound, StatusCode: resp.StatusCode, Message: string(respBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &JobError{
			Kind:       JobErrorRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(respBody),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &JobError{Kind: JobErrorService, StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("malformed response")
		return &JobError{Kind: JobErrorService, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *AstriaClient) IsConfigured() bool {
	return c.apiKey != ""
}

func normalizeJob(kind model.JobKind, jobID string, job *astriaJob) *JobStatus {
	status := &JobStatus{
		JobID:   jobID,
		Status:  normalizeStatus(job),
		ModelID: job.ModelID,
	}

	if job.ETA != "" {
		if eta, err := time.Parse(time.RFC3339, job.ETA); err == nil {
			status.ETA = &eta
		}
	}

	for _, img := range job.Images {
		if u := strings.TrimSpace(string(img)); u != "" {
			status.Images = append(status.Images, u)
		}
	}

	// A trained tune is itself the model.
	if kind == model.JobKindTraining && status.ModelID == "" && status.Status == RemoteStatusCompleted {
		status.ModelID = rawID(job.ID)
		if status.ModelID == "" {
			status.ModelID = jobID
		}
	}

	return status
}

func normalizeStatus(job *astriaJob) RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(job.Status)) {
	case "completed", "succeeded", "success", "trained":
		return RemoteStatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return RemoteStatusFailed
	case "processing", "running", "training", "generating", "in_progress":
		return RemoteStatusProcessing
	case "pending", "queued":
		return RemoteStatusPending
	}

	switch {
	case job.FailedAt != nil && *job.FailedAt != "":
		return RemoteStatusFailed
	case job.TrainedAt != nil && *job.TrainedAt != "":
		return RemoteStatusCompleted
	case len(job.Images) > 0:
		return RemoteStatusCompleted
	}
	return RemoteStatusPending
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
