package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/babyshoot/api/internal/config"
)

// FetchedObject is a downloaded remote file held in memory.
type FetchedObject struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Downloader fetches externally hosted artifacts.
type Downloader interface {
	Fetch(ctx context.Context, url string) (*FetchedObject, error)
}

// Fetcher downloads files over HTTP with a bounded timeout and size.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher creates a downloader from storage settings
func NewFetcher(cfg *config.StorageConfig) *Fetcher {
	timeout := time.Duration(cfg.DownloadTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxMB := cfg.MaxDownloadMB
	if maxMB <= 0 {
		maxMB = 25
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   int64(maxMB) << 20,
	}
}

// Fetch downloads url. The content type comes from the response header when
// it names a concrete type, otherwise it is sniffed from the bytes.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*FetchedObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("download %s exceeds %d bytes", url, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download %s returned an empty body", url)
	}

	detected := mimetype.Detect(data)
	contentType := detected.String()
	if header := resp.Header.Get("Content-Type"); header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" && !strings.HasPrefix(mt, "text/") {
			contentType = mt
		}
	}

	return &FetchedObject{
		Data:        data,
		ContentType: contentType,
		Extension:   detected.Extension(),
	}, nil
}
