package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const maxErrorBody = 4096

// QueueError represents a non-success response from the submission or
// upload endpoints.
type QueueError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx)
// indicate a bad job description and are considered permanent.
func (e *QueueError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// Client talks to the render backend over HTTP.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, clientID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// ClientID returns the feed client id submissions are keyed by.
func (c *Client) ClientID() string { return c.clientID }

// QueuePrompt posts a workflow graph and returns the backend job id.
func (c *Client) QueuePrompt(ctx context.Context, graph json.RawMessage) (string, error) {
	body, err := json.Marshal(QueueRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("marshal queue request: %w", err)
	}

	url := c.baseURL + "/prompt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &QueueError{Endpoint: "/prompt", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var queued QueueResponse
	if err := json.Unmarshal(respBody, &queued); err != nil {
		return "", fmt.Errorf("parse queue response: %w", err)
	}
	if queued.PromptID == "" {
		return "", fmt.Errorf("queue response missing prompt_id")
	}

	c.logger.Info("prompt queued",
		"prompt_id", queued.PromptID,
		"queue_number", queued.Number,
	)
	return queued.PromptID, nil
}

// UploadImage posts a reference image and returns the backend-local
// filename to substitute into image slots.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	url := c.baseURL + "/upload/image"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &QueueError{Endpoint: "/upload/image", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var uploaded UploadResponse
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}

	c.logger.Info("image uploaded", "name", uploaded.Name, "subfolder", uploaded.Subfolder)
	return uploaded.Name, nil
}

// History queries the pull status endpoint for one job id. done is true
// when the entry exists with a populated outputs section; an absent or
// empty body means "not yet done", not an error.
func (c *Client) History(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	url := c.baseURL + "/history/" + jobID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("history returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read history body: %w", err)
	}

	var entries map[string]HistoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, false, fmt.Errorf("parse history body: %w", err)
	}

	entry, ok := entries[jobID]
	if !ok || len(entry.Outputs) == 0 {
		return nil, false, nil
	}

	payload, _ := json.Marshal(entry)
	return payload, true, nil
}

// SystemStats fetches device memory info from the primary telemetry
// endpoint. A short per-call timeout keeps a wedged backend from stalling
// snapshot capture.
func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := c.baseURL + "/system_stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("system_stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("system_stats returned HTTP %d", resp.StatusCode)
	}

	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("parse system_stats body: %w", err)
	}
	return &stats, nil
}

// Ping verifies the backend is reachable. Used as a run preflight so an
// absent backend fails before the first submission.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.SystemStats(ctx); err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	return nil
}
