// Package tasksource is the HTTP client for the external task source (C1):
// the labeling backend that owns the pool of unlabeled transcription tasks
// and accepts finished annotations. The core never mints a task id; it only
// ever echoes one back through this interface.
package tasksource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// TaskSource is the narrow contract the reconciler and assignment engine
// need against the labeling backend.
type TaskSource interface {
	// UnlabeledTaskIDs returns every task id still awaiting annotation.
	UnlabeledTaskIDs(ctx context.Context) ([]domain.TaskID, error)
	// TaskMetadata fetches the audio URL, duration, and arbitrary metadata
	// for a single task.
	TaskMetadata(ctx context.Context, id domain.TaskID) (domain.TaskAssignment, error)
	// SubmitAnnotation forwards a finished transcription as a new annotation.
	SubmitAnnotation(ctx context.Context, id domain.TaskID, text string) error
	// UpdateDuration patches the measured audio duration (in seconds) back
	// onto a task's data, for tasks the labeling backend recorded without one.
	UpdateDuration(ctx context.Context, id domain.TaskID, seconds float64, method string) error
}

// Client implements TaskSource over the labeling backend's HTTP API.
type Client struct {
	baseURL string
	token   string
	project string
	client  *http.Client
}

// New creates a Client with a 30-second request timeout, per the
// outbound-call budget the dispatch middleware is specified against.
func New(baseURL, token, project string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		project: project,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ TaskSource = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tasksource: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("tasksource: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tasksource: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("tasksource: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return &domain.ErrUpstream{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("tasksource: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) UnlabeledTaskIDs(ctx context.Context) ([]domain.TaskID, error) {
	var result struct {
		Tasks []struct {
			ID domain.TaskID `json:"id"`
		} `json:"tasks"`
	}
	path := fmt.Sprintf("/api/projects/%s/tasks?filters=unlabeled", c.project)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	ids := make([]domain.TaskID, len(result.Tasks))
	for i, t := range result.Tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

func (c *Client) TaskMetadata(ctx context.Context, id domain.TaskID) (domain.TaskAssignment, error) {
	var result struct {
		ID   domain.TaskID `json:"id"`
		Data struct {
			Audio    string          `json:"audio"`
			Duration float64         `json:"duration"`
			Extra    json.RawMessage `json:"meta"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/api/tasks/%d", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return domain.TaskAssignment{}, err
	}
	return domain.TaskAssignment{
		TaskID:   id,
		AudioURL: result.Data.Audio,
		Duration: result.Data.Duration,
		Metadata: result.Data.Extra,
	}, nil
}

func (c *Client) SubmitAnnotation(ctx context.Context, id domain.TaskID, text string) error {
	body := map[string]any{
		"task": id,
		"result": []map[string]any{
			{"value": map[string]any{"text": []string{text}}},
		},
	}
	path := fmt.Sprintf("/api/tasks/%d/annotations/", id)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) UpdateDuration(ctx context.Context, id domain.TaskID, seconds float64, method string) error {
	body := map[string]any{
		"data": map[string]any{
			"duration":                   seconds,
			"duration_extraction_method": method,
		},
	}
	path := fmt.Sprintf("/api/tasks/%d", id)
	return c.do(ctx, http.MethodPatch, path, body, nil)
}
