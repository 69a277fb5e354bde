// Package workflow is a thin client for the external workflow engine that
// executes long-running jobs (server reboots, setup runs) on the control
// plane's behalf.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job statuses as reported by the engine.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// ErrNotConfigured is returned when no engine endpoint is set. Operations
// that need the engine fail fast instead of dialing nowhere.
var ErrNotConfigured = errors.New("workflow: engine endpoint not configured")

// Job is the engine's view of a single job.
type Job struct {
	UUID   uuid.UUID `json:"uuid"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
}

// Terminal reports whether the job has finished, one way or the other.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Succeeded reports whether the job finished successfully.
func (j *Job) Succeeded() bool {
	return j.Status == JobStatusSucceeded
}

// Engine creates and inspects jobs. The HTTP implementation is Client;
// tests substitute their own.
type Engine interface {
	CreateJob(ctx context.Context, name string, params map[string]any) (*Job, error)
	JobStatus(ctx context.Context, id uuid.UUID) (*Job, error)
	Connected() bool
}

// Client talks to the workflow engine's REST API.
// The zero value is not usable — create instances with New.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client. baseURL may be empty, in which case every call
// returns ErrNotConfigured and Connected reports false.
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("workflow"),
	}
}

// CreateJob submits a new job and returns the engine's job record.
func (c *Client) CreateJob(ctx context.Context, name string, params map[string]any) (*Job, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	payload := map[string]any{"name": name, "params": params}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workflow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: create job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("workflow: create job: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("workflow: decode job: %w", err)
	}
	c.logger.Info("job created",
		zap.String("job_uuid", job.UUID.String()),
		zap.String("job_name", name),
	)
	return &job, nil
}

// JobStatus fetches the current state of a job.
func (c *Client) JobStatus(ctx context.Context, id uuid.UUID) (*Job, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+id.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("workflow: job status: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("workflow: decode job: %w", err)
	}
	return &job, nil
}

// Connected reports whether an engine endpoint is configured. Used by the
// HTTP layer's connected precondition.
func (c *Client) Connected() bool {
	return c.baseURL != ""
}
