package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/migration"
	"github.com/cuemby/nimbus/pkg/types"
)

// Client wraps the nimbus REST API for CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for a running nimbus server
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateResult is the server's answer to a create request
type CreateResult struct {
	InstanceID         string               `json:"instanceId"`
	Status             types.InstanceStatus `json:"status"`
	EstimatedReadyTime time.Time            `json:"estimatedReadyTime"`
}

// CreateInstance submits a create request, optionally idempotent
func (c *Client) CreateInstance(ctx context.Context, req *types.CreateInstanceRequest, idempotencyKey string) (*CreateResult, error) {
	var out CreateResult
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	if err := c.call(ctx, http.MethodPost, "/api/instances", req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance fetches the rendered view of one instance
func (c *Client) GetInstance(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/instances/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInstances lists instances, optionally filtered by status
func (c *Client) ListInstances(ctx context.Context, status string, limit int) ([]*types.InstanceState, error) {
	path := "/api/instances"
	q := make([]string, 0, 2)
	if status != "" {
		q = append(q, "status="+status)
	}
	if limit > 0 {
		q = append(q, "limit="+strconv.Itoa(limit))
	}
	for i, param := range q {
		if i == 0 {
			path += "?" + param
		} else {
			path += "&" + param
		}
	}

	var out struct {
		Instances []*types.InstanceState `json:"instances"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// StartInstance begins an asynchronous startup operation
func (c *Client) StartInstance(ctx context.Context, id string) (string, error) {
	var out struct {
		OperationID string `json:"operationId"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/instances/"+id+"/start", nil, nil, &out); err != nil {
		return "", err
	}
	return out.OperationID, nil
}

// StopInstance stops an instance synchronously
func (c *Client) StopInstance(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodPost, "/api/instances/"+id+"/stop", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteInstance terminates and removes an instance
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/instances/"+id, nil, nil, nil)
}

// ListJobs lists jobs with optional type/status filters
func (c *Client) ListJobs(ctx context.Context, jobType, status string) ([]*types.Job, error) {
	path := "/api/jobs"
	switch {
	case jobType != "" && status != "":
		path += "?type=" + jobType + "&status=" + status
	case jobType != "":
		path += "?type=" + jobType
	case status != "":
		path += "?status=" + status
	}

	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobStats fetches queue counters
func (c *Client) JobStats(ctx context.Context) (*jobs.Stats, error) {
	var out jobs.Stats
	if err := c.call(ctx, http.MethodGet, "/api/jobs/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MigrationStatus reports the migration scheduler state
func (c *Client) MigrationStatus(ctx context.Context) (*migration.Status, error) {
	var out migration.Status
	if err := c.call(ctx, http.MethodGet, "/api/migration/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerMigration runs one migration sweep now
func (c *Client) TriggerMigration(ctx context.Context) (*migration.Run, error) {
	var out migration.Run
	if err := c.call(ctx, http.MethodPost, "/api/migration/trigger", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MigrationHistory lists recent migration sweeps
func (c *Client) MigrationHistory(ctx context.Context, limit int) ([]*migration.Run, error) {
	path := "/api/migration/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Runs []*migration.Run `json:"runs"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// errorEnvelope mirrors the server's error body
type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nberrors.Wrap(nberrors.CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nberrors.Wrap(nberrors.CodeNetwork, "read response", err)
	}

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			e := nberrors.New(nberrors.Code(envelope.Error.Code), envelope.Error.Message)
			e.Details = envelope.Error.Details
			return e
		}
		return nberrors.Newf(nberrors.CodeInternal, "server returned %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
