// Package http implements the worker transport over plain HTTP. Workers
// expose a small task API; the master posts execution and cancel requests and
// receives lifecycle reports on its own event endpoint.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orcasched/orca/dispatcher"
)

type Transport struct {
	client *http.Client
}

type TransportOption func(*Transport)

func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		t.client = client
	}
}

func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		client: &http.Client{Timeout: time.Second * 10},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// executionRequest is the wire form of a task execution command.
type executionRequest struct {
	TaskInstanceID     string            `json:"task_instance_id"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	NodeCode           string            `json:"node_code"`
	TaskType           string            `json:"task_type"`
	TimeoutSeconds     int64             `json:"timeout_seconds"`
	Params             map[string]string `json:"params,omitempty"`
	Resources          []string          `json:"resources,omitempty"`
}

func (t *Transport) Send(ctx context.Context, host string, cmd *dispatcher.ExecutionCommand) error {
	req := &executionRequest{
		TaskInstanceID:     cmd.TaskInstanceID,
		WorkflowInstanceID: cmd.WorkflowInstanceID,
		NodeCode:           cmd.NodeCode,
		TaskType:           cmd.TaskType,
		TimeoutSeconds:     int64(cmd.Timeout.Seconds()),
		Params:             cmd.Params,
		Resources:          cmd.Resources,
	}

	return t.post(ctx, fmt.Sprintf("http://%s/api/v1/tasks", host), req)
}

func (t *Transport) Cancel(ctx context.Context, host string, taskInstanceID string) error {
	return t.post(ctx, fmt.Sprintf("http://%s/api/v1/tasks/%s/cancel", host, taskInstanceID), nil)
}

func (t *Transport) post(ctx context.Context, url string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	return nil
}
