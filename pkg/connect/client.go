// Package connect is the connector lifecycle manager: a typed client for a
// connector runtime's REST control plane and the poll loops that follow every
// mutating call until the connector reaches a terminal state.
package connect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/pkg/clients"
	"github.com/ajitpratap0/relay/pkg/errors"
)

// State is a connector or task state as reported by the runtime, plus two
// values relay uses when the runtime could not be asked.
type State string

const (
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateFailed     State = "FAILED"
	StateUnassigned State = "UNASSIGNED"
	StateRestarting State = "RESTARTING"
	// StateUnknown means the status call did not answer in time.
	StateUnknown State = "UNKNOWN"
	// StateNotFound means the runtime does not know the connector.
	StateNotFound State = "NOT_FOUND"
)

// TaskStatus is one task of a connector.
type TaskStatus struct {
	ID       int    `json:"id"`
	State    State  `json:"state"`
	WorkerID string `json:"worker_id,omitempty"`
	// Trace is the raw failure text of a FAILED task. It is diagnostic only.
	Trace string `json:"trace,omitempty"`
}

// ConnectorState is the connector-level part of a status response.
type ConnectorState struct {
	State    State  `json:"state"`
	WorkerID string `json:"worker_id,omitempty"`
	Trace    string `json:"trace,omitempty"`
}

// Status is the response of GET /connectors/{name}/status.
type Status struct {
	Name      string         `json:"name"`
	Connector ConnectorState `json:"connector"`
	Tasks     []TaskStatus   `json:"tasks"`
	Type      string         `json:"type,omitempty"`
}

// Running reports whether the connector and all of its tasks run. A
// connector with no tasks assigned yet is not running.
func (s *Status) Running() bool {
	if s == nil || s.Connector.State != StateRunning || len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if t.State != StateRunning {
			return false
		}
	}
	return true
}

// Paused reports whether the connector and all of its tasks are paused.
func (s *Status) Paused() bool {
	if s == nil || s.Connector.State != StatePaused {
		return false
	}
	for _, t := range s.Tasks {
		if t.State != StatePaused {
			return false
		}
	}
	return true
}

// Failed reports whether the connector or any task is FAILED.
func (s *Status) Failed() bool {
	if s == nil {
		return false
	}
	if s.Connector.State == StateFailed {
		return true
	}
	for _, t := range s.Tasks {
		if t.State == StateFailed {
			return true
		}
	}
	return false
}

// Trace joins the connector trace and every failed task's trace.
func (s *Status) Trace() string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.Connector.Trace != "" {
		parts = append(parts, s.Connector.Trace)
	}
	for _, t := range s.Tasks {
		if t.State == StateFailed && t.Trace != "" {
			parts = append(parts, fmt.Sprintf("task %d: %s", t.ID, t.Trace))
		}
	}
	return strings.Join(parts, "\n")
}

// Info is the runtime's view of a connector's definition.
type Info struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
	Tasks  []struct {
		Connector string `json:"connector"`
		Task      int    `json:"task"`
	} `json:"tasks"`
	Type string `json:"type,omitempty"`
}

type createRequest struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

type errorBody struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// Client is a typed client for one connector runtime. It is stateless and
// safe for concurrent use.
type Client struct {
	http   *clients.HTTPClient
	logger *zap.Logger
}

// NewClient wraps an HTTP client pointed at the runtime's base URL.
func NewClient(httpClient *clients.HTTPClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   httpClient,
		logger: logger.With(zap.String("component", "connect_client"), zap.String("runtime", httpClient.Name())),
	}
}

// Runtime returns the runtime label, "source" or "sink".
func (c *Client) Runtime() string { return c.http.Name() }

// Create submits a new connector. A name collision returns AlreadyExists.
func (c *Client) Create(ctx context.Context, name string, cfg map[string]string) (*Info, error) {
	resp, err := c.http.Do(ctx, http.MethodPost, "/connectors", createRequest{Name: name, Config: cfg})
	if err != nil {
		return nil, err
	}
	if err := c.check(resp, name, "create"); err != nil {
		return nil, err
	}
	var info Info
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	c.logger.Info("connector created", zap.String("connector", name))
	return &info, nil
}

// GetStatus returns the connector's live state.
func (c *Client) GetStatus(ctx context.Context, name string) (*Status, error) {
	resp, err := c.http.Do(ctx, http.MethodGet, connectorPath(name, "status"), nil)
	if err != nil {
		return nil, err
	}
	if err := c.check(resp, name, "status"); err != nil {
		return nil, err
	}
	var status Status
	if err := resp.Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetConfig returns the configuration the runtime holds.
func (c *Client) GetConfig(ctx context.Context, name string) (map[string]string, error) {
	resp, err := c.http.Do(ctx, http.MethodGet, connectorPath(name, "config"), nil)
	if err != nil {
		return nil, err
	}
	if err := c.check(resp, name, "get config"); err != nil {
		return nil, err
	}
	cfg := make(map[string]string)
	if err := resp.Decode(&cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Update replaces the connector's configuration. The runtime creates the
// connector if it does not exist.
func (c *Client) Update(ctx context.Context, name string, cfg map[string]string) (*Info, error) {
	resp, err := c.http.Do(ctx, http.MethodPut, connectorPath(name, "config"), cfg)
	if err != nil {
		return nil, err
	}
	if err := c.check(resp, name, "update"); err != nil {
		return nil, err
	}
	var info Info
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Restart restarts the connector and its failed tasks.
func (c *Client) Restart(ctx context.Context, name string) error {
	path := connectorPath(name, "restart") + "?includeTasks=true&onlyFailed=true"
	resp, err := c.http.Do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return c.check(resp, name, "restart")
}

// Pause pauses the connector and its tasks.
func (c *Client) Pause(ctx context.Context, name string) error {
	resp, err := c.http.Do(ctx, http.MethodPut, connectorPath(name, "pause"), nil)
	if err != nil {
		return err
	}
	return c.check(resp, name, "pause")
}

// Resume resumes a paused connector.
func (c *Client) Resume(ctx context.Context, name string) error {
	resp, err := c.http.Do(ctx, http.MethodPut, connectorPath(name, "resume"), nil)
	if err != nil {
		return err
	}
	return c.check(resp, name, "resume")
}

// Delete removes the connector.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.http.Do(ctx, http.MethodDelete, connectorPath(name, ""), nil)
	if err != nil {
		return err
	}
	if err := c.check(resp, name, "delete"); err != nil {
		return err
	}
	c.logger.Info("connector deleted", zap.String("connector", name))
	return nil
}

func connectorPath(name, action string) string {
	path := "/connectors/" + url.PathEscape(name)
	if action != "" {
		path += "/" + action
	}
	return path
}

// check maps a control-plane status code onto the error taxonomy.
func (c *Client) check(resp *clients.Response, name, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(resp.Body))
	var body errorBody
	if resp.Decode(&body) == nil && body.Message != "" {
		msg = body.Message
	}

	var err *errors.Error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		err = errors.NotFound("connector", name)
	case resp.StatusCode == http.StatusConflict && strings.Contains(strings.ToLower(msg), "already exists"):
		err = errors.AlreadyExists("connector", name)
	case resp.StatusCode == http.StatusConflict:
		// rebalance in progress or a config update still propagating
		err = errors.Transient(nil, fmt.Sprintf("%s %s conflicted: %s", op, name, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		err = errors.New(errors.ErrorTypeRateLimit, fmt.Sprintf("%s %s throttled", op, name))
	case resp.StatusCode >= http.StatusInternalServerError:
		err = errors.Transient(nil, fmt.Sprintf("%s %s failed with status %d: %s", op, name, resp.StatusCode, msg))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		err = errors.New(errors.ErrorTypeConfig, fmt.Sprintf("runtime rejected %s of %s: %s", op, name, msg))
	default:
		err = errors.New(errors.ErrorTypeInternal, fmt.Sprintf("%s %s returned status %d: %s", op, name, resp.StatusCode, msg))
	}
	return err.
		WithDetail("runtime", c.http.Name()).
		WithDetail("status_code", resp.StatusCode).
		WithDetail("connector", name)
}
