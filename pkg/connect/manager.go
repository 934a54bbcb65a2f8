package connect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/metrics"
	"github.com/ajitpratap0/relay/pkg/retry"
)

// Runtime is the raw control-plane surface a Manager drives. *Client
// implements it.
type Runtime interface {
	Runtime() string
	Create(ctx context.Context, name string, cfg map[string]string) (*Info, error)
	GetStatus(ctx context.Context, name string) (*Status, error)
	GetConfig(ctx context.Context, name string) (map[string]string, error)
	Update(ctx context.Context, name string, cfg map[string]string) (*Info, error)
	Restart(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Health is a point-in-time view of one connector for status reads.
type Health struct {
	Name  string       `json:"name"`
	State State        `json:"state"`
	Tasks []TaskStatus `json:"tasks,omitempty"`
	// Stale is set when the runtime did not answer before the status deadline.
	Stale bool   `json:"stale"`
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the connector runs with every task running.
func (h Health) Healthy() bool {
	if h.State != StateRunning || h.Stale || len(h.Tasks) == 0 {
		return false
	}
	for _, t := range h.Tasks {
		if t.State != StateRunning {
			return false
		}
	}
	return true
}

// Options configures a Manager.
type Options struct {
	Poll          retry.PollConfig
	Retry         *retry.Policy
	StatusTimeout time.Duration
	Recorder      metrics.Recorder
	Logger        *zap.Logger
}

// Manager wraps a Runtime so every mutating call is retried on transient
// errors and followed by a status poll until the connector settles. It holds
// no per-connector state and is shared by all pipelines.
type Manager struct {
	runtime       Runtime
	poll          retry.PollConfig
	retry         *retry.Policy
	statusTimeout time.Duration
	recorder      metrics.Recorder
	logger        *zap.Logger
}

// NewManager returns a Manager over rt.
func NewManager(rt Runtime, opts Options) *Manager {
	m := &Manager{
		runtime:       rt,
		poll:          opts.Poll,
		retry:         opts.Retry,
		statusTimeout: opts.StatusTimeout,
		recorder:      opts.Recorder,
		logger:        opts.Logger,
	}
	if m.retry == nil {
		m.retry = retry.DefaultPolicy()
	}
	if m.recorder == nil {
		m.recorder = metrics.Nop{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "connector_manager"), zap.String("runtime", rt.Runtime()))
	return m
}

// Runtime returns the runtime label.
func (m *Manager) Runtime() string { return m.runtime.Runtime() }

// Create submits the connector and waits for it to run. AlreadyExists is
// returned untouched so the caller can decide between adopting and failing.
// If the connector reaches FAILED the returned Status carries the traces and
// the error is of type connector_failed.
func (m *Manager) Create(ctx context.Context, name string, cfg map[string]string) (*Status, error) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := m.runtime.Create(ctx, name, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.waitRunning(ctx, name, true)
}

// Update replaces the connector's configuration and waits for it to run.
func (m *Manager) Update(ctx context.Context, name string, cfg map[string]string) (*Status, error) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := m.runtime.Update(ctx, name, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.waitRunning(ctx, name, true)
}

// Config returns the configuration the runtime holds for name.
func (m *Manager) Config(ctx context.Context, name string) (map[string]string, error) {
	var cfg map[string]string
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		cfg, err = m.runtime.GetConfig(ctx, name)
		return err
	})
	return cfg, err
}

// Restart restarts the connector's failed parts and waits for it to run. A
// 409 while a config update propagates is retried after backoff.
func (m *Manager) Restart(ctx context.Context, name string) (*Status, error) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.runtime.Restart(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return m.waitRunning(ctx, name, false)
}

// Pause pauses the connector and waits until it and its tasks report PAUSED.
func (m *Manager) Pause(ctx context.Context, name string) (*Status, error) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.runtime.Pause(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	// a FAILED connector keeps reporting FAILED after accepting the pause
	return m.waitFor(ctx, name, "pause", false, func(s *Status) (bool, error) {
		return s.Paused() || s.Failed(), nil
	})
}

// Resume resumes the connector and waits for it to run.
func (m *Manager) Resume(ctx context.Context, name string) (*Status, error) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.runtime.Resume(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return m.waitRunning(ctx, name, false)
}

// Delete removes the connector and waits until the runtime no longer knows it.
// Deleting a connector that does not exist returns NotFound.
func (m *Manager) Delete(ctx context.Context, name string) error {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.runtime.Delete(ctx, name)
	})
	if err != nil {
		return err
	}
	return retry.Poll(ctx, m.poll, func(ctx context.Context) (bool, error) {
		_, err := m.runtime.GetStatus(ctx, name)
		switch {
		case errors.IsNotFound(err):
			m.recorder.ObservePoll(m.Runtime(), "done")
			return true, nil
		case err != nil:
			m.observePollError(err)
			return false, err
		default:
			m.recorder.ObservePoll(m.Runtime(), "pending")
			return false, nil
		}
	})
}

// Status reads the connector's live status once, bounded by the status timeout.
func (m *Manager) Status(ctx context.Context, name string) (*Status, error) {
	if m.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.statusTimeout)
		defer cancel()
	}
	return m.runtime.GetStatus(ctx, name)
}

// Health reads the connector's status and never returns an error: a missed
// deadline yields UNKNOWN and Stale, an unknown connector NOT_FOUND.
func (m *Manager) Health(ctx context.Context, name string) Health {
	h := Health{Name: name}
	status, err := m.Status(ctx, name)
	switch {
	case err == nil:
		h.State = status.Connector.State
		h.Tasks = status.Tasks
		if trace := status.Trace(); trace != "" {
			h.Error = trace
		}
	case errors.IsNotFound(err):
		h.State = StateNotFound
	default:
		h.State = StateUnknown
		h.Stale = true
		h.Error = err.Error()
	}
	return h
}

// waitRunning polls until the connector and all its tasks run. FAILED ends the
// loop with a connector_failed error; justCreated tolerates NotFound while the
// runtime is still registering the connector.
func (m *Manager) waitRunning(ctx context.Context, name string, justCreated bool) (*Status, error) {
	return m.waitFor(ctx, name, "run", justCreated, func(s *Status) (bool, error) {
		if s.Failed() {
			return true, errors.New(errors.ErrorTypeConnectorFailed,
				fmt.Sprintf("connector %s reached FAILED", name)).
				WithDetail("connector", name).
				WithDetail("runtime", m.Runtime()).
				WithDetail("trace", s.Trace())
		}
		return s.Running(), nil
	})
}

func (m *Manager) waitFor(ctx context.Context, name, goal string, allowMissing bool, settled func(*Status) (bool, error)) (*Status, error) {
	log := logger.FromContext(ctx, m.logger).With(zap.String("connector", name), zap.String("goal", goal))

	var last *Status
	err := retry.Poll(ctx, m.poll, func(ctx context.Context) (bool, error) {
		status, err := m.runtime.GetStatus(ctx, name)
		if err != nil {
			if allowMissing && errors.IsNotFound(err) {
				m.recorder.ObservePoll(m.Runtime(), "pending")
				return false, nil
			}
			m.observePollError(err)
			return false, err
		}
		last = status
		done, err := settled(status)
		if done {
			m.recorder.ObservePoll(m.Runtime(), "done")
		} else {
			m.recorder.ObservePoll(m.Runtime(), "pending")
		}
		return done, err
	})
	if err != nil {
		log.Warn("connector did not settle", zap.Error(err))
		return last, err
	}
	log.Debug("connector settled", zap.String("state", string(last.Connector.State)))
	return last, nil
}

func (m *Manager) observePollError(err error) {
	if errors.IsType(err, errors.ErrorTypeTimeout) {
		m.recorder.ObservePoll(m.Runtime(), "timeout")
		return
	}
	m.recorder.ObservePoll(m.Runtime(), "error")
}
