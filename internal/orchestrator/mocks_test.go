package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

type mockConnector struct {
	config map[string]string
	state  connect.State
	trace  string
}

// mockManager is an in-memory connector runtime that counts every call.
type mockManager struct {
	mu         sync.Mutex
	runtime    string
	connectors map[string]*mockConnector
	calls      map[string]int
	// journal is shared between managers to observe cross-runtime ordering
	journal *[]string

	failOnCreate string
	createErr    error
	stale        map[string]bool
	restartErr   error
	pauseErr     error
}

func newMockManager(runtime string, journal *[]string) *mockManager {
	return &mockManager{
		runtime:    runtime,
		connectors: make(map[string]*mockConnector),
		calls:      make(map[string]int),
		journal:    journal,
		stale:      make(map[string]bool),
	}
}

func (m *mockManager) record(op, name string) {
	m.calls[op]++
	if m.journal != nil {
		*m.journal = append(*m.journal, m.runtime+":"+op+":"+name)
	}
}

func (m *mockManager) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// mutations counts every call that changes runtime state.
func (m *mockManager) mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range []string{"create", "update", "restart", "pause", "resume", "delete"} {
		n += m.calls[op]
	}
	return n
}

func (m *mockManager) config(name string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[name]; ok {
		return c.config
	}
	return nil
}

func (m *mockManager) setState(name string, state connect.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[name].state = state
}

func (m *mockManager) state(name string) connect.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[name]; ok {
		return c.state
	}
	return connect.StateNotFound
}

func (m *mockManager) status(name string, c *mockConnector) *connect.Status {
	task := connect.TaskStatus{ID: 0, State: c.state}
	if c.state == connect.StateFailed {
		task.Trace = c.trace
	}
	return &connect.Status{
		Name:      name,
		Connector: connect.ConnectorState{State: c.state},
		Tasks:     []connect.TaskStatus{task},
	}
}

func (m *mockManager) Runtime() string { return m.runtime }

func (m *mockManager) Create(_ context.Context, name string, cfg map[string]string) (*connect.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create", name)
	if m.createErr != nil {
		return nil, m.createErr
	}
	if _, ok := m.connectors[name]; ok {
		return nil, errors.AlreadyExists("connector", name)
	}
	c := &mockConnector{config: cfg, state: connect.StateRunning}
	m.connectors[name] = c
	if m.failOnCreate != "" {
		c.state = connect.StateFailed
		c.trace = m.failOnCreate
		return m.status(name, c), errors.New(errors.ErrorTypeConnectorFailed, "connector "+name+" reached FAILED").
			WithDetail("trace", c.trace)
	}
	return m.status(name, c), nil
}

func (m *mockManager) Update(_ context.Context, name string, cfg map[string]string) (*connect.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update", name)
	c, ok := m.connectors[name]
	if !ok {
		return nil, errors.NotFound("connector", name)
	}
	c.config = cfg
	if c.state != connect.StatePaused {
		c.state = connect.StateRunning
	}
	return m.status(name, c), nil
}

func (m *mockManager) Config(_ context.Context, name string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("config", name)
	c, ok := m.connectors[name]
	if !ok {
		return nil, errors.NotFound("connector", name)
	}
	return c.config, nil
}

func (m *mockManager) Restart(_ context.Context, name string) (*connect.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("restart", name)
	if m.restartErr != nil {
		return nil, m.restartErr
	}
	c, ok := m.connectors[name]
	if !ok {
		return nil, errors.NotFound("connector", name)
	}
	c.state = connect.StateRunning
	return m.status(name, c), nil
}

func (m *mockManager) Pause(_ context.Context, name string) (*connect.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("pause", name)
	if m.pauseErr != nil {
		return nil, m.pauseErr
	}
	c, ok := m.connectors[name]
	if !ok {
		return nil, errors.NotFound("connector", name)
	}
	if c.state != connect.StateFailed {
		c.state = connect.StatePaused
	}
	return m.status(name, c), nil
}

func (m *mockManager) Resume(_ context.Context, name string) (*connect.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("resume", name)
	c, ok := m.connectors[name]
	if !ok {
		return nil, errors.NotFound("connector", name)
	}
	c.state = connect.StateRunning
	return m.status(name, c), nil
}

func (m *mockManager) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete", name)
	if _, ok := m.connectors[name]; !ok {
		return errors.NotFound("connector", name)
	}
	delete(m.connectors, name)
	return nil
}

func (m *mockManager) Health(_ context.Context, name string) connect.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["health"]++
	h := connect.Health{Name: name}
	if m.stale[name] {
		h.State = connect.StateUnknown
		h.Stale = true
		h.Error = "timeout: status call exceeded its deadline"
		return h
	}
	c, ok := m.connectors[name]
	if !ok {
		h.State = connect.StateNotFound
		return h
	}
	st := m.status(name, c)
	h.State = st.Connector.State
	h.Tasks = st.Tasks
	h.Error = st.Trace()
	return h
}

// fakeBulk is a BulkLoader returning a fixed position.
type fakeBulk struct {
	mu          sync.Mutex
	calls       int
	requests    []bulkload.Request
	supportsErr error
	err         error
	outcome     bulkload.Outcome
	position    string

	entered chan struct{}
	block   chan struct{}
}

func (b *fakeBulk) Supports(models.DatabaseType, models.DatabaseType) error { return b.supportsErr }

func (b *fakeBulk) Run(ctx context.Context, req bulkload.Request) (*bulkload.Result, error) {
	b.mu.Lock()
	b.calls++
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, errors.FromContext(ctx.Err(), "full load interrupted")
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	if b.outcome == bulkload.OutcomeNotNeeded {
		return &bulkload.Result{Outcome: bulkload.OutcomeNotNeeded}, nil
	}
	position := b.position
	if position == "" {
		position = "LSN-1000"
	}
	return &bulkload.Result{
		Outcome: bulkload.OutcomeCompleted,
		Checkpoint: &models.Checkpoint{
			ID:         uuid.NewString(),
			PipelineID: req.PipelineID,
			RunID:      uuid.NewString(),
			Kind:       models.CheckpointLSN,
			Position:   position,
			CapturedAt: time.Now().UTC(),
		},
		Rows: 42,
	}, nil
}

func (b *fakeBulk) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeProvisioner struct {
	journal *[]string
	ensured [][]string
}

func (p *fakeProvisioner) Enabled() bool { return true }

func (p *fakeProvisioner) Ensure(_ context.Context, names []string) ([]string, error) {
	p.ensured = append(p.ensured, names)
	*p.journal = append(*p.journal, "streams:ensure")
	return names, nil
}
