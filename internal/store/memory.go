package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

// Memory is an in-process Store. Values are cloned on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]*models.Connection
	pipelines   map[string]*models.Pipeline
	events      map[string][]Event
	nextEvent   int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		connections: make(map[string]*models.Connection),
		pipelines:   make(map[string]*models.Pipeline),
		events:      make(map[string][]Event),
	}
}

func (m *Memory) CreateConnection(_ context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[c.ID]; ok {
		return errors.AlreadyExists("connection", c.ID)
	}
	for _, existing := range m.connections {
		if strings.EqualFold(existing.Name, c.Name) {
			return errors.AlreadyExists("connection", c.Name)
		}
	}
	m.connections[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, errors.NotFound("connection", id)
	}
	return c.Clone(), nil
}

func (m *Memory) ListConnections(_ context.Context) ([]*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (m *Memory) UpdateConnection(_ context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[c.ID]; !ok {
		return errors.NotFound("connection", c.ID)
	}
	for id, existing := range m.connections {
		if id != c.ID && strings.EqualFold(existing.Name, c.Name) {
			return errors.AlreadyExists("connection", c.Name)
		}
	}
	m.connections[c.ID] = c.Clone()
	return nil
}

func (m *Memory) CreatePipeline(_ context.Context, p *models.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; ok {
		return errors.AlreadyExists("pipeline", p.ID)
	}
	for _, id := range []string{p.SourceConnectionID, p.TargetConnectionID} {
		if _, ok := m.connections[id]; !ok {
			return errors.NotFound("connection", id)
		}
	}
	m.pipelines[p.ID] = p.Clone()
	m.appendEvents(p.ID, Event{To: p.Status, Reason: "create"})
	return nil
}

func (m *Memory) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, errors.NotFound("pipeline", id)
	}
	return p.Clone(), nil
}

func (m *Memory) ListPipelines(_ context.Context) ([]*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedPipelines(func(*models.Pipeline) bool { return true }), nil
}

func (m *Memory) SavePipeline(_ context.Context, p *models.Pipeline, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pipelines[p.ID]
	if !ok {
		return errors.NotFound("pipeline", p.ID)
	}
	if err := checkCheckpointReplace(p.ID, stored.Checkpoint, p.Checkpoint); err != nil {
		return err
	}
	next := p.Clone()
	next.UpdatedAt = time.Now().UTC()
	m.pipelines[p.ID] = next
	p.UpdatedAt = next.UpdatedAt
	m.appendEvents(p.ID, events...)
	return nil
}

func (m *Memory) DeletePipeline(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[id]; !ok {
		return errors.NotFound("pipeline", id)
	}
	delete(m.pipelines, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) PipelinesUsingConnection(_ context.Context, connectionID string) ([]*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedPipelines(func(p *models.Pipeline) bool {
		return p.SourceConnectionID == connectionID || p.TargetConnectionID == connectionID
	}), nil
}

// ListEvents returns the newest events first.
func (m *Memory) ListEvents(_ context.Context, pipelineID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[pipelineID]
	out := make([]Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) appendEvents(pipelineID string, events ...Event) {
	for _, e := range events {
		m.nextEvent++
		e.ID = m.nextEvent
		e.PipelineID = pipelineID
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		m.events[pipelineID] = append(m.events[pipelineID], e)
	}
}

func (m *Memory) sortedPipelines(keep func(*models.Pipeline) bool) []*models.Pipeline {
	out := make([]*models.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
