// Package store persists connections, pipelines, their checkpoints and the
// pipeline state-event history. Two backends exist: an in-memory store for
// tests and single-process use, and a Postgres store with embedded
// migrations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

// Event is one recorded pipeline status change.
type Event struct {
	ID         int64                 `json:"id"`
	PipelineID string                `json:"pipeline_id"`
	From       models.PipelineStatus `json:"from"`
	To         models.PipelineStatus `json:"to"`
	Reason     string                `json:"reason"`
	Step       string                `json:"step,omitempty"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

// ConnectionRepository stores connections.
type ConnectionRepository interface {
	CreateConnection(ctx context.Context, c *models.Connection) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnections(ctx context.Context) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, c *models.Connection) error
}

// PipelineRepository stores pipelines with their current checkpoint.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
	// SavePipeline writes the pipeline's status fields and checkpoint and
	// appends events, all or nothing. Replacing a checkpoint that has not
	// been invalidated fails with checkpoint_invariant.
	SavePipeline(ctx context.Context, p *models.Pipeline, events ...Event) error
	DeletePipeline(ctx context.Context, id string) error
	// PipelinesUsingConnection lists pipelines referencing a connection as
	// source or target.
	PipelinesUsingConnection(ctx context.Context, connectionID string) ([]*models.Pipeline, error)
}

// EventRepository reads the state-event history.
type EventRepository interface {
	ListEvents(ctx context.Context, pipelineID string, limit int) ([]Event, error)
}

// Store is the full persistence surface.
type Store interface {
	ConnectionRepository
	PipelineRepository
	EventRepository
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg)
	default:
		return nil, errors.ConfigurationError("storage.driver", fmt.Sprintf("unknown driver %q", cfg.Driver))
	}
}

// checkCheckpointReplace enforces that a stored checkpoint is only replaced
// once it was invalidated. Updating the same checkpoint (for example to set
// InvalidatedAt) is allowed.
func checkCheckpointReplace(pipelineID string, stored, next *models.Checkpoint) error {
	if stored == nil || stored.InvalidatedAt != nil {
		return nil
	}
	if next != nil && next.ID == stored.ID {
		if next.Position != stored.Position || next.Kind != stored.Kind {
			return errors.CheckpointInvariant(pipelineID, "a captured checkpoint's position cannot change")
		}
		return nil
	}
	return errors.CheckpointInvariant(pipelineID,
		fmt.Sprintf("checkpoint %s of run %s must be invalidated before it is replaced", stored.ID, stored.RunID))
}
