package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/models"
)

// PipelineSpec is the user-supplied part of a pipeline.
type PipelineSpec struct {
	Name               string              `json:"name"`
	Mode               models.PipelineMode `json:"mode"`
	SourceConnectionID string              `json:"source_connection_id"`
	TargetConnectionID string              `json:"target_connection_id"`
	Tables             []string            `json:"tables"`
}

// CreateConnection registers a connection under a new id.
func (o *Orchestrator) CreateConnection(ctx context.Context, c *models.Connection) (*models.Connection, error) {
	c = c.Clone()
	if err := checkConnection(c); err != nil {
		return nil, err
	}
	now := o.now()
	c.ID = uuid.NewString()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := o.store.CreateConnection(ctx, c); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, o.logger).Info("connection created",
		zap.String("connection_id", c.ID), zap.String("database_type", string(c.DatabaseType)))
	return c, nil
}

// GetConnection returns a connection including its secrets.
func (o *Orchestrator) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return o.store.GetConnection(ctx, id)
}

// ListConnections returns every connection.
func (o *Orchestrator) ListConnections(ctx context.Context) ([]*models.Connection, error) {
	return o.store.ListConnections(ctx)
}

// UpdateConnection replaces a connection. While a pipeline using it is
// STARTING or RUNNING only credentials may change.
func (o *Orchestrator) UpdateConnection(ctx context.Context, id string, next *models.Connection) (*models.Connection, error) {
	current, err := o.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	next = next.Clone()
	next.ID = id
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = o.now()
	if err := checkConnection(next); err != nil {
		return nil, err
	}

	using, err := o.store.PipelinesUsingConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.CredentialOnlyChange(next) {
		for _, p := range using {
			if p.Active() {
				return nil, errors.InvalidState(p.ID, string(p.Status), "update connection").
					WithDetail("connection_id", id).
					WithDetail("reason", "only credentials may change while the pipeline is active")
			}
		}
	}

	if err := o.store.UpdateConnection(ctx, next); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, o.logger).Info("connection updated",
		zap.String("connection_id", id), zap.Int("pipelines", len(using)))
	return next, nil
}

func checkConnection(c *models.Connection) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid connection")
	}
	if _, err := dialect.Lookup(c.DatabaseType); err != nil {
		return err
	}
	return nil
}

// CreatePipeline stores a DRAFT pipeline after checking that its connections
// exist, that their dialects support the requested phases and that every
// table name resolves.
func (o *Orchestrator) CreatePipeline(ctx context.Context, spec PipelineSpec) (*models.Pipeline, error) {
	p := models.NewPipeline(uuid.NewString(), spec.Name, spec.Mode,
		spec.SourceConnectionID, spec.TargetConnectionID, spec.Tables)
	p.CreatedAt, p.UpdatedAt = o.now(), o.now()
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid pipeline")
	}
	src, tgt, err := o.connections(ctx, p)
	if err != nil {
		return nil, err
	}

	if p.Mode.IncludesCDC() {
		if _, err := dialect.ForSource(src.DatabaseType); err != nil {
			return nil, err
		}
		if _, err := dialect.ForSink(tgt.DatabaseType); err != nil {
			return nil, err
		}
	}
	if p.Mode.IncludesFullLoad() {
		strategy := src.OptionOr(bulkload.StrategyKey, bulkload.StrategyCopy)
		if !strings.EqualFold(strategy, bulkload.StrategyConnector) {
			if err := o.bulk.Supports(src.DatabaseType, tgt.DatabaseType); err != nil {
				return nil, err
			}
		}
	}
	if _, err := o.generator.Resolve(p, src); err != nil {
		return nil, err
	}

	if err := o.store.CreatePipeline(ctx, p); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, o.logger).Info("pipeline created",
		zap.String("pipeline_id", p.ID), zap.String("mode", string(p.Mode)), zap.Int("tables", len(p.Tables)))
	return p, nil
}

// GetPipeline returns the persisted pipeline.
func (o *Orchestrator) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	return o.store.GetPipeline(ctx, id)
}

// ListPipelines returns every pipeline.
func (o *Orchestrator) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return o.store.ListPipelines(ctx)
}

// Events returns the pipeline's state-event history, newest first.
func (o *Orchestrator) Events(ctx context.Context, id string, limit int) ([]store.Event, error) {
	if _, err := o.store.GetPipeline(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id, limit)
}

// DeletePipeline removes a DRAFT, STOPPED or FAILED pipeline whose connectors
// were already deleted.
func (o *Orchestrator) DeletePipeline(ctx context.Context, id string) error {
	opCtx, release, err := o.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	p, err := o.load(opCtx, id)
	if err != nil {
		return err
	}
	if p.Active() {
		return errors.InvalidState(p.ID, string(p.Status), "delete")
	}
	if p.SourceConnectorName != "" || p.SinkConnectorName != "" {
		return errors.InvalidState(p.ID, string(p.Status), "delete").
			WithDetail("reason", "delete the pipeline's connectors first")
	}
	if err := o.store.DeletePipeline(opCtx, id); err != nil {
		return err
	}
	o.forgetLock(id)
	if o.resolver != nil {
		o.resolver.Forget(id)
	}
	logger.FromContext(opCtx, o.logger).Info("pipeline deleted", zap.String("pipeline_id", id))
	return nil
}
