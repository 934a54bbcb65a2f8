package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

const pgUniqueViolation = "23505"

// Postgres persists state in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to cfg.DSN and applies migrations when cfg.AutoMigrate
// is set.
func NewPostgres(ctx context.Context, cfg config.StorageConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.ConfigurationError("storage.dsn", "required for the postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.ConfigurationError("storage.dsn", err.Error())
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to open state store")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to reach state store")
	}
	if cfg.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const connectionColumns = `id, name, database_type, host, port, username, password,
	database_name, schema_name, additional_config, created_at, updated_at`

func (s *Postgres) CreateConnection(ctx context.Context, c *models.Connection) error {
	extra, err := json.Marshal(nonNilMap(c.AdditionalConfig))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode additional_config")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Name, string(c.DatabaseType), c.Host, c.Port, c.Username, c.Password,
		c.Database, c.Schema, extra, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExists("connection", c.Name)
	}
	return storageErr(err, "create connection")
}

func (s *Postgres) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("connection", id)
	}
	if err != nil {
		return nil, storageErr(err, "get connection")
	}
	return c, nil
}

func (s *Postgres) ListConnections(ctx context.Context) ([]*models.Connection, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at, id`)
	if err != nil {
		return nil, storageErr(err, "list connections")
	}
	defer rows.Close()
	var out []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, storageErr(err, "scan connection")
		}
		out = append(out, c)
	}
	return out, storageErr(rows.Err(), "list connections")
}

func (s *Postgres) UpdateConnection(ctx context.Context, c *models.Connection) error {
	extra, err := json.Marshal(nonNilMap(c.AdditionalConfig))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode additional_config")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE connections SET
		name = $2, database_type = $3, host = $4, port = $5, username = $6, password = $7,
		database_name = $8, schema_name = $9, additional_config = $10, updated_at = $11
		WHERE id = $1`,
		c.ID, c.Name, string(c.DatabaseType), c.Host, c.Port, c.Username, c.Password,
		c.Database, c.Schema, extra, c.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExists("connection", c.Name)
	}
	if err != nil {
		return storageErr(err, "update connection")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("connection", c.ID)
	}
	return nil
}

const pipelineColumns = `p.id, p.name, p.mode, p.source_connection_id, p.target_connection_id,
	p.tables, p.status, p.full_load_status, p.cdc_status, p.full_load_not_needed,
	p.source_connector_name, p.sink_connector_name, p.failed_step, p.last_error,
	p.created_at, p.updated_at,
	c.id, c.run_id, c.kind, c.position, c.metadata, c.captured_at, c.invalidated_at`

const pipelineFrom = ` FROM pipelines p LEFT JOIN checkpoints c ON c.id = p.checkpoint_id`

func (s *Postgres) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	tables, err := json.Marshal(p.Tables)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode tables")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO pipelines (id, name, mode, source_connection_id,
		target_connection_id, tables, status, full_load_status, cdc_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, string(p.Mode), p.SourceConnectionID, p.TargetConnectionID, tables,
		string(p.Status), string(p.FullLoadStatus), string(p.CDCStatus), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExists("pipeline", p.ID)
	}
	if isForeignKeyViolation(err) {
		return errors.NotFound("connection", p.SourceConnectionID+" or "+p.TargetConnectionID)
	}
	if err != nil {
		return storageErr(err, "create pipeline")
	}
	if err := insertEvents(ctx, tx, p.ID, Event{To: p.Status, Reason: "create"}); err != nil {
		return err
	}
	return storageErr(tx.Commit(ctx), "commit")
}

func (s *Postgres) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	return getPipeline(ctx, s.pool, id, "")
}

func (s *Postgres) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return s.queryPipelines(ctx, `SELECT `+pipelineColumns+pipelineFrom+` ORDER BY p.created_at, p.id`)
}

func (s *Postgres) PipelinesUsingConnection(ctx context.Context, connectionID string) ([]*models.Pipeline, error) {
	return s.queryPipelines(ctx, `SELECT `+pipelineColumns+pipelineFrom+`
		WHERE p.source_connection_id = $1 OR p.target_connection_id = $1
		ORDER BY p.created_at, p.id`, connectionID)
}

func (s *Postgres) SavePipeline(ctx context.Context, p *models.Pipeline, events ...Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := getPipeline(ctx, tx, p.ID, " FOR UPDATE OF p")
	if err != nil {
		return err
	}
	if err := checkCheckpointReplace(p.ID, stored.Checkpoint, p.Checkpoint); err != nil {
		return err
	}

	var checkpointID *string
	if cp := p.Checkpoint; cp != nil {
		meta, err := json.Marshal(nonNilMap(cp.Metadata))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "encode checkpoint metadata")
		}
		// Only invalidated_at may change on an existing row.
		_, err = tx.Exec(ctx, `INSERT INTO checkpoints (id, pipeline_id, run_id, kind, position,
			metadata, captured_at, invalidated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET invalidated_at = EXCLUDED.invalidated_at`,
			cp.ID, p.ID, cp.RunID, string(cp.Kind), cp.Position, meta, cp.CapturedAt, cp.InvalidatedAt)
		if err != nil {
			return storageErr(err, "save checkpoint")
		}
		checkpointID = &cp.ID
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE pipelines SET
		status = $2, full_load_status = $3, cdc_status = $4, full_load_not_needed = $5,
		checkpoint_id = $6, source_connector_name = $7, sink_connector_name = $8,
		failed_step = $9, last_error = $10, updated_at = $11
		WHERE id = $1`,
		p.ID, string(p.Status), string(p.FullLoadStatus), string(p.CDCStatus), p.FullLoadNotNeeded,
		checkpointID, p.SourceConnectorName, p.SinkConnectorName, p.FailedStep, p.LastError, now)
	if err != nil {
		return storageErr(err, "save pipeline")
	}
	if err := insertEvents(ctx, tx, p.ID, events...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(err, "commit")
	}
	p.UpdatedAt = now
	return nil
}

func (s *Postgres) DeletePipeline(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The checkpoint references the pipeline and the pipeline the checkpoint.
	if _, err := tx.Exec(ctx, `UPDATE pipelines SET checkpoint_id = NULL WHERE id = $1`, id); err != nil {
		return storageErr(err, "delete pipeline")
	}
	tag, err := tx.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return storageErr(err, "delete pipeline")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("pipeline", id)
	}
	return storageErr(tx.Commit(ctx), "commit")
}

func (s *Postgres) ListEvents(ctx context.Context, pipelineID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, pipeline_id, COALESCE(from_status, ''), to_status,
		reason, step, error, at FROM pipeline_events
		WHERE pipeline_id = $1 ORDER BY id DESC LIMIT $2`, pipelineID, limit)
	if err != nil {
		return nil, storageErr(err, "list events")
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e        Event
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.PipelineID, &from, &to, &e.Reason, &e.Step, &e.Error, &e.At); err != nil {
			return nil, storageErr(err, "scan event")
		}
		e.From = models.PipelineStatus(from)
		e.To = models.PipelineStatus(to)
		out = append(out, e)
	}
	return out, storageErr(rows.Err(), "list events")
}

func (s *Postgres) queryPipelines(ctx context.Context, query string, args ...any) ([]*models.Pipeline, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "list pipelines")
	}
	defer rows.Close()
	var out []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, storageErr(err, "scan pipeline")
		}
		out = append(out, p)
	}
	return out, storageErr(rows.Err(), "list pipelines")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPipeline(ctx context.Context, q querier, id, suffix string) (*models.Pipeline, error) {
	row := q.QueryRow(ctx, `SELECT `+pipelineColumns+pipelineFrom+` WHERE p.id = $1`+suffix, id)
	p, err := scanPipeline(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("pipeline", id)
	}
	if err != nil {
		return nil, storageErr(err, "get pipeline")
	}
	return p, nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, pipelineID string, events ...Event) error {
	for _, e := range events {
		at := e.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `INSERT INTO pipeline_events (pipeline_id, from_status, to_status, reason, step, error, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			pipelineID, emptyToNull(string(e.From)), string(e.To), e.Reason, e.Step, e.Error, at)
		if err != nil {
			return storageErr(err, "record event")
		}
	}
	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var (
		c     models.Connection
		dt    string
		extra []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &dt, &c.Host, &c.Port, &c.Username, &c.Password,
		&c.Database, &c.Schema, &extra, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.DatabaseType = models.DatabaseType(dt)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &c.AdditionalConfig); err != nil {
			return nil, fmt.Errorf("decode additional_config: %w", err)
		}
	}
	if len(c.AdditionalConfig) == 0 {
		c.AdditionalConfig = nil
	}
	return &c, nil
}

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var (
		p                          models.Pipeline
		mode, status, fl, cdc      string
		tables                     []byte
		cpID, cpRun, cpKind, cpPos *string
		cpMeta                     []byte
		cpAt, cpInvalidated        *time.Time
	)
	if err := row.Scan(&p.ID, &p.Name, &mode, &p.SourceConnectionID, &p.TargetConnectionID,
		&tables, &status, &fl, &cdc, &p.FullLoadNotNeeded,
		&p.SourceConnectorName, &p.SinkConnectorName, &p.FailedStep, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
		&cpID, &cpRun, &cpKind, &cpPos, &cpMeta, &cpAt, &cpInvalidated); err != nil {
		return nil, err
	}
	p.Mode = models.PipelineMode(mode)
	p.Status = models.PipelineStatus(status)
	p.FullLoadStatus = models.FullLoadStatus(fl)
	p.CDCStatus = models.CDCStatus(cdc)
	if err := json.Unmarshal(tables, &p.Tables); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}
	if cpID != nil {
		cp := &models.Checkpoint{
			ID:            *cpID,
			PipelineID:    p.ID,
			RunID:         deref(cpRun),
			Kind:          models.CheckpointKind(deref(cpKind)),
			Position:      deref(cpPos),
			InvalidatedAt: cpInvalidated,
		}
		if cpAt != nil {
			cp.CapturedAt = *cpAt
		}
		if len(cpMeta) > 0 {
			if err := json.Unmarshal(cpMeta, &cp.Metadata); err != nil {
				return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
			}
			if len(cp.Metadata) == 0 {
				cp.Metadata = nil
			}
		}
		p.Checkpoint = cp
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23503"
}

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.FromContext(err, op)
	}
	return errors.Wrap(err, errors.ErrorTypeStorage, op)
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
