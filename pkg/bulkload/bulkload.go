// Package bulkload performs the one-time full copy that precedes CDC. A run
// opens a consistent snapshot on the source, captures the position that
// snapshot corresponds to, copies every table through a target writer and
// reports the position back as a checkpoint.
//
// Readers and writers are registered per dialect; a pair the executor has no
// reader or writer for is rejected with an unsupported_dialect error before
// any connection is opened.
package bulkload

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/metrics"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// StrategyKey is the source additional_config key selecting how the initial
// copy happens. StrategyConnector leaves it to the CDC connector's own
// snapshot, so the executor reports that no full load is needed.
const (
	StrategyKey       = "full_load_strategy"
	StrategyCopy      = "copy"
	StrategyConnector = "connector"
)

// TruncateKey is the target additional_config key that empties each target
// table before it is loaded.
const TruncateKey = "truncate_before_load"

// Outcome is how a run ended when it did not fail.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeNotNeeded Outcome = "NOT_NEEDED"
)

// Table is one unit of copy work.
type Table struct {
	// Source is the table as it is read on the source.
	Source models.TableRef
	// Target is where the sink routes the table's stream.
	Target models.TableRef
	Stream string
}

// TablesFrom derives the copy plan from a resolution so rows land where the
// sink connector will later write the same stream.
func TablesFrom(res *naming.Resolution) []Table {
	tables := make([]Table, 0, len(res.Streams))
	for _, s := range res.Streams {
		target := s.Table
		rest := strings.TrimPrefix(s.Name, res.Prefix+".")
		if parts := strings.SplitN(rest, ".", 2); len(parts) == 2 {
			target = models.TableRef{Schema: parts[0], Table: parts[1]}
		}
		tables = append(tables, Table{Source: s.Table, Target: target, Stream: s.Name})
	}
	return tables
}

// Request is one full-load attempt.
type Request struct {
	PipelineID string
	// RunID identifies the attempt; the checkpoint is bound to it.
	RunID  string
	Source *models.Connection
	Target *models.Connection
	Tables []Table
}

func (r *Request) validate() error {
	switch {
	case r.PipelineID == "":
		return errors.New(errors.ErrorTypeValidation, "bulk load requires a pipeline id")
	case r.Source == nil || r.Target == nil:
		return errors.New(errors.ErrorTypeValidation, "bulk load requires source and target connections")
	case len(r.Tables) == 0:
		return errors.New(errors.ErrorTypeValidation, "bulk load requires at least one table")
	}
	return nil
}

// Result reports a finished run.
type Result struct {
	Outcome Outcome
	// Checkpoint is set when Outcome is COMPLETED.
	Checkpoint *models.Checkpoint
	Rows       int64
	TableRows  map[string]int64
	Duration   time.Duration
}

// Batch is a run of rows from one table in column order.
type Batch struct {
	Columns []string
	Rows    [][]interface{}
}

// Position is the source position a snapshot is consistent with.
type Position struct {
	Kind     models.CheckpointKind
	Value    string
	Metadata map[string]string
}

// Snapshot is a consistent read view of the source. Every Read sees the data
// as of Position.
type Snapshot interface {
	Position() Position
	Read(ctx context.Context, table models.TableRef, batchSize int, fn func(Batch) error) error
	Close(ctx context.Context) error
}

// Writer loads batches into the target.
type Writer interface {
	// Begin is called once per table before its first batch.
	Begin(ctx context.Context, table Table) error
	Write(ctx context.Context, table Table, batch Batch) error
	// Close flushes buffered data; an error means the load is incomplete.
	Close(ctx context.Context) error
}

// OpenSnapshotFunc opens a snapshot on a source connection.
type OpenSnapshotFunc func(ctx context.Context, conn *models.Connection, req *Request) (Snapshot, error)

// OpenWriterFunc opens a writer on a target connection.
type OpenWriterFunc func(ctx context.Context, conn *models.Connection, req *Request, cfg config.BulkLoadConfig) (Writer, error)

// Executor runs full loads. It is stateless between runs and safe for
// concurrent use by different pipelines.
type Executor struct {
	cfg      config.BulkLoadConfig
	readers  map[models.DatabaseType]OpenSnapshotFunc
	writers  map[models.DatabaseType]OpenWriterFunc
	recorder metrics.Recorder
	logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithReader registers or replaces the snapshot opener for a source dialect.
func WithReader(t models.DatabaseType, fn OpenSnapshotFunc) Option {
	return func(e *Executor) { e.readers[t] = fn }
}

// WithWriter registers or replaces the writer opener for a target dialect.
func WithWriter(t models.DatabaseType, fn OpenWriterFunc) Option {
	return func(e *Executor) { e.writers[t] = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an Executor with the built-in readers and writers.
func NewExecutor(cfg config.BulkLoadConfig, opts ...Option) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	e := &Executor{
		cfg: cfg,
		readers: map[models.DatabaseType]OpenSnapshotFunc{
			models.DatabasePostgres: openPostgresSnapshot,
			models.DatabaseMySQL:    openMySQLSnapshot,
			models.DatabaseMongoDB:  openMongoSnapshot,
		},
		writers: map[models.DatabaseType]OpenWriterFunc{
			models.DatabasePostgres:  openPostgresWriter,
			models.DatabaseMySQL:     openMySQLWriter,
			models.DatabaseSnowflake: openSnowflakeWriter,
			models.DatabaseS3:        openS3Writer,
		},
		recorder: metrics.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "bulk_load"))
	return e
}

// Supports reports whether a source/target pair can be copied.
func (e *Executor) Supports(source, target models.DatabaseType) error {
	if _, ok := e.readers[source]; !ok {
		return errors.UnsupportedDialect(string(source), "bulk load source").
			WithDetail("supported", keys(e.readers))
	}
	if _, ok := e.writers[target]; !ok {
		return errors.UnsupportedDialect(string(target), "bulk load target").
			WithDetail("supported", keys(e.writers))
	}
	return nil
}

// Run performs one full-load attempt. It must be called at most once per
// attempt; each call captures a new position.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.EqualFold(req.Source.OptionOr(StrategyKey, StrategyCopy), StrategyConnector) {
		return &Result{Outcome: OutcomeNotNeeded}, nil
	}
	if err := e.Supports(req.Source.DatabaseType, req.Target.DatabaseType); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	log := logger.FromContext(ctx, e.logger).With(
		zap.String("run_id", req.RunID),
		zap.String("source", string(req.Source.DatabaseType)),
		zap.String("target", string(req.Target.DatabaseType)))
	log.Info("full load starting", zap.Int("tables", len(req.Tables)))

	start := time.Now()
	res, err := e.copy(ctx, &req, log)
	elapsed := time.Since(start)

	var rows int64
	if res != nil {
		rows = res.Rows
	}
	e.recorder.ObserveBulkLoad(string(req.Source.DatabaseType), string(req.Target.DatabaseType), rows, elapsed, err)
	if err != nil {
		log.Error("full load failed", zap.Error(err), zap.Int64("rows", rows))
		return nil, err
	}
	res.Duration = elapsed
	log.Info("full load completed",
		zap.Int64("rows", res.Rows),
		zap.String("position", res.Checkpoint.Position),
		zap.Duration("duration", elapsed))
	return res, nil
}

func (e *Executor) copy(ctx context.Context, req *Request, log *zap.Logger) (res *Result, err error) {
	res = &Result{Outcome: OutcomeCompleted, TableRows: make(map[string]int64, len(req.Tables))}

	w, err := e.writers[req.Target.DatabaseType](ctx, req.Target, req, e.cfg)
	if err != nil {
		return res, failure(ctx, err, "open target writer")
	}
	closed := false
	defer func() {
		if !closed {
			_ = w.Close(context.Background())
		}
	}()

	snap, err := e.readers[req.Source.DatabaseType](ctx, req.Source, req)
	if err != nil {
		return res, failure(ctx, err, "open source snapshot")
	}
	defer func() {
		if cerr := snap.Close(context.Background()); cerr != nil {
			log.Warn("closing snapshot", zap.Error(cerr))
		}
	}()
	pos := snap.Position()
	if pos.Value == "" || pos.Kind == "" {
		return res, errors.New(errors.ErrorTypeBulkLoad, "snapshot did not report a position")
	}
	log.Info("snapshot consistent", zap.String("kind", string(pos.Kind)), zap.String("position", pos.Value))

	for _, t := range req.Tables {
		if err := w.Begin(ctx, t); err != nil {
			return res, failure(ctx, err, fmt.Sprintf("prepare %s", t.Target))
		}
		var n int64
		err := snap.Read(ctx, t.Source, e.cfg.BatchSize, func(b Batch) error {
			if len(b.Rows) == 0 {
				return nil
			}
			if err := w.Write(ctx, t, b); err != nil {
				return err
			}
			n += int64(len(b.Rows))
			return nil
		})
		res.Rows += n
		res.TableRows[t.Source.String()] = n
		if err != nil {
			return res, failure(ctx, err, fmt.Sprintf("copy %s", t.Source))
		}
		log.Debug("table copied", zap.String("table", t.Source.String()), zap.Int64("rows", n))
	}

	closed = true
	if err := w.Close(ctx); err != nil {
		return res, failure(ctx, err, "flush target writer")
	}

	res.Checkpoint = &models.Checkpoint{
		ID:         uuid.NewString(),
		PipelineID: req.PipelineID,
		RunID:      req.RunID,
		Kind:       pos.Kind,
		Position:   pos.Value,
		Metadata:   pos.Metadata,
		CapturedAt: time.Now().UTC(),
	}
	return res, nil
}

// failure classifies a copy error: caller cancellation and deadlines keep
// their type, structured errors pass through, everything else is bulk_load.
func failure(ctx context.Context, err error, step string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr, "full load interrupted during "+step)
	}
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeBulkLoad, step)
}

func keys[V any](m map[models.DatabaseType]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
