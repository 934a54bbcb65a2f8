// Package orchestrator is the pipeline state machine. It sequences the full
// load, checkpoint capture and CDC connector creation for each pipeline and
// is the only writer of pipeline status fields.
//
// # Overview
//
// An Orchestrator owns:
//   - the connection registry and pipeline records (through a store.Store)
//   - one connector manager per runtime: source (CDC) and sink
//   - the connector configuration generator and its cached name resolution
//   - the bulk-load executor
//   - the stream provisioner used when streams are pre-created
//
// # Start sequence
//
//	full_load -> generate_config -> create_streams ->
//	create_source_connector -> create_sink_connector -> RUNNING
//
// Any failing step leaves the pipeline FAILED with the step name and raw
// error recorded. Connectors that were already created are left in place;
// DeleteConnectors removes them explicitly.
//
// # Concurrency
//
// Operations on one pipeline are single-flight: Start, Restart, Delete and
// DeleteConnectors fail fast with a busy error while another operation holds
// the pipeline. Stop cancels the operation in flight and then waits for it.
// Operations on different pipelines never block each other.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/connectorconfig"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/metrics"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// Start steps, recorded as failed_step.
const (
	StepFullLoad        = "full_load"
	StepGenerateConfig  = "generate_config"
	StepCreateStreams   = "create_streams"
	StepSourceConnector = "create_source_connector"
	StepSinkConnector   = "create_sink_connector"
	StepPauseSource     = "pause_source_connector"
	StepPauseSink       = "pause_sink_connector"
	StepRestartSource   = "restart_source_connector"
	StepRestartSink     = "restart_sink_connector"
)

// ConnectorManager drives one connector runtime. *connect.Manager
// implements it.
type ConnectorManager interface {
	Runtime() string
	Create(ctx context.Context, name string, cfg map[string]string) (*connect.Status, error)
	Update(ctx context.Context, name string, cfg map[string]string) (*connect.Status, error)
	Config(ctx context.Context, name string) (map[string]string, error)
	Restart(ctx context.Context, name string) (*connect.Status, error)
	Pause(ctx context.Context, name string) (*connect.Status, error)
	Resume(ctx context.Context, name string) (*connect.Status, error)
	Delete(ctx context.Context, name string) error
	Health(ctx context.Context, name string) connect.Health
}

// BulkLoader performs full loads. *bulkload.Executor implements it.
type BulkLoader interface {
	Supports(source, target models.DatabaseType) error
	Run(ctx context.Context, req bulkload.Request) (*bulkload.Result, error)
}

// StreamProvisioner pre-creates streams. *topics.Provisioner implements it.
type StreamProvisioner interface {
	Enabled() bool
	Ensure(ctx context.Context, names []string) ([]string, error)
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Store       store.Store
	Source      ConnectorManager
	Sink        ConnectorManager
	Generator   *connectorconfig.Generator
	Resolver    *naming.Resolver
	BulkLoader  BulkLoader
	Provisioner StreamProvisioner
	Recorder    metrics.Recorder
	Logger      *zap.Logger
}

// Orchestrator runs pipeline lifecycle operations. It is safe for concurrent
// use.
type Orchestrator struct {
	store       store.Store
	source      ConnectorManager
	sink        ConnectorManager
	generator   *connectorconfig.Generator
	resolver    *naming.Resolver
	bulk        BulkLoader
	provisioner StreamProvisioner
	recorder    metrics.Recorder
	logger      *zap.Logger

	mu       sync.Mutex
	locks    map[string]*semaphore.Weighted
	inflight map[string]context.CancelFunc

	// now is replaced in tests
	now func() time.Time
}

// New returns an Orchestrator. Store, Source, Sink, Generator and BulkLoader
// are required.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator: store is required")
	case deps.Source == nil || deps.Sink == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator: source and sink managers are required")
	case deps.Generator == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator: generator is required")
	case deps.BulkLoader == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator: bulk loader is required")
	}
	o := &Orchestrator{
		store:       deps.Store,
		source:      deps.Source,
		sink:        deps.Sink,
		generator:   deps.Generator,
		resolver:    deps.Resolver,
		bulk:        deps.BulkLoader,
		provisioner: deps.Provisioner,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		locks:       make(map[string]*semaphore.Weighted),
		inflight:    make(map[string]context.CancelFunc),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o, nil
}

func (o *Orchestrator) lockFor(pipelineID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.locks[pipelineID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.locks[pipelineID] = sem
	}
	return sem
}

// forgetLock drops a pipeline's lock entry. Holders of the old lock keep it
// until they release.
func (o *Orchestrator) forgetLock(pipelineID string) {
	o.mu.Lock()
	delete(o.locks, pipelineID)
	o.mu.Unlock()
}

// load reads a pipeline under its lock. An unknown id leaves no lock entry
// behind.
func (o *Orchestrator) load(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	p, err := o.store.GetPipeline(ctx, pipelineID)
	if errors.IsNotFound(err) {
		o.forgetLock(pipelineID)
	}
	return p, err
}

// acquire takes the pipeline's lock without waiting and returns an operation
// context that Stop can cancel. The caller's cancellation does not propagate:
// once accepted an operation runs to a recorded outcome.
func (o *Orchestrator) acquire(ctx context.Context, pipelineID string) (context.Context, func(), error) {
	sem := o.lockFor(pipelineID)
	if !sem.TryAcquire(1) {
		return nil, nil, errors.Busy(pipelineID)
	}
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.inflight[pipelineID] = cancel
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.inflight, pipelineID)
		o.mu.Unlock()
		cancel()
		sem.Release(1)
	}
	return opCtx, release, nil
}

// preempt cancels the pipeline's operation in flight and waits for its lock.
func (o *Orchestrator) preempt(ctx context.Context, pipelineID string) (func(), error) {
	o.mu.Lock()
	if cancel, ok := o.inflight[pipelineID]; ok {
		cancel()
	}
	o.mu.Unlock()

	sem := o.lockFor(pipelineID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.FromContext(err, "waiting for the pipeline's operation to stop")
	}
	return func() { sem.Release(1) }, nil
}

// transition moves the pipeline to status to, persisting it with an event.
func (o *Orchestrator) transition(ctx context.Context, p *models.Pipeline, to models.PipelineStatus, reason string) error {
	from := p.Status
	p.Status = to
	if err := o.store.SavePipeline(ctx, p, store.Event{From: from, To: to, Reason: reason, At: o.now()}); err != nil {
		p.Status = from
		return err
	}
	if from != to {
		o.recorder.Transition(string(from), string(to))
	}
	return nil
}

// save persists p without a status change.
func (o *Orchestrator) save(ctx context.Context, p *models.Pipeline) error {
	return o.store.SavePipeline(ctx, p)
}

// connections loads the source and target connections of p.
func (o *Orchestrator) connections(ctx context.Context, p *models.Pipeline) (*models.Connection, *models.Connection, error) {
	src, err := o.store.GetConnection(ctx, p.SourceConnectionID)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := o.store.GetConnection(ctx, p.TargetConnectionID)
	if err != nil {
		return nil, nil, err
	}
	return src, tgt, nil
}
