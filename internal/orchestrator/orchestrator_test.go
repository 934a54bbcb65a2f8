package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/connectorconfig"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

type harness struct {
	o        *Orchestrator
	store    *store.Memory
	source   *mockManager
	sink     *mockManager
	bulk     *fakeBulk
	resolver *naming.Resolver
	journal  []string
	src      *models.Connection
	tgt      *models.Connection
}

type harnessOption func(*config.StreamsConfig, *Deps, *harness)

func withProvisioner() harnessOption {
	return func(streams *config.StreamsConfig, deps *Deps, h *harness) {
		streams.PreCreate = true
		streams.Brokers = []string{"kafka:9092"}
		deps.Provisioner = &fakeProvisioner{journal: &h.journal}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{store: store.NewMemory(), bulk: &fakeBulk{}}
	h.source = newMockManager("source", &h.journal)
	h.sink = newMockManager("sink", &h.journal)

	resolver, err := naming.NewResolver(config.Default().Naming)
	require.NoError(t, err)
	h.resolver = resolver

	streams := config.Default().Streams
	deps := Deps{
		Store:      h.store,
		Source:     h.source,
		Sink:       h.sink,
		Resolver:   resolver,
		BulkLoader: h.bulk,
		Logger:     zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&streams, &deps, h)
	}
	deps.Generator = connectorconfig.NewGenerator(resolver, streams)

	h.o, err = New(deps)
	require.NoError(t, err)

	ctx := context.Background()
	h.src, err = h.o.CreateConnection(ctx, &models.Connection{
		Name: "shop", DatabaseType: models.DatabasePostgres,
		Host: "pg", Port: 5432, Username: "cdc", Password: "pw", Database: "shop", Schema: "public",
	})
	require.NoError(t, err)
	h.tgt, err = h.o.CreateConnection(ctx, &models.Connection{
		Name: "warehouse", DatabaseType: models.DatabasePostgres,
		Host: "wh", Port: 5432, Username: "loader", Password: "pw", Database: "dw",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) pipeline(t *testing.T, mode models.PipelineMode) *models.Pipeline {
	t.Helper()
	p, err := h.o.CreatePipeline(context.Background(), PipelineSpec{
		Name:               "orders",
		Mode:               mode,
		SourceConnectionID: h.src.ID,
		TargetConnectionID: h.tgt.ID,
		Tables:             []string{"public.orders", "Order Items"},
	})
	require.NoError(t, err)
	return p
}

func (h *harness) names(t *testing.T, p *models.Pipeline) *naming.Resolution {
	t.Helper()
	res, err := h.o.generator.Resolve(p, h.src)
	require.NoError(t, err)
	return res
}

func TestStartSeedsSourceFromCheckpointAndSharesStreamNames(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()

	got, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, models.FullLoadCompleted, got.FullLoadStatus)
	assert.Equal(t, models.CDCRunning, got.CDCStatus)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, "LSN-1000", got.Checkpoint.Position)
	assert.Empty(t, got.FailedStep)

	res := h.names(t, p)
	sourceCfg := h.source.config(res.SourceConnector)
	sinkCfg := h.sink.config(res.SinkConnector)
	require.NotNil(t, sourceCfg)
	require.NotNil(t, sinkCfg)
	assert.Equal(t, "LSN-1000", sourceCfg[connectorconfig.KeyStartPosition])
	assert.Equal(t, p.ID, sourceCfg[connectorconfig.KeyPipelineID])
	assert.Equal(t, strings.Join(res.Names(), ","), sinkCfg[connectorconfig.KeyTopics])

	assert.Equal(t, 1, h.bulk.count())
	assert.Equal(t, []string{"public.orders", "public.order items"}, tablesOf(h.bulk.requests[0].Tables))
	assert.Equal(t, 1, h.source.count("create"))
	assert.Equal(t, 1, h.sink.count("create"))

	stored, err := h.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Checkpoint.ID, stored.Checkpoint.ID)
	assert.Equal(t, res.SourceConnector, stored.SourceConnectorName)

	events, err := h.o.Events(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.StatusRunning, events[0].To)
	assert.Equal(t, models.StatusStarting, events[1].To)
	assert.Equal(t, models.StatusDraft, events[2].To)
}

func TestStartOnRunningPipelineMakesNoRemoteCalls(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	srcBefore, sinkBefore := h.source.mutations(), h.sink.mutations()

	got, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, srcBefore, h.source.mutations())
	assert.Equal(t, sinkBefore, h.sink.mutations())
	assert.Equal(t, 1, h.bulk.count())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)

	first, err := h.o.Stop(ctx, p.ID)
	require.NoError(t, err)
	second, err := h.o.Stop(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CDCStatus, second.CDCStatus)
	assert.Equal(t, models.CDCPaused, second.CDCStatus)
	assert.Equal(t, 1, h.source.count("pause"))
	assert.Equal(t, 1, h.sink.count("pause"))
	assert.Zero(t, h.source.count("delete"), "stop pauses, it never deletes")

	res := h.names(t, p)
	assert.Equal(t, connect.StatePaused, h.source.state(res.SourceConnector))
	assert.Equal(t, connect.StatePaused, h.sink.state(res.SinkConnector))
}

func TestStopDraftPipelineIsInvalidState(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	_, err := h.o.Stop(context.Background(), p.ID)
	assert.True(t, errors.IsInvalidState(err))
}

func TestConnectorFailureOnCreateFailsPipelineWithoutCleanup(t *testing.T) {
	h := newHarness(t)
	h.source.failOnCreate = "org.apache.kafka.connect.errors.ConnectException: replication slot is active"
	p := h.pipeline(t, models.ModeFullLoadAndCDC)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnectorFailed))
	var structured *errors.Error
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, StepSourceConnector, structured.Detail("step"))

	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.CDCFailed, got.CDCStatus)
	assert.Equal(t, StepSourceConnector, got.FailedStep)
	assert.Contains(t, got.LastError, "reached FAILED")

	assert.Equal(t, 1, h.source.count("create"))
	assert.Zero(t, h.source.count("delete"))
	assert.Zero(t, h.sink.count("create"), "sink is never created after a failed source")

	stored, err := h.store.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, StepSourceConnector, stored.FailedStep)
	assert.NotEmpty(t, stored.SourceConnectorName, "connector name is kept for diagnosis")

	events, err := h.o.Events(context.Background(), p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, StepSourceConnector, events[0].Step)
}

func TestPollDeadlineSurfacesAsFailedPipeline(t *testing.T) {
	h := newHarness(t)
	h.sink.createErr = errors.New(errors.ErrorTypeTransient,
		"poll deadline 30s exceeded after 3 consecutive status timeouts")
	p := h.pipeline(t, models.ModeCDCOnly)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, StepSinkConnector, got.FailedStep)
	assert.Equal(t, models.CDCFailed, got.CDCStatus)
}

func TestConcurrentStartsAreSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.bulk.entered = make(chan struct{}, 1)
	h.bulk.block = make(chan struct{})
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		firstErr error
		first    *models.Pipeline
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = h.o.Start(ctx, p.ID, StartOptions{})
	}()
	<-h.bulk.entered

	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsBusy(err))

	close(h.bulk.block)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, models.StatusRunning, first.Status)
	assert.Equal(t, 1, h.source.count("create"))
	assert.Equal(t, 1, h.sink.count("create"))
	assert.Equal(t, 1, h.bulk.count())
}

func TestDifferentPipelinesDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t)
	h.bulk.entered = make(chan struct{}, 1)
	h.bulk.block = make(chan struct{})
	blocked := h.pipeline(t, models.ModeFullLoadAndCDC)
	other := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.o.Start(ctx, blocked.ID, StartOptions{})
	}()
	<-h.bulk.entered

	got, err := h.o.Start(ctx, other.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	close(h.bulk.block)
	<-done
}

func TestStopCancelsStartBeforeConnectorsAreCreated(t *testing.T) {
	h := newHarness(t)
	h.bulk.entered = make(chan struct{}, 1)
	h.bulk.block = make(chan struct{})
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		_, err := h.o.Start(ctx, p.ID, StartOptions{})
		startErr <- err
	}()
	<-h.bulk.entered

	stopped, err := h.o.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	select {
	case err := <-startErr:
		require.Error(t, err)
		assert.True(t, errors.IsCancelled(err))
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Zero(t, h.source.count("create"))
	assert.Zero(t, h.sink.count("create"))
	assert.Equal(t, models.FullLoadFailed, stopped.FullLoadStatus)
	assert.Nil(t, stopped.Checkpoint)
}

func TestRestartOnlyRestartsUnhealthyConnectors(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	started, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)

	res := h.names(t, p)
	h.sink.setState(res.SinkConnector, connect.StateFailed)

	got, err := h.o.Restart(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 1, h.sink.count("restart"))
	assert.Zero(t, h.source.count("restart"))
	assert.Equal(t, 1, h.bulk.count(), "restart never repeats the full load")
	assert.Equal(t, started.Checkpoint.ID, got.Checkpoint.ID)
	assert.Equal(t, connect.StateRunning, h.sink.state(res.SinkConnector))
}

func TestRestartRecoversFailedPipeline(t *testing.T) {
	h := newHarness(t)
	h.sink.failOnCreate = "task crashed"
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)

	got, err := h.o.Restart(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, models.CDCRunning, got.CDCStatus)
	assert.Empty(t, got.FailedStep)
	assert.Equal(t, 1, h.sink.count("create"))
}

func TestRestartReportsMissingConnector(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	res := h.names(t, p)
	require.NoError(t, h.source.Delete(ctx, res.SourceConnector))

	got, err := h.o.Restart(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, StepRestartSource, got.FailedStep)
	assert.Equal(t, 1, h.source.count("create"), "missing connectors are not recreated")
}

func TestRestartTransientConflictIsRecorded(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	res := h.names(t, p)
	h.source.setState(res.SourceConnector, connect.StateFailed)
	h.source.restartErr = errors.New(errors.ErrorTypeTransient, "409 rebalance in progress")

	_, err = h.o.Restart(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRestartDraftPipelineIsInvalidState(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	_, err := h.o.Restart(context.Background(), p.ID)
	assert.True(t, errors.IsInvalidState(err))
	assert.Zero(t, h.source.mutations())
}

func TestStartAfterStopReusesCheckpointAndAdoptsConnectors(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	first, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)

	again, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, again.Status)
	assert.Equal(t, 1, h.bulk.count())
	assert.Equal(t, first.Checkpoint.ID, again.Checkpoint.ID)

	assert.Equal(t, 2, h.source.count("create"))
	assert.Equal(t, 1, h.source.count("resume"))
	assert.Equal(t, 1, h.source.count("update"))
	res := h.names(t, p)
	assert.Equal(t, connect.StateRunning, h.source.state(res.SourceConnector))
	assert.Equal(t, connect.StateRunning, h.sink.state(res.SinkConnector))
}

func TestRerunFullLoadInvalidatesPreviousCheckpoint(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	first, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)

	h.bulk.position = "LSN-2000"
	again, err := h.o.Start(ctx, p.ID, StartOptions{RerunFullLoad: true})
	require.NoError(t, err)
	assert.Equal(t, 2, h.bulk.count())
	assert.NotEqual(t, first.Checkpoint.ID, again.Checkpoint.ID)
	assert.Equal(t, "LSN-2000", again.Checkpoint.Position)

	res := h.names(t, p)
	assert.Equal(t, "LSN-2000", h.source.config(res.SourceConnector)[connectorconfig.KeyStartPosition])
}

func TestFullLoadFailureRecordsStepAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.bulk.err = errors.New(errors.ErrorTypeBulkLoad, "copy public.orders: connection reset")
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()

	got, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.FullLoadFailed, got.FullLoadStatus)
	assert.Equal(t, models.CDCNotStarted, got.CDCStatus)
	assert.Equal(t, StepFullLoad, got.FailedStep)
	assert.Zero(t, h.source.mutations())

	_, err = h.o.Start(ctx, p.ID, StartOptions{})
	assert.True(t, errors.IsInvalidState(err), "a failed pipeline is stopped before it is started again")
	assert.Equal(t, 1, h.bulk.count())

	h.bulk.err = nil
	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)
	got, err = h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 2, h.bulk.count())
}

func TestStartFailedPipelineIsInvalidState(t *testing.T) {
	h := newHarness(t)
	h.sink.failOnCreate = "task crashed"
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)
	sourceBefore, sinkBefore := h.source.mutations(), h.sink.mutations()
	eventsBefore, err := h.o.Events(ctx, p.ID, 0)
	require.NoError(t, err)

	got, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, sourceBefore, h.source.mutations())
	assert.Equal(t, sinkBefore, h.sink.mutations())
	eventsAfter, err := h.o.Events(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore), "a rejected start records nothing")
}

func TestRestartAfterFailedFullLoadRerunDoesNotResumeCDC(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)

	h.bulk.err = errors.New(errors.ErrorTypeBulkLoad, "copy public.orders: disk full")
	failed, err := h.o.Start(ctx, p.ID, StartOptions{RerunFullLoad: true})
	require.Error(t, err)
	require.Equal(t, models.FullLoadFailed, failed.FullLoadStatus)
	require.False(t, failed.Checkpoint.Valid())
	sourceBefore, sinkBefore := h.source.mutations(), h.sink.mutations()

	got, err := h.o.Restart(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpointInvariant))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEqual(t, models.CDCRunning, got.CDCStatus)
	assert.Equal(t, sourceBefore, h.source.mutations())
	assert.Equal(t, sinkBefore, h.sink.mutations())
	assert.Zero(t, h.source.count("resume"))
	res := h.names(t, p)
	assert.Equal(t, connect.StatePaused, h.source.state(res.SourceConnector))

	stored, err := h.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.FullLoadFailed, stored.FullLoadStatus)
}

func TestRestartRequiresValidFullLoadCheckpoint(t *testing.T) {
	at := time.Now()
	p := models.NewPipeline("p-1", "orders", models.ModeFullLoadAndCDC, "src", "dst", []string{"orders"})
	p.FullLoadStatus = models.FullLoadCompleted
	p.Checkpoint = &models.Checkpoint{Kind: models.CheckpointLSN, Position: "0/16B3748", InvalidatedAt: &at}
	err := restartable(p)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpointInvariant))

	p.FullLoadNotNeeded = true
	assert.NoError(t, restartable(p))

	p.FullLoadNotNeeded = false
	p.Checkpoint.InvalidatedAt = nil
	assert.NoError(t, restartable(p))

	cdc := models.NewPipeline("p-2", "orders", models.ModeCDCOnly, "src", "dst", []string{"orders"})
	assert.NoError(t, restartable(cdc))
}

func TestFailedStepIsLoggedOnce(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	h.o.logger = zap.New(core)
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)

	h.source.pauseErr = errors.New(errors.ErrorTypeTransient, "503 rebalance in progress")
	got, err := h.o.Stop(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, StepPauseSource, got.FailedStep)

	entries := logs.FilterMessage("pipeline step failed").All()
	require.Len(t, entries, 1)
	steps := 0
	for _, f := range entries[0].Context {
		if f.Key == "step" {
			steps++
			assert.Equal(t, StepPauseSource, f.String)
		}
	}
	assert.Equal(t, 1, steps)
}

func TestLocksAreDroppedForMissingAndDeletedPipelines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.Start(ctx, "no-such-pipeline", StartOptions{})
	assert.True(t, errors.IsNotFound(err))
	_, err = h.o.Stop(ctx, "no-such-pipeline")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(h.o.DeletePipeline(ctx, "no-such-pipeline")))

	p := h.pipeline(t, models.ModeCDCOnly)
	require.NoError(t, h.o.DeletePipeline(ctx, p.ID))

	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	assert.Empty(t, h.o.locks)
}

func TestFullLoadNotNeededStartsWithSnapshot(t *testing.T) {
	h := newHarness(t)
	h.bulk.outcome = bulkload.OutcomeNotNeeded
	p := h.pipeline(t, models.ModeFullLoadAndCDC)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.NoError(t, err)
	assert.True(t, got.FullLoadNotNeeded)
	assert.Nil(t, got.Checkpoint)
	res := h.names(t, p)
	assert.Equal(t, dialect.SentinelFresh, h.source.config(res.SourceConnector)[connectorconfig.KeyStartPosition])
}

func TestCDCOnlySkipsFullLoad(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{RerunFullLoad: true})
	require.NoError(t, err)
	assert.Zero(t, h.bulk.count())
	assert.Nil(t, got.Checkpoint)
	assert.Equal(t, models.FullLoadNotStarted, got.FullLoadStatus)
	res := h.names(t, p)
	assert.Equal(t, dialect.SentinelLatest, h.source.config(res.SourceConnector)[connectorconfig.KeyStartPosition])
}

func TestFullLoadOnlyEndsStoppedWithoutConnectors(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadOnly)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Equal(t, models.FullLoadCompleted, got.FullLoadStatus)
	assert.Equal(t, models.CDCNotStarted, got.CDCStatus)
	assert.NotNil(t, got.Checkpoint)
	assert.Zero(t, h.source.mutations())
	assert.Zero(t, h.sink.mutations())
}

func TestConnectorOwnedByAnotherPipelineIsNotAdopted(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	res := h.names(t, p)
	_, err := h.source.Create(context.Background(), res.SourceConnector,
		map[string]string{connectorconfig.KeyPipelineID: "someone-else"})
	require.NoError(t, err)

	got, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Equal(t, StepSourceConnector, got.FailedStep)
	assert.Zero(t, h.source.count("update"))
	assert.Equal(t, "someone-else", h.source.config(res.SourceConnector)[connectorconfig.KeyPipelineID])
}

func TestStreamsArePreCreatedBeforeSourceConnector(t *testing.T) {
	h := newHarness(t, withProvisioner())
	p := h.pipeline(t, models.ModeCDCOnly)

	_, err := h.o.Start(context.Background(), p.ID, StartOptions{})
	require.NoError(t, err)

	res := h.names(t, p)
	prov := h.o.provisioner.(*fakeProvisioner)
	require.Len(t, prov.ensured, 1)
	assert.Equal(t, res.Names(), prov.ensured[0])
	require.GreaterOrEqual(t, len(h.journal), 2)
	assert.Equal(t, "streams:ensure", h.journal[0])
	assert.Equal(t, "source:create:"+res.SourceConnector, h.journal[1])
	assert.Equal(t, "false", h.source.config(res.SourceConnector)["topic.creation.enable"])
}

func TestStatusReadsLiveHealth(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeFullLoadAndCDC)
	ctx := context.Background()

	view, err := h.o.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, view.Healthy)
	assert.Nil(t, view.Source)

	_, err = h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)
	view, err = h.o.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, view.Healthy)
	require.NotNil(t, view.Source)
	assert.Equal(t, connect.StateRunning, view.Source.State)

	res := h.names(t, p)
	h.sink.setState(res.SinkConnector, connect.StateFailed)
	view, err = h.o.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, view.Healthy, "a cached RUNNING status is not trusted")
	assert.Equal(t, models.StatusRunning, view.Pipeline.Status)
	assert.Equal(t, connect.StateFailed, view.Sink.State)

	h.sink.stale[res.SinkConnector] = true
	view, err = h.o.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, view.Stale)
	assert.Equal(t, connect.StateUnknown, view.Sink.State)
}

func TestDeleteConnectorsThenPipeline(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)

	_, err = h.o.DeleteConnectors(ctx, p.ID)
	assert.True(t, errors.IsInvalidState(err), "running pipelines keep their connectors")
	assert.True(t, errors.IsInvalidState(h.o.DeletePipeline(ctx, p.ID)))

	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, errors.IsInvalidState(h.o.DeletePipeline(ctx, p.ID)), "connectors must be deleted first")

	h.journal = nil
	got, err := h.o.DeleteConnectors(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SourceConnectorName)
	assert.Equal(t, models.CDCNotStarted, got.CDCStatus)
	res := h.names(t, p)
	assert.Equal(t, []string{"sink:delete:" + res.SinkConnector, "source:delete:" + res.SourceConnector}, h.journal)

	_, err = h.o.DeleteConnectors(ctx, p.ID)
	require.NoError(t, err, "deleting again is a no-op")

	require.NoError(t, h.o.DeletePipeline(ctx, p.ID))
	_, err = h.o.GetPipeline(ctx, p.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteConnectorsToleratesMissing(t *testing.T) {
	h := newHarness(t)
	h.source.failOnCreate = "boom"
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.Error(t, err)

	got, err := h.o.DeleteConnectors(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, h.sink.count("delete"))
	assert.Equal(t, 1, h.source.count("delete"))
}

func TestUpdateConnectionWhileActive(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, models.ModeCDCOnly)
	ctx := context.Background()
	_, err := h.o.Start(ctx, p.ID, StartOptions{})
	require.NoError(t, err)

	moved := h.src.Clone()
	moved.Host = "pg-replica"
	_, err = h.o.UpdateConnection(ctx, h.src.ID, moved)
	assert.True(t, errors.IsInvalidState(err))

	rotated := h.src.Clone()
	rotated.Password = "new-password"
	rotated.AdditionalConfig = map[string]string{"secret.token": "t2"}
	got, err := h.o.UpdateConnection(ctx, h.src.ID, rotated)
	require.NoError(t, err)
	assert.Equal(t, "new-password", got.Password)
	assert.Equal(t, h.src.CreatedAt, got.CreatedAt)

	_, err = h.o.Stop(ctx, p.ID)
	require.NoError(t, err)
	_, err = h.o.UpdateConnection(ctx, h.src.ID, moved)
	require.NoError(t, err, "stopped pipelines do not pin their connections")
}

func TestCreatePipelineValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := PipelineSpec{
		Name: "p", Mode: models.ModeFullLoadAndCDC,
		SourceConnectionID: h.src.ID, TargetConnectionID: h.tgt.ID, Tables: []string{"orders"},
	}

	tests := []struct {
		name  string
		edit  func(*PipelineSpec)
		setup func()
		check func(error) bool
	}{
		{"unknown mode", func(s *PipelineSpec) { s.Mode = "SOMETIMES" }, nil,
			func(err error) bool { return errors.IsType(err, errors.ErrorTypeValidation) }},
		{"no tables", func(s *PipelineSpec) { s.Tables = nil }, nil,
			func(err error) bool { return errors.IsType(err, errors.ErrorTypeValidation) }},
		{"bad table name", func(s *PipelineSpec) { s.Tables = []string{"a.b.c"} }, nil,
			func(err error) bool { return errors.IsType(err, errors.ErrorTypeValidation) }},
		{"missing connection", func(s *PipelineSpec) { s.TargetConnectionID = "nope" }, nil,
			errors.IsNotFound},
		{"unsupported full load", func(*PipelineSpec) {},
			func() { h.bulk.supportsErr = errors.UnsupportedDialect("postgres", "bulk load target") },
			func(err error) bool { return errors.IsType(err, errors.ErrorTypeUnsupportedDialect) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.bulk.supportsErr = nil
			if tt.setup != nil {
				tt.setup()
			}
			spec := valid
			tt.edit(&spec)
			_, err := h.o.CreatePipeline(ctx, spec)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	h.bulk.supportsErr = nil
	p, err := h.o.CreatePipeline(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, p.Status)
}

func TestCreateConnectionRejectsUnknownDialect(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.CreateConnection(context.Background(), &models.Connection{Name: "x", DatabaseType: "db2"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedDialect))
	_, err = h.o.CreateConnection(context.Background(), &models.Connection{DatabaseType: models.DatabaseMySQL})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func tablesOf(tables []bulkload.Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Source.String()
	}
	return out
}
