package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/connectorconfig"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/observability"
)

// StartOptions modify Start.
type StartOptions struct {
	// RerunFullLoad repeats a completed full load. The stored checkpoint is
	// invalidated before the copy begins.
	RerunFullLoad bool
}

// Start runs the pipeline's phases in order and returns it RUNNING, or
// STOPPED for FULL_LOAD_ONLY pipelines. On failure the pipeline is returned
// FAILED together with the error of the failing step.
func (o *Orchestrator) Start(ctx context.Context, pipelineID string, opts StartOptions) (p *models.Pipeline, err error) {
	ctx, span := observability.StartSpan(logger.WithPipeline(ctx, pipelineID), "orchestrator.start",
		observability.PipelineAttr(pipelineID))
	began := time.Now()
	defer func() {
		o.recorder.ObserveOperation("start", time.Since(began), err)
		observability.EndSpan(span, err)
	}()

	opCtx, release, err := o.acquire(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err = o.load(opCtx, pipelineID)
	if err != nil {
		return nil, err
	}
	if !p.Startable() {
		return p, errors.InvalidState(p.ID, string(p.Status), "start")
	}
	src, tgt, err := o.connections(opCtx, p)
	if err != nil {
		return p, err
	}

	p.FailedStep, p.LastError = "", ""
	if err := o.transition(opCtx, p, models.StatusStarting, "start"); err != nil {
		return p, err
	}
	log := logger.FromContext(opCtx, o.logger)
	log.Info("pipeline starting", zap.String("mode", string(p.Mode)), zap.Bool("rerun_full_load", opts.RerunFullLoad))

	if err := o.step(opCtx, p, StepFullLoad, func(ctx context.Context) error {
		return o.fullLoad(ctx, p, src, tgt, opts.RerunFullLoad)
	}); err != nil {
		return p, err
	}

	if !p.Mode.IncludesCDC() {
		if err := o.transition(opCtx, p, models.StatusStopped, "full load completed"); err != nil {
			return p, err
		}
		log.Info("full load only pipeline finished")
		return p, nil
	}

	var pair *connectorconfig.Pair
	if err := o.step(opCtx, p, StepGenerateConfig, func(ctx context.Context) error {
		var err error
		pair, err = o.generator.Generate(connectorconfig.Input{Pipeline: p, Source: src, Target: tgt})
		return err
	}); err != nil {
		return p, err
	}

	if o.provisioner != nil && o.provisioner.Enabled() {
		if err := o.step(opCtx, p, StepCreateStreams, func(ctx context.Context) error {
			_, err := o.provisioner.Ensure(ctx, pair.Source.Streams)
			return err
		}); err != nil {
			return p, err
		}
	}

	p.SourceConnectorName = pair.Source.Name
	p.SinkConnectorName = pair.Sink.Name
	p.CDCStatus = models.CDCStarting
	if err := o.save(opCtx, p); err != nil {
		return p, err
	}

	if err := o.step(opCtx, p, StepSourceConnector, func(ctx context.Context) error {
		return o.ensureConnector(ctx, o.source, p, pair.Source)
	}); err != nil {
		return p, err
	}
	if err := o.step(opCtx, p, StepSinkConnector, func(ctx context.Context) error {
		return o.ensureConnector(ctx, o.sink, p, pair.Sink)
	}); err != nil {
		return p, err
	}

	p.CDCStatus = models.CDCRunning
	if err := o.transition(opCtx, p, models.StatusRunning, "start"); err != nil {
		return p, err
	}
	log.Info("pipeline running",
		zap.String("source_connector", p.SourceConnectorName),
		zap.String("sink_connector", p.SinkConnectorName))
	return p, nil
}

// step runs fn as a named step. A cancelled context stops the sequence before
// fn runs; any error marks the pipeline FAILED at this step.
func (o *Orchestrator) step(ctx context.Context, p *models.Pipeline, name string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(logger.WithStep(ctx, name), "orchestrator.step."+name,
		observability.PipelineAttr(p.ID), observability.StepAttr(name))

	err := ctx.Err()
	if err != nil {
		err = errors.FromContext(err, fmt.Sprintf("pipeline operation cancelled before %s", name))
	} else {
		err = fn(ctx)
	}
	observability.EndSpan(span, err)
	if err != nil {
		return o.fail(ctx, p, name, err)
	}
	return nil
}

// fail records the failing step and moves the pipeline to FAILED. The record
// is written even if ctx was cancelled. Connectors are never deleted here.
func (o *Orchestrator) fail(ctx context.Context, p *models.Pipeline, step string, cause error) error {
	var structured *errors.Error
	if errors.As(cause, &structured) {
		structured.WithDetail("step", step)
	} else {
		cause = errors.Wrap(cause, errors.ErrorTypeInternal, step+" failed").WithDetail("step", step)
	}

	switch step {
	case StepFullLoad:
		p.FullLoadStatus = models.FullLoadFailed
	case StepSourceConnector, StepSinkConnector, StepRestartSource, StepRestartSink:
		p.CDCStatus = models.CDCFailed
	}
	p.FailedStep = step
	p.LastError = cause.Error()

	logger.FromContext(logger.WithStep(ctx, step), o.logger).Error("pipeline step failed",
		zap.String("error_type", string(errors.TypeOf(cause))),
		zap.Error(cause))

	from := p.Status
	p.Status = models.StatusFailed
	saveErr := o.store.SavePipeline(context.WithoutCancel(ctx), p, store.Event{
		From:   from,
		To:     models.StatusFailed,
		Reason: "step failed",
		Step:   step,
		Error:  p.LastError,
		At:     o.now(),
	})
	if saveErr != nil {
		return stderrors.Join(cause, saveErr)
	}
	if from != models.StatusFailed {
		o.recorder.Transition(string(from), string(models.StatusFailed))
	}
	return cause
}

// fullLoad runs the bulk copy unless it already completed. A re-run
// invalidates the previous checkpoint first, so a new one can be stored.
func (o *Orchestrator) fullLoad(ctx context.Context, p *models.Pipeline, src, tgt *models.Connection, rerun bool) error {
	if !p.Mode.IncludesFullLoad() {
		return nil
	}
	if p.FullLoadStatus == models.FullLoadCompleted && !rerun {
		logger.FromContext(ctx, o.logger).Info("full load already completed; reusing checkpoint")
		return nil
	}

	if cp := p.Checkpoint; cp != nil && cp.InvalidatedAt == nil {
		at := o.now()
		cp.InvalidatedAt = &at
		logger.FromContext(ctx, o.logger).Info("checkpoint invalidated",
			zap.String("checkpoint_id", cp.ID), zap.String("run_id", cp.RunID))
	}
	p.FullLoadNotNeeded = false
	p.FullLoadStatus = models.FullLoadInProgress
	if err := o.save(ctx, p); err != nil {
		return err
	}

	res, err := o.generator.Resolve(p, src)
	if err != nil {
		return err
	}
	result, err := o.bulk.Run(ctx, bulkload.Request{
		PipelineID: p.ID,
		Source:     src,
		Target:     tgt,
		Tables:     bulkload.TablesFrom(res),
	})
	if err != nil {
		return err
	}

	switch result.Outcome {
	case bulkload.OutcomeNotNeeded:
		p.FullLoadNotNeeded = true
	case bulkload.OutcomeCompleted:
		if !result.Checkpoint.Valid() {
			return errors.CheckpointInvariant(p.ID, "full load completed without a usable checkpoint")
		}
		p.Checkpoint = result.Checkpoint
	default:
		return errors.Newf(errors.ErrorTypeBulkLoad, "unknown full load outcome %q", result.Outcome)
	}
	p.FullLoadStatus = models.FullLoadCompleted
	return o.save(ctx, p)
}

// ensureConnector creates the connector. If a connector of that name exists
// and carries this pipeline's id it is resumed and updated in place; one owned
// by anything else is a naming conflict.
func (o *Orchestrator) ensureConnector(ctx context.Context, m ConnectorManager, p *models.Pipeline, doc *connectorconfig.Document) error {
	_, err := m.Create(ctx, doc.Name, doc.Config)
	if err == nil || !errors.IsAlreadyExists(err) {
		return err
	}

	existing, err := m.Config(ctx, doc.Name)
	if err != nil {
		return err
	}
	if owner := existing[connectorconfig.KeyPipelineID]; owner != p.ID {
		return errors.AlreadyExists("connector", doc.Name).
			WithDetail("owner", owner).
			WithDetail("runtime", m.Runtime())
	}
	logger.FromContext(ctx, o.logger).Info("adopting existing connector",
		zap.String("connector", doc.Name), zap.String("runtime", m.Runtime()))

	if h := m.Health(ctx, doc.Name); h.State == connect.StatePaused {
		if _, err := m.Resume(ctx, doc.Name); err != nil {
			return err
		}
	}
	_, err = m.Update(ctx, doc.Name, doc.Config)
	return err
}

// Stop pauses both connectors and marks the pipeline STOPPED. An operation in
// flight on the pipeline is cancelled first. Stopping a STOPPED pipeline does
// nothing.
func (o *Orchestrator) Stop(ctx context.Context, pipelineID string) (p *models.Pipeline, err error) {
	ctx, span := observability.StartSpan(logger.WithPipeline(ctx, pipelineID), "orchestrator.stop",
		observability.PipelineAttr(pipelineID))
	began := time.Now()
	defer func() {
		o.recorder.ObserveOperation("stop", time.Since(began), err)
		observability.EndSpan(span, err)
	}()

	release, err := o.preempt(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err = o.load(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.StatusStopped:
		return p, nil
	case models.StatusDraft:
		return p, errors.InvalidState(p.ID, string(p.Status), "stop")
	}

	paused := false
	for _, c := range []struct {
		m    ConnectorManager
		name string
		step string
	}{
		{o.source, p.SourceConnectorName, StepPauseSource},
		{o.sink, p.SinkConnectorName, StepPauseSink},
	} {
		if c.name == "" {
			continue
		}
		_, err := c.m.Pause(ctx, c.name)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return p, o.fail(ctx, p, c.step, err)
		}
		paused = true
	}

	if paused {
		p.CDCStatus = models.CDCPaused
	}
	p.FailedStep, p.LastError = "", ""
	if err := o.transition(ctx, p, models.StatusStopped, "stop"); err != nil {
		return p, err
	}
	logger.FromContext(ctx, o.logger).Info("pipeline stopped", zap.Bool("connectors_paused", paused))
	return p, nil
}

// Restart restarts the pipeline's unhealthy connectors. The full load is not
// repeated and the checkpoint is untouched. Paused connectors are resumed;
// connectors the runtime no longer knows are reported, not recreated.
func (o *Orchestrator) Restart(ctx context.Context, pipelineID string) (p *models.Pipeline, err error) {
	ctx, span := observability.StartSpan(logger.WithPipeline(ctx, pipelineID), "orchestrator.restart",
		observability.PipelineAttr(pipelineID))
	began := time.Now()
	defer func() {
		o.recorder.ObserveOperation("restart", time.Since(began), err)
		observability.EndSpan(span, err)
	}()

	opCtx, release, err := o.acquire(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err = o.load(opCtx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusRunning && p.Status != models.StatusFailed {
		return p, errors.InvalidState(p.ID, string(p.Status), "restart")
	}
	if p.SourceConnectorName == "" || p.SinkConnectorName == "" {
		return p, errors.InvalidState(p.ID, string(p.Status), "restart").
			WithDetail("reason", "pipeline has no connectors; start it instead")
	}
	if err := restartable(p); err != nil {
		return p, err
	}

	restarted := 0
	for _, c := range []struct {
		m    ConnectorManager
		name string
		step string
	}{
		{o.source, p.SourceConnectorName, StepRestartSource},
		{o.sink, p.SinkConnectorName, StepRestartSink},
	} {
		var acted bool
		if err := o.step(opCtx, p, c.step, func(ctx context.Context) error {
			var err error
			acted, err = o.restartConnector(ctx, c.m, c.name)
			return err
		}); err != nil {
			return p, err
		}
		if acted {
			restarted++
		}
	}

	p.CDCStatus = models.CDCRunning
	p.FailedStep, p.LastError = "", ""
	if err := o.transition(opCtx, p, models.StatusRunning, "restart"); err != nil {
		return p, err
	}
	logger.FromContext(opCtx, o.logger).Info("pipeline restarted", zap.Int("connectors_restarted", restarted))
	return p, nil
}

// restartable refuses to resume CDC when the pipeline could not start it
// fresh: a failed or pending full load, or a full-load checkpoint that is no
// longer valid.
func restartable(p *models.Pipeline) error {
	if !p.CanStartCDC() {
		return errors.CheckpointInvariant(p.ID,
			fmt.Sprintf("CDC cannot resume while full load is %s; stop and start the pipeline", p.FullLoadStatus))
	}
	if p.Mode.IncludesFullLoad() && !p.FullLoadNotNeeded && !p.Checkpoint.Valid() {
		return errors.CheckpointInvariant(p.ID,
			"the full load checkpoint is missing or invalidated; stop and start the pipeline with a full load rerun")
	}
	return nil
}

func (o *Orchestrator) restartConnector(ctx context.Context, m ConnectorManager, name string) (bool, error) {
	h := m.Health(ctx, name)
	switch {
	case h.Healthy():
		return false, nil
	case h.State == connect.StateNotFound:
		return false, errors.NotFound("connector", name).
			WithDetail("runtime", m.Runtime()).
			WithDetail("reason", "delete the pipeline's connectors and start it again")
	case h.State == connect.StatePaused:
		_, err := m.Resume(ctx, name)
		return true, err
	default:
		_, err := m.Restart(ctx, name)
		return true, err
	}
}

// DeleteConnectors removes both connectors, sink first. Connectors that are
// already gone are skipped. The pipeline must not be STARTING or RUNNING.
func (o *Orchestrator) DeleteConnectors(ctx context.Context, pipelineID string) (p *models.Pipeline, err error) {
	ctx, span := observability.StartSpan(logger.WithPipeline(ctx, pipelineID), "orchestrator.delete_connectors",
		observability.PipelineAttr(pipelineID))
	began := time.Now()
	defer func() {
		o.recorder.ObserveOperation("delete_connectors", time.Since(began), err)
		observability.EndSpan(span, err)
	}()

	opCtx, release, err := o.acquire(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err = o.load(opCtx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Active() {
		return p, errors.InvalidState(p.ID, string(p.Status), "delete connectors")
	}

	for _, c := range []struct {
		m    ConnectorManager
		name string
	}{
		{o.sink, p.SinkConnectorName},
		{o.source, p.SourceConnectorName},
	} {
		if c.name == "" {
			continue
		}
		if err := c.m.Delete(opCtx, c.name); err != nil && !errors.IsNotFound(err) {
			return p, err
		}
		logger.FromContext(opCtx, o.logger).Info("connector deleted",
			zap.String("connector", c.name), zap.String("runtime", c.m.Runtime()))
	}

	p.SourceConnectorName, p.SinkConnectorName = "", ""
	p.CDCStatus = models.CDCNotStarted
	if err := o.store.SavePipeline(opCtx, p, store.Event{
		From: p.Status, To: p.Status, Reason: "connectors deleted", At: o.now(),
	}); err != nil {
		return p, err
	}
	return p, nil
}
