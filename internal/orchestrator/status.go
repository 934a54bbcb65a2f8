package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/observability"
)

// StatusView is the aggregated status of a pipeline: the persisted record
// plus a fresh read of both connectors.
type StatusView struct {
	Pipeline *models.Pipeline `json:"pipeline"`
	Source   *connect.Health  `json:"source_connector,omitempty"`
	Sink     *connect.Health  `json:"sink_connector,omitempty"`
	// Healthy is true when every phase the mode requires is done or running
	// and both connectors answered with all tasks RUNNING.
	Healthy bool `json:"healthy"`
	// Stale is true when a connector did not answer before the deadline.
	Stale bool `json:"stale"`
}

// Status reads both connectors' live health concurrently. It takes no lock
// and never blocks past the status deadline of the managers.
func (o *Orchestrator) Status(ctx context.Context, pipelineID string) (view *StatusView, err error) {
	ctx, span := observability.StartSpan(logger.WithPipeline(ctx, pipelineID), "orchestrator.status",
		observability.PipelineAttr(pipelineID))
	began := time.Now()
	defer func() {
		o.recorder.ObserveOperation("status", time.Since(began), err)
		observability.EndSpan(span, err)
	}()

	p, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	view = &StatusView{Pipeline: p}

	g, gctx := errgroup.WithContext(ctx)
	if p.SourceConnectorName != "" {
		g.Go(func() error {
			h := o.source.Health(gctx, p.SourceConnectorName)
			view.Source = &h
			return nil
		})
	}
	if p.SinkConnectorName != "" {
		g.Go(func() error {
			h := o.sink.Health(gctx, p.SinkConnectorName)
			view.Sink = &h
			return nil
		})
	}
	_ = g.Wait()

	view.Stale = (view.Source != nil && view.Source.Stale) || (view.Sink != nil && view.Sink.Stale)
	view.Healthy = healthy(p, view.Source, view.Sink)
	return view, nil
}

func healthy(p *models.Pipeline, source, sink *connect.Health) bool {
	if p.Mode.IncludesFullLoad() && p.FullLoadStatus != models.FullLoadCompleted {
		return false
	}
	if !p.Mode.IncludesCDC() {
		return p.Status != models.StatusFailed
	}
	if p.Status != models.StatusRunning || source == nil || sink == nil {
		return false
	}
	return source.Healthy() && sink.Healthy()
}
