// Package connectorconfig turns a pipeline and its two connections into the
// source and sink connector documents submitted to the connector runtimes.
//
// Generation is a pure function of its inputs apart from the naming cache:
// both documents are built from the same cached naming.Resolution, and the
// sink document is checked against the source document's streams before it
// is returned.
package connectorconfig

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// Keys relay adds to every source document besides the dialect's own.
const (
	KeyStartPosition  = "start.position"
	KeyCheckpointKind = "relay.checkpoint.kind"
	KeyPipelineID     = "relay.pipeline.id"
	KeyTopics         = "topics"
)

// Document is a connector name and configuration ready to submit.
type Document struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
	// Streams are the stream names the document produces or consumes.
	Streams []string `json:"-"`
}

// Input is what a document is generated from.
type Input struct {
	Pipeline *models.Pipeline
	Source   *models.Connection
	Target   *models.Connection
	// Checkpoint overrides Pipeline.Checkpoint when set.
	Checkpoint *models.Checkpoint
}

func (in Input) checkpoint() *models.Checkpoint {
	if in.Checkpoint != nil {
		return in.Checkpoint
	}
	return in.Pipeline.Checkpoint
}

// Generator builds connector documents. It is safe for concurrent use.
type Generator struct {
	resolver *naming.Resolver
	streams  config.StreamsConfig
}

// NewGenerator returns a Generator that resolves names through resolver.
func NewGenerator(resolver *naming.Resolver, streams config.StreamsConfig) *Generator {
	return &Generator{resolver: resolver, streams: streams}
}

// Resolve returns the pipeline's cached names, folding its tables with the
// source dialect's case rule.
func (g *Generator) Resolve(p *models.Pipeline, source *models.Connection) (*naming.Resolution, error) {
	d, err := dialect.ForSource(source.DatabaseType)
	if err != nil {
		return nil, err
	}
	return g.resolve(p, source, d)
}

func (g *Generator) resolve(p *models.Pipeline, source *models.Connection, d dialect.Dialect) (*naming.Resolution, error) {
	tables, err := models.ParseTables(p.Tables, d.DefaultSchema(source))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid table list").
			WithDetail("pipeline_id", p.ID)
	}
	return g.resolver.Resolve(naming.Request{
		PipelineID: p.ID,
		CaseRule:   d.CaseRule(),
		Tables:     tables,
	})
}

// StartFor decides where the source connector begins reading. A valid
// checkpoint always wins. Without one, a pipeline whose full load was needed
// cannot start CDC at all; a snapshot is only taken when the executor
// reported the copy was not needed, and CDC-only pipelines start at the
// current log position.
func StartFor(p *models.Pipeline, cp *models.Checkpoint, d dialect.Dialect) (dialect.Start, error) {
	if !p.Mode.IncludesCDC() {
		return dialect.Start{}, errors.New(errors.ErrorTypeValidation,
			fmt.Sprintf("mode %s has no CDC phase", p.Mode)).WithDetail("pipeline_id", p.ID)
	}
	if !p.CanStartCDC() {
		return dialect.Start{}, errors.CheckpointInvariant(p.ID,
			fmt.Sprintf("CDC cannot start while full load is %s", p.FullLoadStatus))
	}

	if cp.Valid() {
		if cp.PipelineID != "" && cp.PipelineID != p.ID {
			return dialect.Start{}, errors.CheckpointInvariant(p.ID,
				fmt.Sprintf("checkpoint %s belongs to pipeline %s", cp.ID, cp.PipelineID))
		}
		if _, err := d.ResolveCheckpoint(cp); err != nil {
			return dialect.Start{}, err
		}
		return dialect.Start{Kind: dialect.StartCheckpoint, Checkpoint: cp}, nil
	}

	switch {
	case p.Mode.IncludesFullLoad() && p.FullLoadNotNeeded:
		return dialect.Start{Kind: dialect.StartFresh}, nil
	case p.Mode.IncludesFullLoad():
		msg := "full load completed without a checkpoint"
		if cp != nil {
			msg = "checkpoint from the full load has been invalidated"
		}
		return dialect.Start{}, errors.CheckpointInvariant(p.ID, msg+"; refusing to take a fresh snapshot")
	default:
		return dialect.Start{Kind: dialect.StartLatest}, nil
	}
}

// Source builds the source connector document.
func (g *Generator) Source(in Input) (*Document, error) {
	p := in.Pipeline
	d, err := dialect.ForSource(in.Source.DatabaseType)
	if err != nil {
		return nil, err
	}
	start, err := StartFor(p, in.checkpoint(), d)
	if err != nil {
		return nil, err
	}
	res, err := g.resolve(p, in.Source, d)
	if err != nil {
		return nil, err
	}

	cfg, err := d.BuildSourceConfig(dialect.SourceInput{
		PipelineID: p.ID,
		Connection: in.Source,
		Resolution: res,
		Start:      start,
		Streams:    g.streams,
	})
	if err != nil {
		return nil, err
	}

	cfg["name"] = res.SourceConnector
	cfg[KeyPipelineID] = p.ID
	cfg[KeyStartPosition] = start.Position()
	if start.Kind == dialect.StartCheckpoint {
		cfg[KeyCheckpointKind] = string(start.Checkpoint.Kind)
	}
	if g.streams.PreCreate {
		cfg["topic.creation.enable"] = "false"
	} else {
		cfg["topic.creation.enable"] = "true"
		cfg["topic.creation.default.partitions"] = fmt.Sprint(max32(g.streams.Partitions, 1))
		cfg["topic.creation.default.replication.factor"] = fmt.Sprint(max16(g.streams.ReplicationFactor, 1))
	}

	return &Document{Name: res.SourceConnector, Config: cfg, Streams: routedStreams(cfg)}, nil
}

// routedStreams reads back the stream names a source document's routes
// rename its topics to, in route order.
func routedStreams(cfg map[string]string) []string {
	var out []string
	for _, name := range splitTopics(cfg["transforms"]) {
		if !strings.HasPrefix(name, dialect.StreamTransformPrefix) {
			continue
		}
		key := "transforms." + name
		if cfg[key+".type"] != dialect.RegexRouter {
			continue
		}
		out = append(out, cfg[key+".replacement"])
	}
	return out
}

// Sink builds the sink connector document bound to the source document's
// streams. The topics the sink subscribes to must be byte-identical to the
// streams the source produces, otherwise NameMismatch is returned and no
// sink document is produced.
func (g *Generator) Sink(in Input, source *Document) (*Document, error) {
	p := in.Pipeline
	target, err := dialect.ForSink(in.Target.DatabaseType)
	if err != nil {
		return nil, err
	}
	res, err := g.Resolve(p, in.Source)
	if err != nil {
		return nil, err
	}

	cfg, err := target.BuildSinkConfig(dialect.SinkInput{
		PipelineID: p.ID,
		Connection: in.Target,
		Resolution: res,
		Topics:     res.Names(),
	})
	if err != nil {
		return nil, err
	}
	cfg["name"] = res.SinkConnector
	cfg[KeyPipelineID] = p.ID

	topics := splitTopics(cfg[KeyTopics])
	if source != nil && !naming.Equal(source.Streams, topics) {
		return nil, errors.NameMismatch(source.Streams, topics).WithDetail("pipeline_id", p.ID)
	}
	return &Document{Name: res.SinkConnector, Config: cfg, Streams: topics}, nil
}

// Pair holds both documents of one pipeline.
type Pair struct {
	Source     *Document
	Sink       *Document
	Resolution *naming.Resolution
}

// Generate builds both documents.
func (g *Generator) Generate(in Input) (*Pair, error) {
	src, err := g.Source(in)
	if err != nil {
		return nil, err
	}
	sink, err := g.Sink(in, src)
	if err != nil {
		return nil, err
	}
	res, err := g.Resolve(in.Pipeline, in.Source)
	if err != nil {
		return nil, err
	}
	return &Pair{Source: src, Sink: sink, Resolution: res}, nil
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func max32(v, floor int32) int32 {
	if v < floor {
		return floor
	}
	return v
}

func max16(v, floor int16) int16 {
	if v < floor {
		return floor
	}
	return v
}
