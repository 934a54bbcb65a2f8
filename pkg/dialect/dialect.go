// Package dialect holds the closed catalogue of database dialects relay can
// replicate from and to. Each dialect knows how to render its part of a
// connector configuration document, which identifier case it folds to, and
// how to validate a checkpoint captured against it.
//
// Dialects register themselves in init, so adding one is a matter of adding a
// file to this package:
//
//	d, err := dialect.ForSource(conn.DatabaseType)
//	if err != nil {
//		return err // UnsupportedDialectError
//	}
//	cfg, err := d.BuildSourceConfig(in)
package dialect

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// Start-position sentinels written to start.position when no checkpoint applies.
const (
	// SentinelFresh asks the connector for a full initial snapshot.
	SentinelFresh = "fresh"
	// SentinelLatest streams from the current log end without a snapshot.
	SentinelLatest = "latest"
)

// StartKind is how the source connector begins reading.
type StartKind int

const (
	// StartFresh takes an initial snapshot.
	StartFresh StartKind = iota
	// StartLatest skips the snapshot and reads from the current position.
	StartLatest
	// StartCheckpoint resumes from a captured checkpoint.
	StartCheckpoint
)

// Start is the resolved start position for a source document.
type Start struct {
	Kind       StartKind
	Checkpoint *models.Checkpoint
}

// Position is the start.position value.
func (s Start) Position() string {
	switch s.Kind {
	case StartCheckpoint:
		return s.Checkpoint.Position
	case StartLatest:
		return SentinelLatest
	default:
		return SentinelFresh
	}
}

// SnapshotMode is the snapshot.mode value. Only a fresh start snapshots;
// resuming from a checkpoint after a full load must never copy rows again.
func (s Start) SnapshotMode() string {
	if s.Kind == StartFresh {
		return "initial"
	}
	return "no_data"
}

// SourceInput is everything a dialect needs to render a source document.
type SourceInput struct {
	PipelineID string
	Connection *models.Connection
	Resolution *naming.Resolution
	Start      Start
	Streams    config.StreamsConfig
}

// SinkInput is everything a dialect needs to render a sink document.
type SinkInput struct {
	PipelineID string
	Connection *models.Connection
	Resolution *naming.Resolution
	// Topics is the exact list the sink must subscribe to.
	Topics []string
}

// Dialect is implemented once per database type.
type Dialect interface {
	Name() models.DatabaseType
	// CaseRule is how the dialect folds unquoted identifiers.
	CaseRule() naming.CaseRule
	// DefaultSchema is the schema bare table names belong to.
	DefaultSchema(conn *models.Connection) string
	// CheckpointKind is the position type the dialect's log uses; empty for sink-only dialects.
	CheckpointKind() models.CheckpointKind
	SupportsSource() bool
	SupportsSink() bool
	BuildSourceConfig(in SourceInput) (map[string]string, error)
	BuildSinkConfig(in SinkInput) (map[string]string, error)
	// ResolveCheckpoint validates cp and returns the position to resume from, unchanged.
	ResolveCheckpoint(cp *models.Checkpoint) (string, error)
}

var (
	mu       sync.RWMutex
	dialects = make(map[models.DatabaseType]Dialect)
)

// Register adds d to the catalogue. Registering a name twice panics.
func Register(d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := dialects[d.Name()]; exists {
		panic(fmt.Sprintf("dialect %s already registered", d.Name()))
	}
	dialects[d.Name()] = d
}

// Lookup returns the dialect for t.
func Lookup(t models.DatabaseType) (Dialect, error) {
	mu.RLock()
	d, ok := dialects[models.DatabaseType(strings.ToLower(string(t)))]
	mu.RUnlock()
	if !ok {
		return nil, errors.UnsupportedDialect(string(t), "connection")
	}
	return d, nil
}

// ForSource returns t's dialect if it can act as a CDC source.
func ForSource(t models.DatabaseType) (Dialect, error) {
	d, err := Lookup(t)
	if err != nil || !d.SupportsSource() {
		return nil, errors.UnsupportedDialect(string(t), "source")
	}
	return d, nil
}

// ForSink returns t's dialect if it can act as a sink target.
func ForSink(t models.DatabaseType) (Dialect, error) {
	d, err := Lookup(t)
	if err != nil || !d.SupportsSink() {
		return nil, errors.UnsupportedDialect(string(t), "sink")
	}
	return d, nil
}

// Names lists registered dialects, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(dialects))
	for name := range dialects {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// base supplies the refusals for the role a dialect does not play.
type base struct {
	name models.DatabaseType
}

func (b base) Name() models.DatabaseType { return b.name }

func (b base) CaseRule() naming.CaseRule { return naming.CasePreserve }

func (b base) DefaultSchema(conn *models.Connection) string { return conn.Schema }

func (b base) CheckpointKind() models.CheckpointKind { return "" }

func (b base) SupportsSource() bool { return false }

func (b base) SupportsSink() bool { return false }

func (b base) BuildSourceConfig(SourceInput) (map[string]string, error) {
	return nil, errors.UnsupportedDialect(string(b.name), "source")
}

func (b base) BuildSinkConfig(SinkInput) (map[string]string, error) {
	return nil, errors.UnsupportedDialect(string(b.name), "sink")
}

func (b base) ResolveCheckpoint(*models.Checkpoint) (string, error) {
	return "", errors.UnsupportedDialect(string(b.name), "source")
}

// checkKind rejects checkpoints captured for another dialect or already invalidated.
func (b base) checkKind(cp *models.Checkpoint, want models.CheckpointKind) error {
	if !cp.Valid() {
		return errors.CheckpointInvariant(pipelineOf(cp), "checkpoint is missing, empty or invalidated")
	}
	if cp.Kind != want {
		return errors.CheckpointInvariant(cp.PipelineID,
			fmt.Sprintf("%s source cannot resume from a %s checkpoint", b.name, cp.Kind)).
			WithDetail("kind", string(cp.Kind))
	}
	return nil
}

func pipelineOf(cp *models.Checkpoint) string {
	if cp == nil {
		return ""
	}
	return cp.PipelineID
}

func badPosition(cp *models.Checkpoint, format string, cause error) error {
	err := errors.CheckpointInvariant(cp.PipelineID,
		fmt.Sprintf("checkpoint position %q is not a valid %s", cp.Position, format)).
		WithDetail("kind", string(cp.Kind))
	if cause != nil {
		err = err.WithDetail("cause", cause.Error())
	}
	return err
}

// requireField returns the trimmed value or a MissingField error.
func requireField(d models.DatabaseType, field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.MissingField(string(d), field)
	}
	return value, nil
}

func requireOption(d models.DatabaseType, conn *models.Connection, key string) (string, error) {
	v, ok := conn.Option(key)
	if !ok {
		return "", errors.MissingField(string(d), "additional_config."+key)
	}
	return strings.TrimSpace(v), nil
}

func port(conn *models.Connection, def int) string {
	if conn.Port > 0 {
		return strconv.Itoa(conn.Port)
	}
	return strconv.Itoa(def)
}

func boolOption(conn *models.Connection, key string, def bool) (bool, error) {
	v, ok := conn.Option(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, errors.ConfigurationError("additional_config."+key, fmt.Sprintf("%q is not a boolean", v))
	}
	return b, nil
}

// RegexRouter is the single message transform that renames topics.
const RegexRouter = "org.apache.kafka.connect.transforms.RegexRouter"

// StreamTransformPrefix names the per-stream routes on source documents:
// stream0, stream1, ...
const StreamTransformPrefix = "stream"

// commonSource sets the keys every Debezium-style source document carries.
// scope lists the topic segments the connector writes between the prefix and
// the schema, e.g. the database name for SQL Server.
func commonSource(cfg map[string]string, in SourceInput, rule naming.CaseRule, scope ...string) {
	cfg["topic.prefix"] = in.Resolution.Prefix
	cfg["snapshot.mode"] = in.Start.SnapshotMode()
	cfg["tombstones.on.delete"] = "true"
	cfg["key.converter"] = "org.apache.kafka.connect.json.JsonConverter"
	cfg["value.converter"] = "org.apache.kafka.connect.json.JsonConverter"
	routeStreams(cfg, in.Resolution, rule, scope)
}

// routeStreams adds one RegexRouter per table that renames the topic the
// connector emits onto the resolved stream name, so the source produces
// exactly the names the sink subscribes to.
func routeStreams(cfg map[string]string, res *naming.Resolution, rule naming.CaseRule, scope []string) {
	names := make([]string, len(res.Streams))
	for i, s := range res.Streams {
		names[i] = StreamTransformPrefix + strconv.Itoa(i)
		key := "transforms." + names[i]
		cfg[key+".type"] = RegexRouter
		cfg[key+".regex"] = EmittedTopicPattern(res.Prefix, scope, s.Table, rule)
		cfg[key+".replacement"] = s.Name
	}
	cfg["transforms"] = strings.Join(names, ",")
}

// EmittedTopicPattern matches the topic a Debezium source writes a table's
// changes to: prefix, scope segments, schema and table joined by dots, with
// characters outside the stream alphabet replaced by '_'. Dialects that fold
// identifiers match case-insensitively since quoted identifiers keep their case.
func EmittedTopicPattern(prefix string, scope []string, t models.TableRef, rule naming.CaseRule) string {
	parts := make([]string, 0, len(scope)+3)
	parts = append(parts, prefix)
	parts = append(parts, scope...)
	if t.Schema != "" {
		parts = append(parts, t.Schema)
	}
	parts = append(parts, t.Table)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(naming.Sanitize(part, naming.DefaultPlaceholder))
	}
	pattern := "^" + strings.Join(parts, `\.`) + "$"
	if rule != naming.CasePreserve {
		pattern = "(?i)" + pattern
	}
	return pattern
}

// schemaHistory sets the DDL history topic sources with a schema history need.
func schemaHistory(cfg map[string]string, d models.DatabaseType, in SourceInput) error {
	servers := strings.Join(in.Streams.Brokers, ",")
	if servers == "" {
		servers, _ = in.Connection.Option("schema_history_bootstrap_servers")
	}
	if servers == "" {
		return errors.MissingField(string(d), "additional_config.schema_history_bootstrap_servers")
	}
	cfg["schema.history.internal.kafka.bootstrap.servers"] = servers
	cfg["schema.history.internal.kafka.topic"] = in.Resolution.Prefix + ".schema-history"
	return nil
}
