package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// SlotNameKey is the checkpoint metadata key holding the replication slot
// the full load exported its snapshot from.
const SlotNameKey = "slot_name"

type postgres struct{ base }

func init() {
	Register(postgres{base{name: models.DatabasePostgres}})
}

func (postgres) CaseRule() naming.CaseRule { return naming.CaseLower }

func (postgres) DefaultSchema(conn *models.Connection) string {
	if conn.Schema != "" {
		return conn.Schema
	}
	return "public"
}

func (postgres) CheckpointKind() models.CheckpointKind { return models.CheckpointLSN }

func (postgres) SupportsSource() bool { return true }

func (postgres) SupportsSink() bool { return true }

func (d postgres) BuildSourceConfig(in SourceInput) (map[string]string, error) {
	conn := in.Connection
	host, err := requireField(d.name, "host", conn.Host)
	if err != nil {
		return nil, err
	}
	db, err := requireField(d.name, "database", conn.Database)
	if err != nil {
		return nil, err
	}

	short := naming.ShortID(in.PipelineID)
	slot := SlotName(in.PipelineID)
	if cp := in.Start.Checkpoint; cp != nil && cp.Metadata[SlotNameKey] != "" {
		slot = cp.Metadata[SlotNameKey]
	}

	cfg := map[string]string{
		"connector.class":             "io.debezium.connector.postgresql.PostgresConnector",
		"database.hostname":           host,
		"database.port":               port(conn, 5432),
		"database.user":               conn.Username,
		"database.password":           conn.Password,
		"database.dbname":             db,
		"database.sslmode":            conn.OptionOr("sslmode", "prefer"),
		"plugin.name":                 conn.OptionOr("plugin_name", "pgoutput"),
		"slot.name":                   slot,
		"publication.name":            "relay_" + short + "_pub",
		"publication.autocreate.mode": "filtered",
		"table.include.list":          strings.Join(in.Resolution.Tables(), ","),
	}
	commonSource(cfg, in, d.CaseRule())
	return cfg, nil
}

func (d postgres) BuildSinkConfig(in SinkInput) (map[string]string, error) {
	host, db, err := jdbcSinkInput(d.name, in)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("jdbc:postgresql://%s:%s/%s", host, port(in.Connection, 5432), db)
	if mode, ok := in.Connection.Option("sslmode"); ok {
		url += "?sslmode=" + mode
	}
	return jdbcSink(in, url, true), nil
}

// SlotName is the logical replication slot a pipeline's source uses unless
// its checkpoint names another.
func SlotName(pipelineID string) string {
	return "relay_" + naming.ShortID(pipelineID)
}

// ResolveCheckpoint accepts the server's X/Y notation or a decimal WAL
// offset, optionally written as LSN-<n>.
func (d postgres) ResolveCheckpoint(cp *models.Checkpoint) (string, error) {
	if err := d.checkKind(cp, models.CheckpointLSN); err != nil {
		return "", err
	}
	if _, err := ParseLSN(cp.Position); err != nil {
		return "", badPosition(cp, "log sequence number", err)
	}
	return cp.Position, nil
}

// ParseLSN parses either "16/B374D848" or a decimal offset ("1000", "LSN-1000").
func ParseLSN(s string) (pglogrepl.LSN, error) {
	if strings.Contains(s, "/") {
		return pglogrepl.ParseLSN(s)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(s), "LSN-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse LSN %q: %w", s, err)
	}
	return pglogrepl.LSN(n), nil
}
