package dialect

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// serverIDBase keeps generated replica server ids clear of the small ids
// operators usually hand out to real replicas.
const serverIDBase = 5400

type mysqlDialect struct{ base }

func init() {
	Register(mysqlDialect{base{name: models.DatabaseMySQL}})
}

// DefaultSchema is the connection database; MySQL has no separate schema level.
func (mysqlDialect) DefaultSchema(conn *models.Connection) string {
	if conn.Database != "" {
		return conn.Database
	}
	return conn.Schema
}

// CaseRule preserves case; lower_case_table_names is a server setting and
// operators who run with it should list tables in lower case.
func (mysqlDialect) CaseRule() naming.CaseRule { return naming.CasePreserve }

func (mysqlDialect) CheckpointKind() models.CheckpointKind { return models.CheckpointBinlog }

func (mysqlDialect) SupportsSource() bool { return true }

func (mysqlDialect) SupportsSink() bool { return true }

func (d mysqlDialect) BuildSourceConfig(in SourceInput) (map[string]string, error) {
	conn := in.Connection
	host, err := requireField(d.name, "host", conn.Host)
	if err != nil {
		return nil, err
	}
	db, err := requireField(d.name, "database", conn.Database)
	if err != nil {
		return nil, err
	}

	cfg := map[string]string{
		"connector.class":        "io.debezium.connector.mysql.MySqlConnector",
		"database.hostname":      host,
		"database.port":          port(conn, 3306),
		"database.user":          conn.Username,
		"database.password":      conn.Password,
		"database.server.id":     conn.OptionOr("server_id", strconv.FormatUint(uint64(ServerID(in.PipelineID)), 10)),
		"database.include.list":  db,
		"table.include.list":     strings.Join(in.Resolution.Tables(), ","),
		"include.schema.changes": "false",
	}
	if err := schemaHistory(cfg, d.name, in); err != nil {
		return nil, err
	}
	commonSource(cfg, in, d.CaseRule())
	return cfg, nil
}

func (d mysqlDialect) BuildSinkConfig(in SinkInput) (map[string]string, error) {
	host, db, err := jdbcSinkInput(d.name, in)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("jdbc:mysql://%s:%s/%s", host, port(in.Connection, 3306), db)
	return jdbcSink(in, url, false), nil
}

// ResolveCheckpoint accepts "binlog-file:position".
func (d mysqlDialect) ResolveCheckpoint(cp *models.Checkpoint) (string, error) {
	if err := d.checkKind(cp, models.CheckpointBinlog); err != nil {
		return "", err
	}
	if _, err := ParseBinlogPosition(cp.Position); err != nil {
		return "", badPosition(cp, "binlog position", err)
	}
	return cp.Position, nil
}

// ParseBinlogPosition parses "mysql-bin.000003:4567".
func ParseBinlogPosition(s string) (mysql.Position, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return mysql.Position{}, fmt.Errorf("invalid binlog position %q", s)
	}
	pos, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("invalid binlog offset in %q: %w", s, err)
	}
	return mysql.Position{Name: s[:idx], Pos: uint32(pos)}, nil
}

// FormatBinlogPosition is the inverse of ParseBinlogPosition.
func FormatBinlogPosition(p mysql.Position) string {
	return fmt.Sprintf("%s:%d", p.Name, p.Pos)
}

// ServerID derives a stable replica id from the pipeline id.
func ServerID(pipelineID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pipelineID))
	return serverIDBase + h.Sum32()%100000
}
