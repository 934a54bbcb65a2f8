package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// TrustServerCertificateKey is the additional_config flag SQL Server sinks must declare.
const TrustServerCertificateKey = "trust_server_certificate"

// sqlServerLSN matches the commit LSN notation Debezium offsets use, e.g.
// 0000002d:00000a3c:0003.
var sqlServerLSN = regexp.MustCompile(`^[0-9A-Fa-f]{8}:[0-9A-Fa-f]{8}:[0-9A-Fa-f]{4}$`)

type sqlserver struct{ base }

func init() {
	Register(sqlserver{base{name: models.DatabaseSQLServer}})
}

func (sqlserver) CaseRule() naming.CaseRule { return naming.CasePreserve }

func (sqlserver) DefaultSchema(conn *models.Connection) string {
	if conn.Schema != "" {
		return conn.Schema
	}
	return "dbo"
}

func (sqlserver) CheckpointKind() models.CheckpointKind { return models.CheckpointLSN }

func (sqlserver) SupportsSource() bool { return true }

func (sqlserver) SupportsSink() bool { return true }

func (d sqlserver) BuildSourceConfig(in SourceInput) (map[string]string, error) {
	conn := in.Connection
	host, err := requireField(d.name, "host", conn.Host)
	if err != nil {
		return nil, err
	}
	db, err := requireField(d.name, "database", conn.Database)
	if err != nil {
		return nil, err
	}
	trust, err := boolOption(conn, TrustServerCertificateKey, false)
	if err != nil {
		return nil, err
	}

	cfg := map[string]string{
		"connector.class":                 "io.debezium.connector.sqlserver.SqlServerConnector",
		"database.hostname":               host,
		"database.port":                   port(conn, 1433),
		"database.user":                   conn.Username,
		"database.password":               conn.Password,
		"database.names":                  db,
		"database.encrypt":                conn.OptionOr("encrypt", "true"),
		"database.trustServerCertificate": strconv.FormatBool(trust),
		"table.include.list":              strings.Join(in.Resolution.Tables(), ","),
	}
	if err := schemaHistory(cfg, d.name, in); err != nil {
		return nil, err
	}
	commonSource(cfg, in, d.CaseRule(), db)
	return cfg, nil
}

// BuildSinkConfig requires trust_server_certificate to be declared
// explicitly; the driver default differs between versions.
func (d sqlserver) BuildSinkConfig(in SinkInput) (map[string]string, error) {
	host, db, err := jdbcSinkInput(d.name, in)
	if err != nil {
		return nil, err
	}
	if _, err := requireOption(d.name, in.Connection, TrustServerCertificateKey); err != nil {
		return nil, err
	}
	trust, err := boolOption(in.Connection, TrustServerCertificateKey, false)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("jdbc:sqlserver://%s:%s;databaseName=%s;encrypt=%s;trustServerCertificate=%t",
		host, port(in.Connection, 1433), db, in.Connection.OptionOr("encrypt", "true"), trust)
	return jdbcSink(in, url, true), nil
}

func (d sqlserver) ResolveCheckpoint(cp *models.Checkpoint) (string, error) {
	if err := d.checkKind(cp, models.CheckpointLSN); err != nil {
		return "", err
	}
	if !sqlServerLSN.MatchString(cp.Position) {
		return "", badPosition(cp, "SQL Server commit LSN", nil)
	}
	return cp.Position, nil
}
