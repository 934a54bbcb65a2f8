package dialect

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

type oracle struct{ base }

func init() {
	Register(oracle{base{name: models.DatabaseOracle}})
}

// CaseRule folds to upper case, as Oracle does for unquoted identifiers.
func (oracle) CaseRule() naming.CaseRule { return naming.CaseUpper }

func (oracle) DefaultSchema(conn *models.Connection) string {
	if conn.Schema != "" {
		return conn.Schema
	}
	return strings.ToUpper(conn.Username)
}

func (oracle) CheckpointKind() models.CheckpointKind { return models.CheckpointSCN }

func (oracle) SupportsSource() bool { return true }

func (d oracle) BuildSourceConfig(in SourceInput) (map[string]string, error) {
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
		"connector.class":     "io.debezium.connector.oracle.OracleConnector",
		"database.hostname":   host,
		"database.port":       port(conn, 1521),
		"database.user":       conn.Username,
		"database.password":   conn.Password,
		"database.dbname":     db,
		"log.mining.strategy": conn.OptionOr("log_mining_strategy", "online_catalog"),
		"table.include.list":  strings.Join(in.Resolution.Tables(), ","),
	}
	if pdb, ok := conn.Option("pdb_name"); ok {
		cfg["database.pdb.name"] = pdb
	}
	if err := schemaHistory(cfg, d.name, in); err != nil {
		return nil, err
	}
	commonSource(cfg, in, d.CaseRule())
	return cfg, nil
}

// ResolveCheckpoint accepts a decimal system change number.
func (d oracle) ResolveCheckpoint(cp *models.Checkpoint) (string, error) {
	if err := d.checkKind(cp, models.CheckpointSCN); err != nil {
		return "", err
	}
	if _, err := strconv.ParseUint(cp.Position, 10, 64); err != nil {
		return "", badPosition(cp, "system change number", err)
	}
	return cp.Position, nil
}
