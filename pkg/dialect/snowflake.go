package dialect

import (
	"strings"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// Snowflake additional_config keys.
const (
	SnowflakeAccountKey    = "account"
	SnowflakeWarehouseKey  = "warehouse"
	SnowflakeRoleKey       = "role"
	SnowflakePrivateKeyKey = "secret.private_key"
)

type snowflake struct{ base }

func init() {
	Register(snowflake{base{name: models.DatabaseSnowflake}})
}

func (snowflake) CaseRule() naming.CaseRule { return naming.CaseUpper }

func (snowflake) DefaultSchema(conn *models.Connection) string {
	if conn.Schema != "" {
		return conn.Schema
	}
	return "PUBLIC"
}

func (snowflake) SupportsSink() bool { return true }

func (d snowflake) BuildSinkConfig(in SinkInput) (map[string]string, error) {
	conn := in.Connection
	values := make(map[string]string, 4)
	for _, key := range []string{SnowflakeAccountKey, SnowflakeWarehouseKey, SnowflakeRoleKey, SnowflakePrivateKeyKey} {
		v, err := requireOption(d.name, conn, key)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}
	user, err := requireField(d.name, "username", conn.Username)
	if err != nil {
		return nil, err
	}
	db, err := requireField(d.name, "database", conn.Database)
	if err != nil {
		return nil, err
	}

	cfg := map[string]string{
		"connector.class":            "com.snowflake.kafka.connector.SnowflakeSinkConnector",
		"topics":                     strings.Join(in.Topics, ","),
		"snowflake.url.name":         SnowflakeURL(values[SnowflakeAccountKey]),
		"snowflake.user.name":        user,
		"snowflake.private.key":      values[SnowflakePrivateKeyKey],
		"snowflake.database.name":    db,
		"snowflake.schema.name":      d.DefaultSchema(conn),
		"snowflake.role.name":        values[SnowflakeRoleKey],
		"snowflake.warehouse.name":   values[SnowflakeWarehouseKey],
		"snowflake.topic2table.map":  topicTableMap(in),
		"snowflake.ingestion.method": conn.OptionOr("ingestion_method", "SNOWPIPE_STREAMING"),
		"buffer.count.records":       conn.OptionOr("buffer_count_records", "10000"),
		"buffer.flush.time":          conn.OptionOr("buffer_flush_time", "10"),
		"key.converter":              "org.apache.kafka.connect.storage.StringConverter",
		"value.converter":            "org.apache.kafka.connect.json.JsonConverter",
	}
	if passphrase, ok := conn.Option("secret.private_key_passphrase"); ok {
		cfg["snowflake.private.key.passphrase"] = passphrase
	}
	return cfg, nil
}

// SnowflakeURL turns an account locator into the connector's host:port form.
func SnowflakeURL(account string) string {
	account = strings.TrimSuffix(strings.TrimSpace(account), ".snowflakecomputing.com")
	return account + ".snowflakecomputing.com:443"
}

// topicTableMap maps each topic to its upper-cased table, dropping the schema
// which the connector takes from snowflake.schema.name.
func topicTableMap(in SinkInput) string {
	pairs := make([]string, 0, len(in.Topics))
	for _, s := range in.Resolution.Streams {
		table := naming.Sanitize(naming.CaseUpper.Apply(s.Table.Table), '_')
		pairs = append(pairs, s.Name+":"+table)
	}
	return strings.Join(pairs, ",")
}
