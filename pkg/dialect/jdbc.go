package dialect

import (
	"regexp"
	"strings"

	"github.com/ajitpratap0/relay/pkg/models"
)

const jdbcSinkClass = "io.confluent.connect.jdbc.JdbcSinkConnector"

// jdbcSink renders the keys shared by the relational sinks. keepSchema
// decides whether the routed table name is schema.table or just table.
func jdbcSink(in SinkInput, url string, keepSchema bool) map[string]string {
	replacement := "$2"
	if keepSchema {
		replacement = "$1.$2"
	}
	cfg := map[string]string{
		"connector.class":     jdbcSinkClass,
		"topics":              strings.Join(in.Topics, ","),
		"connection.url":      url,
		"connection.user":     in.Connection.Username,
		"connection.password": in.Connection.Password,
		"insert.mode":         "upsert",
		"pk.mode":             "record_key",
		"delete.enabled":      "true",
		"auto.create":         "true",
		"auto.evolve":         "true",
		"table.name.format":   "${topic}",
		"tasks.max":           in.Connection.OptionOr("tasks_max", "1"),

		"transforms":                        "unwrap,route",
		"transforms.unwrap.type":            "io.debezium.transforms.ExtractNewRecordState",
		"transforms.unwrap.drop.tombstones": "false",
		"transforms.route.type":             "org.apache.kafka.connect.transforms.RegexRouter",
		"transforms.route.regex":            routeRegex(in.Resolution.Prefix),
		"transforms.route.replacement":      replacement,
	}
	return cfg
}

// routeRegex strips the pipeline prefix so rows land in schema.table.
func routeRegex(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix) + `\.([^.]+)\.([^.]+)$`
}

func jdbcSinkInput(d models.DatabaseType, in SinkInput) (host, db string, err error) {
	if host, err = requireField(d, "host", in.Connection.Host); err != nil {
		return "", "", err
	}
	if db, err = requireField(d, "database", in.Connection.Database); err != nil {
		return "", "", err
	}
	return host, db, nil
}
