package dialect

import (
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

type mongodb struct{ base }

func init() {
	Register(mongodb{base{name: models.DatabaseMongoDB}})
}

func (mongodb) CaseRule() naming.CaseRule { return naming.CasePreserve }

// DefaultSchema is the database; collections play the role of tables.
func (mongodb) DefaultSchema(conn *models.Connection) string { return conn.Database }

func (mongodb) CheckpointKind() models.CheckpointKind { return models.CheckpointResumeToken }

func (mongodb) SupportsSource() bool { return true }

func (d mongodb) BuildSourceConfig(in SourceInput) (map[string]string, error) {
	uri, err := ConnectionString(in.Connection)
	if err != nil {
		return nil, err
	}
	cfg := map[string]string{
		"connector.class":           "io.debezium.connector.mongodb.MongoDbConnector",
		"mongodb.connection.string": uri,
		"collection.include.list":   strings.Join(in.Resolution.Tables(), ","),
		"capture.mode":              "change_streams_update_full",
		"mongodb.ssl.enabled":       in.Connection.OptionOr("ssl", "false"),
		"mongodb.authsource":        in.Connection.OptionOr("auth_source", "admin"),
	}
	commonSource(cfg, in, d.CaseRule())
	return cfg, nil
}

// ConnectionString builds a mongodb:// URI unless additional_config carries one.
func ConnectionString(conn *models.Connection) (string, error) {
	if uri, ok := conn.Option("connection_string"); ok {
		return uri, nil
	}
	host, err := requireField(models.DatabaseMongoDB, "host", conn.Host)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "mongodb", Host: fmt.Sprintf("%s:%s", host, port(conn, 27017)), Path: "/"}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	q := url.Values{}
	if rs, ok := conn.Option("replica_set"); ok {
		q.Set("replicaSet", rs)
	}
	q.Set("authSource", conn.OptionOr("auth_source", "admin"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ResolveCheckpoint accepts a change-stream resume token as extended JSON,
// e.g. {"_data": "8263..."}.
func (d mongodb) ResolveCheckpoint(cp *models.Checkpoint) (string, error) {
	if err := d.checkKind(cp, models.CheckpointResumeToken); err != nil {
		return "", err
	}
	var token bson.M
	if err := bson.UnmarshalExtJSON([]byte(cp.Position), false, &token); err != nil {
		return "", badPosition(cp, "resume token", err)
	}
	if _, ok := token["_data"]; !ok {
		return "", badPosition(cp, "resume token", fmt.Errorf("missing _data field"))
	}
	return cp.Position, nil
}
