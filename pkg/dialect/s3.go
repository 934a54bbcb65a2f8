package dialect

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

// S3 additional_config keys.
const (
	S3BucketKey = "bucket"
	S3RegionKey = "region"
)

var s3Formats = map[string]string{
	"json":    "io.confluent.connect.s3.format.json.JsonFormat",
	"avro":    "io.confluent.connect.s3.format.avro.AvroFormat",
	"parquet": "io.confluent.connect.s3.format.parquet.ParquetFormat",
}

type s3 struct{ base }

func init() {
	Register(s3{base{name: models.DatabaseS3}})
}

func (s3) SupportsSink() bool { return true }

// Bucket returns the bucket from additional_config, falling back to the database field.
func Bucket(conn *models.Connection) string {
	return conn.OptionOr(S3BucketKey, conn.Database)
}

func (d s3) BuildSinkConfig(in SinkInput) (map[string]string, error) {
	conn := in.Connection
	bucket, err := requireField(d.name, "additional_config."+S3BucketKey, Bucket(conn))
	if err != nil {
		return nil, err
	}
	region, err := requireOption(d.name, conn, S3RegionKey)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(conn.OptionOr("format", "json"))
	formatClass, ok := s3Formats[format]
	if !ok {
		return nil, errors.ConfigurationError("additional_config.format",
			fmt.Sprintf("unsupported format %q (json, avro, parquet)", format))
	}

	cfg := map[string]string{
		"connector.class":         "io.confluent.connect.s3.S3SinkConnector",
		"topics":                  strings.Join(in.Topics, ","),
		"s3.bucket.name":          bucket,
		"s3.region":               region,
		"storage.class":           "io.confluent.connect.s3.storage.S3Storage",
		"format.class":            formatClass,
		"flush.size":              conn.OptionOr("flush_size", "1000"),
		"rotate.interval.ms":      conn.OptionOr("rotate_interval_ms", "600000"),
		"topics.dir":              conn.OptionOr("prefix", "relay"),
		"partitioner.class":       "io.confluent.connect.storage.partitioner.DefaultPartitioner",
		"schema.compatibility":    "NONE",
		"behavior.on.null.values": "ignore",
	}
	if format == "json" {
		cfg["s3.compression.type"] = conn.OptionOr("compression", "gzip")
	}
	if endpoint, ok := conn.Option("endpoint"); ok {
		cfg["store.url"] = endpoint
	}
	if conn.Username != "" {
		cfg["aws.access.key.id"] = conn.Username
		cfg["aws.secret.access.key"] = conn.Password
	}
	return cfg, nil
}
