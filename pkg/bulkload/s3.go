package bulkload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// s3Writer writes each batch as one newline-delimited JSON object under the
// stream's directory, next to where the sink connector writes the stream.
type s3Writer struct {
	uploader    uploader
	bucket      string
	prefix      string
	runID       string
	compression string
	parts       map[string]int
}

func openS3Writer(ctx context.Context, conn *models.Connection, req *Request, cfg config.BulkLoadConfig) (Writer, error) {
	d := string(models.DatabaseS3)
	bucket := dialect.Bucket(conn)
	if bucket == "" {
		return nil, errors.MissingField(d, "additional_config."+dialect.S3BucketKey)
	}
	region, ok := conn.Option(dialect.S3RegionKey)
	if !ok {
		return nil, errors.MissingField(d, "additional_config."+dialect.S3RegionKey)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if conn.Username != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.Username, conn.Password, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint, ok := conn.Option("endpoint"); ok {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Writer(manager.NewUploader(client), bucket, conn.OptionOr("prefix", "relay"), req.RunID, cfg.Compression), nil
}

func newS3Writer(u uploader, bucket, prefix, runID, compression string) *s3Writer {
	if compression == "" {
		compression = "none"
	}
	return &s3Writer{
		uploader:    u,
		bucket:      bucket,
		prefix:      prefix,
		runID:       runID,
		compression: compression,
		parts:       make(map[string]int),
	}
}

// Begin is a no-op: every run writes under its own key prefix.
func (w *s3Writer) Begin(context.Context, Table) error { return nil }

func (w *s3Writer) Write(ctx context.Context, t Table, b Batch) error {
	body, err := encodeNDJSON(b, w.compression)
	if err != nil {
		return err
	}
	w.parts[t.Stream]++
	key := w.key(t, w.parts[t.Stream])

	_, err = w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"records":     strconv.Itoa(len(b.Rows)),
			"compression": w.compression,
			"run-id":      w.runID,
			"created":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to upload %s", key))
	}
	return nil
}

func (w *s3Writer) key(t Table, part int) string {
	name := fmt.Sprintf("part-%05d.ndjson", part)
	if w.compression == "zstd" {
		name += ".zst"
	}
	return path.Join(w.prefix, t.Stream, "full_load", w.runID, name)
}

func (w *s3Writer) Close(context.Context) error { return nil }

// encodeNDJSON renders one JSON object per row, keyed by column name.
func encodeNDJSON(b Batch, compression string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	row := make(map[string]interface{}, len(b.Columns))
	for _, values := range b.Rows {
		for i, c := range b.Columns {
			row[c] = values[i]
		}
		if err := enc.Encode(row); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, "failed to encode row")
		}
	}
	if compression != "zstd" {
		return buf.Bytes(), nil
	}

	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer zw.Close()
	return zw.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2)), nil
}
