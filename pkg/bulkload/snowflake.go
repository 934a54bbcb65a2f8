package bulkload

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
	"github.com/ajitpratap0/relay/pkg/naming"
)

// snowflakeConfig maps a connection onto key-pair authenticated driver settings,
// the same credentials the sink connector uses.
func snowflakeConfig(conn *models.Connection) (*gosnowflake.Config, error) {
	d := string(models.DatabaseSnowflake)
	account, ok := conn.Option(dialect.SnowflakeAccountKey)
	if !ok {
		return nil, errors.MissingField(d, "additional_config."+dialect.SnowflakeAccountKey)
	}
	if conn.Username == "" {
		return nil, errors.MissingField(d, "username")
	}
	if conn.Database == "" {
		return nil, errors.MissingField(d, "database")
	}
	pemKey, ok := conn.Option(dialect.SnowflakePrivateKeyKey)
	if !ok {
		return nil, errors.MissingField(d, "additional_config."+dialect.SnowflakePrivateKeyKey)
	}
	if _, encrypted := conn.Option("secret.private_key_passphrase"); encrypted {
		return nil, errors.ConfigurationError("additional_config.secret.private_key_passphrase",
			"encrypted private keys are not supported for the full load")
	}
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, errors.ConfigurationError("additional_config."+dialect.SnowflakePrivateKeyKey, err.Error())
	}

	return &gosnowflake.Config{
		Account:       strings.TrimSuffix(account, ".snowflakecomputing.com"),
		User:          conn.Username,
		Database:      conn.Database,
		Schema:        dialectSchema(conn),
		Warehouse:     conn.OptionOr(dialect.SnowflakeWarehouseKey, ""),
		Role:          conn.OptionOr(dialect.SnowflakeRoleKey, ""),
		Authenticator: gosnowflake.AuthTypeJwt,
		PrivateKey:    key,
		Application:   "relay",
	}, nil
}

func dialectSchema(conn *models.Connection) string {
	d, err := dialect.Lookup(models.DatabaseSnowflake)
	if err != nil {
		return "PUBLIC"
	}
	return d.DefaultSchema(conn)
}

// parsePrivateKey accepts a PKCS#8 RSA key either PEM-armoured or as the bare
// base64 body the sink connector takes.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		var err error
		der, err = base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "private key is neither PEM nor base64")
		}
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "private key is not PKCS#8")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "private key is not an RSA key")
	}
	return key, nil
}

// snowflakeWriter inserts into the upper-cased tables the sink maps streams to.
type snowflakeWriter struct {
	db       *sql.DB
	schema   string
	truncate bool
}

func openSnowflakeWriter(ctx context.Context, conn *models.Connection, _ *Request, _ config.BulkLoadConfig) (Writer, error) {
	cfg, err := snowflakeConfig(conn)
	if err != nil {
		return nil, err
	}
	dsn, err := gosnowflake.DSN(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build Snowflake DSN")
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to Snowflake")
	}
	return &snowflakeWriter{db: db, schema: cfg.Schema, truncate: conn.OptionOr(TruncateKey, "false") == "true"}, nil
}

func (w *snowflakeWriter) table(t Table) string {
	name := naming.Sanitize(naming.CaseUpper.Apply(t.Target.Table), naming.DefaultPlaceholder)
	return doubleQuote(w.schema) + "." + doubleQuote(name)
}

func (w *snowflakeWriter) Begin(ctx context.Context, t Table) error {
	if !w.truncate {
		return nil
	}
	_, err := w.db.ExecContext(ctx, "TRUNCATE TABLE IF EXISTS "+w.table(t))
	return err
}

func (w *snowflakeWriter) Write(ctx context.Context, t Table, b Batch) error {
	upper := Batch{Columns: make([]string, len(b.Columns)), Rows: b.Rows}
	for i, c := range b.Columns {
		upper.Columns[i] = strings.ToUpper(c)
	}
	return insertBatch(ctx, w.db, doubleQuote, w.table(t), upper)
}

func (w *snowflakeWriter) Close(context.Context) error { return w.db.Close() }
