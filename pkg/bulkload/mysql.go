package bulkload

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

// mysqlDSN builds a go-sql-driver DSN from a connection.
func mysqlDSN(conn *models.Connection) (string, error) {
	if conn.Host == "" {
		return "", errors.MissingField(string(models.DatabaseMySQL), "host")
	}
	if conn.Database == "" {
		return "", errors.MissingField(string(models.DatabaseMySQL), "database")
	}
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysqldriver.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = conn.Host + ":" + strconv.Itoa(port)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	if tls, ok := conn.Option("tls"); ok {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN(), nil
}

// mysqlSnapshot reads inside a consistent-snapshot transaction started while
// a global read lock pinned the binlog position.
type mysqlSnapshot struct {
	db   *sql.DB
	conn *sql.Conn
	pos  Position
}

func openMySQLSnapshot(ctx context.Context, conn *models.Connection, _ *Request) (Snapshot, error) {
	dsn, err := mysqlDSN(conn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MySQL")
	}
	c, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MySQL")
	}
	s := &mysqlSnapshot{db: db, conn: c}

	pos, err := s.lockAndCapture(ctx)
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, "failed to open consistent snapshot")
	}
	s.pos = Position{Kind: models.CheckpointBinlog, Value: dialect.FormatBinlogPosition(pos)}
	return s, nil
}

// lockAndCapture holds FLUSH TABLES WITH READ LOCK only long enough to start
// the snapshot transaction and read the binlog coordinates.
func (s *mysqlSnapshot) lockAndCapture(ctx context.Context) (mysql.Position, error) {
	if _, err := s.conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		return mysql.Position{}, err
	}
	unlocked := false
	defer func() {
		if !unlocked {
			_, _ = s.conn.ExecContext(context.Background(), "UNLOCK TABLES")
		}
	}()

	for _, stmt := range []string{
		"SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		"START TRANSACTION WITH CONSISTENT SNAPSHOT, READ ONLY",
	} {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return mysql.Position{}, err
		}
	}
	pos, err := binlogStatus(ctx, s.conn)
	if err != nil {
		return mysql.Position{}, err
	}
	unlocked = true
	if _, err := s.conn.ExecContext(ctx, "UNLOCK TABLES"); err != nil {
		return mysql.Position{}, err
	}
	return pos, nil
}

// binlogStatus reads the current binlog file and offset. MySQL 8.4 renamed
// SHOW MASTER STATUS; both spellings are tried.
func binlogStatus(ctx context.Context, conn *sql.Conn) (mysql.Position, error) {
	var lastErr error
	for _, stmt := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		rows, err := conn.QueryContext(ctx, stmt)
		if err != nil {
			lastErr = err
			continue
		}
		pos, err := scanBinlogStatus(rows)
		if err != nil {
			return mysql.Position{}, err
		}
		return pos, nil
	}
	return mysql.Position{}, lastErr
}

func scanBinlogStatus(rows *sql.Rows) (mysql.Position, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return mysql.Position{}, err
		}
		return mysql.Position{}, stderrors.New("binary logging is disabled on the source")
	}
	values := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return mysql.Position{}, err
	}
	if len(values) < 2 {
		return mysql.Position{}, fmt.Errorf("unexpected binlog status columns %v", cols)
	}
	return dialect.ParseBinlogPosition(values[0].String + ":" + values[1].String)
}

func (s *mysqlSnapshot) Position() Position { return s.pos }

func (s *mysqlSnapshot) Read(ctx context.Context, table models.TableRef, batchSize int, fn func(Batch) error) error {
	name := backtick(table.Table)
	if table.Schema != "" {
		name = backtick(table.Schema) + "." + name
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT * FROM "+name)
	if err != nil {
		return err
	}
	return scanBatches(rows, batchSize, fn)
}

func (s *mysqlSnapshot) Close(ctx context.Context) error {
	var errs []error
	if s.conn != nil {
		_, _ = s.conn.ExecContext(ctx, "COMMIT")
		errs = append(errs, s.conn.Close())
	}
	errs = append(errs, s.db.Close())
	return stderrors.Join(errs...)
}

// mysqlWriter loads batches with multi-row INSERTs into the connection's database.
type mysqlWriter struct {
	db       *sql.DB
	database string
	truncate bool
}

func openMySQLWriter(ctx context.Context, conn *models.Connection, _ *Request, _ config.BulkLoadConfig) (Writer, error) {
	dsn, err := mysqlDSN(conn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MySQL target")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MySQL target")
	}
	return &mysqlWriter{db: db, database: conn.Database, truncate: conn.OptionOr(TruncateKey, "false") == "true"}, nil
}

// table drops the stream's schema the way the sink's routing does.
func (w *mysqlWriter) table(t Table) string {
	return backtick(w.database) + "." + backtick(t.Target.Table)
}

func (w *mysqlWriter) Begin(ctx context.Context, t Table) error {
	if !w.truncate {
		return nil
	}
	_, err := w.db.ExecContext(ctx, "TRUNCATE TABLE "+w.table(t))
	return err
}

func (w *mysqlWriter) Write(ctx context.Context, t Table, b Batch) error {
	return insertBatch(ctx, w.db, backtick, w.table(t), b)
}

func (w *mysqlWriter) Close(context.Context) error { return w.db.Close() }
