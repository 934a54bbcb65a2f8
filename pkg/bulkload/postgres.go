package bulkload

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/dialect"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

const (
	pgUndefinedObject = "42704"
	pgObjectInUse     = "55006"
)

// postgresDSN builds a libpq URL from a connection.
func postgresDSN(conn *models.Connection) (string, error) {
	if conn.Host == "" {
		return "", errors.MissingField(string(models.DatabasePostgres), "host")
	}
	if conn.Database == "" {
		return "", errors.MissingField(string(models.DatabasePostgres), "database")
	}
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   conn.Host + ":" + strconv.Itoa(port),
		Path:   "/" + conn.Database,
	}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	q := url.Values{}
	q.Set("sslmode", conn.OptionOr("sslmode", "prefer"))
	q.Set("application_name", "relay")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pgSnapshot holds a logical replication slot whose exported snapshot backs a
// REPEATABLE READ transaction. The replication connection must stay open
// until the copy is done or the snapshot disappears.
type pgSnapshot struct {
	repl *pgconn.PgConn
	conn *pgx.Conn
	tx   pgx.Tx
	pos  Position
}

// openPostgresSnapshot creates the pipeline's replication slot with
// EXPORT_SNAPSHOT and imports that snapshot into a read-only transaction, so
// the slot's consistent point is exactly where the copied data ends.
func openPostgresSnapshot(ctx context.Context, conn *models.Connection, req *Request) (Snapshot, error) {
	dsn, err := postgresDSN(conn)
	if err != nil {
		return nil, err
	}
	replCfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse replication config")
	}
	replCfg.RuntimeParams["replication"] = "database"

	repl, err := pgconn.ConnectConfig(ctx, replCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to establish replication connection")
	}
	s := &pgSnapshot{repl: repl}

	slot := dialect.SlotName(req.PipelineID)
	if err := dropIdleSlot(ctx, repl, slot); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	result, err := pglogrepl.CreateReplicationSlot(ctx, repl, slot, conn.OptionOr("plugin_name", "pgoutput"),
		pglogrepl.CreateReplicationSlotOptions{
			Mode:           pglogrepl.LogicalReplication,
			SnapshotAction: "EXPORT_SNAPSHOT",
		})
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, fmt.Sprintf("failed to create replication slot %s", slot))
	}
	s.pos = Position{
		Kind:     models.CheckpointLSN,
		Value:    result.ConsistentPoint,
		Metadata: map[string]string{dialect.SlotNameKey: result.SlotName},
	}

	s.conn, err = pgx.Connect(ctx, dsn)
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to PostgreSQL")
	}
	s.tx, err = s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, "failed to begin snapshot transaction")
	}
	if _, err := s.tx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+quoteLiteral(result.SnapshotName)); err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBulkLoad, "failed to import exported snapshot")
	}
	return s, nil
}

// dropIdleSlot removes a slot left by an earlier run. A slot still in use by
// a running connector is an error: its position belongs to that run.
func dropIdleSlot(ctx context.Context, repl *pgconn.PgConn, slot string) error {
	err := pglogrepl.DropReplicationSlot(ctx, repl, slot, pglogrepl.DropReplicationSlotOptions{})
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &pgErr) && pgErr.Code == pgUndefinedObject:
		return nil
	case stderrors.As(err, &pgErr) && pgErr.Code == pgObjectInUse:
		return errors.New(errors.ErrorTypeInvalidState,
			fmt.Sprintf("replication slot %s is in use; delete the pipeline's connectors before re-running the full load", slot))
	default:
		return errors.Wrap(err, errors.ErrorTypeBulkLoad, fmt.Sprintf("failed to drop replication slot %s", slot))
	}
}

func (s *pgSnapshot) Position() Position { return s.pos }

func (s *pgSnapshot) Read(ctx context.Context, table models.TableRef, batchSize int, fn func(Batch) error) error {
	rows, err := s.tx.Query(ctx, "SELECT * FROM "+pgIdentifier(table).Sanitize())
	if err != nil {
		return err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	batch := Batch{Columns: cols, Rows: make([][]interface{}, 0, batchSize)}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		batch.Rows = append(batch.Rows, values)
		if len(batch.Rows) >= batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = Batch{Columns: cols, Rows: make([][]interface{}, 0, batchSize)}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch.Rows) > 0 {
		return fn(batch)
	}
	return nil
}

// Close ends the snapshot transaction and the replication session. The slot
// itself is kept: the source connector streams from it.
func (s *pgSnapshot) Close(ctx context.Context) error {
	var errs []error
	if s.tx != nil {
		errs = append(errs, s.tx.Rollback(ctx))
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close(ctx))
	}
	if s.repl != nil {
		errs = append(errs, s.repl.Close(ctx))
	}
	return stderrors.Join(errs...)
}

// pgWriter loads batches with COPY.
type pgWriter struct {
	conn     *pgx.Conn
	truncate bool
}

func openPostgresWriter(ctx context.Context, conn *models.Connection, _ *Request, _ config.BulkLoadConfig) (Writer, error) {
	dsn, err := postgresDSN(conn)
	if err != nil {
		return nil, err
	}
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to PostgreSQL target")
	}
	return &pgWriter{conn: c, truncate: conn.OptionOr(TruncateKey, "false") == "true"}, nil
}

func (w *pgWriter) Begin(ctx context.Context, t Table) error {
	if !w.truncate {
		return nil
	}
	_, err := w.conn.Exec(ctx, "TRUNCATE TABLE "+pgIdentifier(t.Target).Sanitize())
	return err
}

func (w *pgWriter) Write(ctx context.Context, t Table, b Batch) error {
	_, err := w.conn.CopyFrom(ctx, pgIdentifier(t.Target), b.Columns, pgx.CopyFromRows(b.Rows))
	return err
}

func (w *pgWriter) Close(ctx context.Context) error { return w.conn.Close(ctx) }

func pgIdentifier(t models.TableRef) pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Table}
	}
	return pgx.Identifier{t.Schema, t.Table}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
