package bulkload

import (
	"context"
	"database/sql"
	"strings"
)

// maxPlaceholders bounds bind variables per INSERT; MySQL rejects more than 65535.
const maxPlaceholders = 60000

// scanBatches drains rows into batches of at most batchSize rows.
func scanBatches(rows *sql.Rows, batchSize int, fn func(Batch) error) error {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	batch := Batch{Columns: cols, Rows: make([][]interface{}, 0, batchSize)}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertStatement builds a multi-row INSERT with ? placeholders.
func insertStatement(quote func(string) string, table string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(c))
	}
	b.WriteString(") VALUES ")
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	return b.String()
}

// insertBatch writes batch into table with as few statements as the
// placeholder limit allows.
func insertBatch(ctx context.Context, db execer, quote func(string) string, table string, batch Batch) error {
	if len(batch.Columns) == 0 {
		return nil
	}
	perStmt := maxPlaceholders / len(batch.Columns)
	if perStmt == 0 {
		perStmt = 1
	}
	for start := 0; start < len(batch.Rows); start += perStmt {
		end := start + perStmt
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		chunk := batch.Rows[start:end]
		args := make([]interface{}, 0, len(chunk)*len(batch.Columns))
		for _, row := range chunk {
			args = append(args, row...)
		}
		if _, err := db.ExecContext(ctx, insertStatement(quote, table, batch.Columns, len(chunk)), args...); err != nil {
			return err
		}
	}
	return nil
}

func backtick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
