package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const defaultSQLBatchSize = 500

var postgresDialect = sqlDialect{
	types: map[ColumnType]string{
		ColumnString: "TEXT",
		ColumnUint64: "NUMERIC(20, 0)",
		ColumnInt64:  "BIGINT",
		ColumnBool:   "BOOLEAN",
	},
	notNull: "NOT NULL",
}

// PostgresSink inserts rows into one table per file type. Rows already
// present are skipped, so rewriting a batch after a crash is harmless.
type PostgresSink struct {
	db        *sql.DB
	batchSize int

	mu     sync.Mutex
	tables map[string]bool
}

func NewPostgresSink(ctx context.Context, dsn string, batchSize int) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return newPostgresSink(db, batchSize), nil
}

func newPostgresSink(db *sql.DB, batchSize int) *PostgresSink {
	if batchSize <= 0 {
		batchSize = defaultSQLBatchSize
	}
	return &PostgresSink{db: db, batchSize: batchSize, tables: make(map[string]bool)}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) ensureTable(ctx context.Context, schema *Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[schema.Name] {
		return nil
	}
	if err := checkSchema(schema); err != nil {
		return err
	}
	keys := make([]string, len(schema.Key))
	for i, k := range schema.Key {
		keys[i] = pq.QuoteIdentifier(k)
	}
	ddl := postgresDialect.createTable(schema, ",\n\tPRIMARY KEY ("+strings.Join(keys, ", ")+")", "")
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "failed to create table %s", schema.Name)
	}
	s.tables[schema.Name] = true
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, batch *Batch) error {
	if err := s.ensureTable(ctx, batch.Schema); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for start := 0; start < len(batch.Rows); start += s.batchSize {
		end := min(start+s.batchSize, len(batch.Rows))
		query, args := insertStatement(batch.Schema, batch.Rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "failed to insert %s rows", batch.Schema.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// insertStatement builds a multi-row INSERT with numbered placeholders.
func insertStatement(schema *Schema, rows []Row) (string, []interface{}) {
	columns := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		columns[i] = pq.QuoteIdentifier(c.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", pq.QuoteIdentifier(schema.Name), strings.Join(columns, ", "))

	args := make([]interface{}, 0, len(rows)*len(columns))
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+i+1)
		}
		b.WriteByte(')')
		args = append(args, plainValues(row)...)
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String(), args
}

func (s *PostgresSink) Close() error { return s.db.Close() }
