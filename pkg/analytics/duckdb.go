package analytics

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/sirupsen/logrus"
)

var duckdbDialect = sqlDialect{
	types: map[ColumnType]string{
		ColumnString: "VARCHAR",
		ColumnUint64: "UBIGINT",
		ColumnInt64:  "BIGINT",
		ColumnBool:   "BOOLEAN",
	},
	notNull: "NOT NULL",
}

// DuckDBSink appends rows to a local DuckDB database. A rewritten batch
// replaces the rows of its checkpoint range.
type DuckDBSink struct {
	connector *duckdb.Connector
	db        *sql.DB
	conn      driver.Conn
	logger    *logrus.Entry

	mu     sync.Mutex
	tables map[string]bool
}

// NewDuckDBSink opens the database at path; an empty path is in memory.
func NewDuckDBSink(ctx context.Context, path string) (*DuckDBSink, error) {
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		connector.Close()
		return nil, fmt.Errorf("failed to get native connection: %w", err)
	}
	return &DuckDBSink{
		connector: connector,
		db:        sql.OpenDB(connector),
		conn:      conn,
		logger:    logrus.WithField("component", "duckdb_sink").WithField("path", path),
		tables:    make(map[string]bool),
	}, nil
}

func (s *DuckDBSink) Name() string { return "duckdb" }

func (s *DuckDBSink) ensureTable(ctx context.Context, schema *Schema) error {
	if s.tables[schema.Name] {
		return nil
	}
	if err := checkSchema(schema); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, duckdbDialect.createTable(schema, "", "")); err != nil {
		return fmt.Errorf("failed to create table %s: %w", schema.Name, err)
	}
	s.tables[schema.Name] = true
	s.logger.WithField("table", schema.Name).Info("Created table")
	return nil
}

func (s *DuckDBSink) Write(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(ctx, batch.Schema); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE checkpoint >= ? AND checkpoint < ?", batch.Schema.Name),
		batch.Start, batch.End)
	if err != nil {
		return fmt.Errorf("failed to clear [%d, %d) from %s: %w", batch.Start, batch.End, batch.Schema.Name, err)
	}

	appender, err := duckdb.NewAppenderFromConn(s.conn, "", batch.Schema.Name)
	if err != nil {
		return fmt.Errorf("failed to create appender for table %s: %w", batch.Schema.Name, err)
	}
	for _, row := range batch.Rows {
		values := plainValues(row)
		args := make([]driver.Value, len(values))
		for i, v := range values {
			args[i] = v
		}
		if err := appender.AppendRow(args...); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append %s row: %w", batch.Schema.Name, err)
		}
	}
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender for table %s: %w", batch.Schema.Name, err)
	}
	return nil
}

// Count returns the number of rows in a table.
func (s *DuckDBSink) Count(ctx context.Context, table string) (int, error) {
	if !validIdentifier(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n)
	return n, err
}

func (s *DuckDBSink) Close() error {
	s.conn.Close()
	s.db.Close()
	return s.connector.Close()
}
