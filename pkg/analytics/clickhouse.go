package analytics

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var clickhouseDialect = sqlDialect{
	types: map[ColumnType]string{
		ColumnString: "String",
		ColumnUint64: "UInt64",
		ColumnInt64:  "Int64",
		ColumnBool:   "Bool",
	},
	nullable: func(t string) string { return "Nullable(" + t + ")" },
}

// ClickHouseSink appends batches to ReplacingMergeTree tables keyed by the
// schema key, which collapses rewritten batches.
type ClickHouseSink struct {
	conn driver.Conn

	mu     sync.Mutex
	tables map[string]bool
}

func NewClickHouseSink(ctx context.Context, cfg SinkConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error pinging ClickHouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, tables: make(map[string]bool)}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func clickhouseDDL(schema *Schema) string {
	return clickhouseDialect.createTable(schema, "",
		" ENGINE = ReplacingMergeTree ORDER BY ("+strings.Join(schema.Key, ", ")+")")
}

func (s *ClickHouseSink) ensureTable(ctx context.Context, schema *Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[schema.Name] {
		return nil
	}
	if err := checkSchema(schema); err != nil {
		return err
	}
	if err := s.conn.Exec(ctx, clickhouseDDL(schema)); err != nil {
		return fmt.Errorf("error creating table %s: %w", schema.Name, err)
	}
	s.tables[schema.Name] = true
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch *Batch) error {
	if err := s.ensureTable(ctx, batch.Schema); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s)", batch.Schema.Name, strings.Join(batch.Schema.ColumnNames(), ", "))
	b, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("error preparing batch: %w", err)
	}
	for _, row := range batch.Rows {
		if err := b.Append(plainValues(row)...); err != nil {
			b.Abort()
			return fmt.Errorf("error appending %s row: %w", batch.Schema.Name, err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("error sending batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
