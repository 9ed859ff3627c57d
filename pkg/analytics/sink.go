package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// Batch is the rows of one file: every row of checkpoints [Start, End) of a
// single epoch.
type Batch struct {
	FileType FileType
	Schema   *Schema
	Epoch    uint64
	Start    uint64
	End      uint64
	Rows     []Row
}

// Path is where an object store sink writes the batch.
func (b *Batch) Path(ext string) string {
	return fmt.Sprintf("%s/epoch_%d/%d_%d.%s", b.FileType, b.Epoch, b.Start, b.End, ext)
}

// Sink persists batches. Writes of the same batch must be idempotent.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *Batch) error
	Close() error
}

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	Type string `mapstructure:"type"` // parquet, csv, postgres, clickhouse, mongodb, duckdb
	// Compression is the parquet codec: snappy, gzip, zstd, lz4, brotli or none.
	Compression string `mapstructure:"compression"`
	DSN         string `mapstructure:"dsn"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	// BatchSize bounds the rows per INSERT statement of SQL sinks.
	BatchSize int `mapstructure:"batch_size"`
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func checkSchema(s *Schema) error {
	if !validIdentifier(s.Name) {
		return errors.Errorf("invalid table name %q", s.Name)
	}
	for _, c := range s.Columns {
		if !validIdentifier(c.Name) {
			return errors.Errorf("invalid column name %q in %s", c.Name, s.Name)
		}
	}
	return nil
}

// formatValue renders a value for text formats; NULL renders empty.
func formatValue(v interface{}) string {
	plain, ok := plainValue(v)
	if !ok {
		return ""
	}
	switch x := plain.(type) {
	case string:
		return x
	case uint64:
		return strconv.FormatUint(x, 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(plain)
}

// sqlDialect renders DDL for one database.
type sqlDialect struct {
	types    map[ColumnType]string
	nullable func(string) string
	notNull  string
}

// createTable renders CREATE TABLE; inner is appended after the columns and
// trailer after the closing parenthesis.
func (d sqlDialect) createTable(s *Schema, inner, trailer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.Name)
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		typ := d.types[c.Type]
		switch {
		case c.Nullable && d.nullable != nil:
			typ = d.nullable(typ)
		case !c.Nullable && d.notNull != "":
			typ += " " + d.notNull
		}
		fmt.Fprintf(&b, "\t%s %s", c.Name, typ)
	}
	b.WriteString(inner)
	b.WriteString("\n)")
	b.WriteString(trailer)
	return b.String()
}

// OpenSink creates the sink named by cfg.Type. File sinks write to store.
func OpenSink(ctx context.Context, cfg SinkConfig, store storage.Store) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "parquet":
		return NewParquetSink(store, cfg.Compression), nil
	case "csv":
		return NewCSVSink(store), nil
	case "postgres", "postgresql":
		return NewPostgresSink(ctx, cfg.DSN, cfg.BatchSize)
	case "clickhouse":
		return NewClickHouseSink(ctx, cfg)
	case "mongodb", "mongo":
		return NewMongoSink(ctx, cfg)
	case "duckdb":
		return NewDuckDBSink(ctx, cfg.DSN)
	}
	return nil, errors.Errorf("unknown sink type %q", cfg.Type)
}
