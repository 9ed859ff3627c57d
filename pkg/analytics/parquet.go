package analytics

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// ParquetSink writes each batch as one parquet file to an object store.
type ParquetSink struct {
	store       storage.Store
	compression compress.Compression
	allocator   memory.Allocator
	schemas     map[string]*arrow.Schema
}

func NewParquetSink(store storage.Store, compression string) *ParquetSink {
	return &ParquetSink{
		store:       store,
		compression: compressionCodec(compression),
		allocator:   memory.NewGoAllocator(),
		schemas:     make(map[string]*arrow.Schema),
	}
}

func (s *ParquetSink) Name() string { return "parquet" }

func (s *ParquetSink) Write(ctx context.Context, batch *Batch) error {
	record, err := s.buildRecord(batch)
	if err != nil {
		return err
	}
	defer record.Release()

	data, err := s.writeParquet(record)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, batch.Path("parquet"), data)
}

func (s *ParquetSink) Close() error { return s.store.Close() }

func (s *ParquetSink) arrowSchema(schema *Schema) *arrow.Schema {
	if cached, ok := s.schemas[schema.Name]; ok {
		return cached
	}
	fields := make([]arrow.Field, len(schema.Columns))
	for i, c := range schema.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: c.Nullable}
	}
	metadata := arrow.NewMetadata([]string{"table"}, []string{schema.Name})
	out := arrow.NewSchema(fields, &metadata)
	s.schemas[schema.Name] = out
	return out
}

func arrowType(t ColumnType) arrow.DataType {
	switch t {
	case ColumnUint64:
		return arrow.PrimitiveTypes.Uint64
	case ColumnInt64:
		return arrow.PrimitiveTypes.Int64
	case ColumnBool:
		return arrow.FixedWidthTypes.Boolean
	}
	return arrow.BinaryTypes.String
}

func (s *ParquetSink) buildRecord(batch *Batch) (arrow.Record, error) {
	builder := array.NewRecordBuilder(s.allocator, s.arrowSchema(batch.Schema))
	defer builder.Release()

	for _, row := range batch.Rows {
		values := row.Values()
		if len(values) != len(batch.Schema.Columns) {
			return nil, fmt.Errorf("%s row has %d values, want %d", batch.Schema.Name, len(values), len(batch.Schema.Columns))
		}
		for i, v := range values {
			if err := appendValue(builder.Field(i), v); err != nil {
				return nil, fmt.Errorf("column %s: %w", batch.Schema.Columns[i].Name, err)
			}
		}
	}
	return builder.NewRecord(), nil
}

func appendValue(b array.Builder, v interface{}) error {
	plain, ok := plainValue(v)
	if !ok {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.StringBuilder:
		if x, ok := plain.(string); ok {
			fb.Append(x)
			return nil
		}
	case *array.Uint64Builder:
		if x, ok := plain.(uint64); ok {
			fb.Append(x)
			return nil
		}
	case *array.Int64Builder:
		if x, ok := plain.(int64); ok {
			fb.Append(x)
			return nil
		}
	case *array.BooleanBuilder:
		if x, ok := plain.(bool); ok {
			fb.Append(x)
			return nil
		}
	}
	return fmt.Errorf("unexpected value %T for %T", plain, b)
}

func (s *ParquetSink) writeParquet(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(s.compression),
		parquet.WithDataPageSize(1024*1024),
	)
	writer, err := pqarrow.NewFileWriter(record.Schema(), &buf, props, pqarrow.NewArrowWriterProperties())
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func compressionCodec(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4
	case "brotli":
		return compress.Codecs.Brotli
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}
