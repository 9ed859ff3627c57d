package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// CSVSink writes each batch as a CSV file with a header row.
type CSVSink struct {
	store storage.Store
}

func NewCSVSink(store storage.Store) *CSVSink {
	return &CSVSink{store: store}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(ctx context.Context, batch *Batch) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(batch.Schema.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(batch.Schema.Columns))
	for _, row := range batch.Rows {
		values := row.Values()
		if len(values) != len(record) {
			return fmt.Errorf("%s row has %d values, want %d", batch.Schema.Name, len(values), len(record))
		}
		for i, v := range values {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode csv: %w", err)
	}
	return s.store.Put(ctx, batch.Path("csv"), buf.Bytes())
}

func (s *CSVSink) Close() error { return s.store.Close() }
