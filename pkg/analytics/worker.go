package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

const (
	DefaultMaxCheckpointsPerFile = 1000
	DefaultMaxRowsPerFile        = 100_000
	DefaultTimeInterval          = 10 * time.Minute
)

// WorkerConfig controls when buffered rows are cut into a file.
type WorkerConfig struct {
	MaxCheckpointsPerFile uint64        `mapstructure:"max_checkpoints_per_file"`
	MaxRowsPerFile        int           `mapstructure:"max_rows_per_file"`
	TimeInterval          time.Duration `mapstructure:"time_interval"`
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxCheckpointsPerFile == 0 {
		c.MaxCheckpointsPerFile = DefaultMaxCheckpointsPerFile
	}
	if c.MaxRowsPerFile <= 0 {
		c.MaxRowsPerFile = DefaultMaxRowsPerFile
	}
	if c.TimeInterval <= 0 {
		c.TimeInterval = DefaultTimeInterval
	}
	return c
}

// Validate checks the config against the executor window. Progress is only
// saved when a file is cut, so a file must cover less than the window.
func (c WorkerConfig) Validate(maxInFlight uint64) error {
	c = c.withDefaults()
	if limit := maxInFlight / 2; c.MaxCheckpointsPerFile > limit {
		return fmt.Errorf("max_checkpoints_per_file %d exceeds %d, half the checkpoints in progress limit", c.MaxCheckpointsPerFile, limit)
	}
	return nil
}

// Worker runs a handler as an ingestion.Worker and writes its rows to a sink.
// It expects checkpoints in order, so its pool must have a concurrency of 1.
type Worker[T Row] struct {
	handler Handler[T]
	sink    Sink
	schema  *Schema
	cfg     WorkerConfig
	now     func() time.Time
	logger  *logrus.Entry

	mu       sync.Mutex
	rows     []T
	epoch    uint64
	start    uint64
	next     uint64
	buffered bool
	lastCut  time.Time

	flushed      uint64
	flushPending bool
}

func NewWorker[T Row](handler Handler[T], sink Sink, cfg WorkerConfig) (*Worker[T], error) {
	schema, ok := SchemaFor(handler.FileType())
	if !ok {
		return nil, fmt.Errorf("no schema for file type %q", handler.FileType())
	}
	return &Worker[T]{
		handler: handler,
		sink:    sink,
		schema:  schema,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		lastCut: time.Now(),
		logger: logrus.WithFields(logrus.Fields{
			"component": "analytics",
			"handler":   handler.Name(),
			"sink":      sink.Name(),
		}),
	}, nil
}

// ProcessCheckpoint implements ingestion.Worker. A checkpoint of a new epoch
// first cuts the rows of the previous one. Sink failures are transient and
// leave the rows buffered; the redelivered checkpoint only retries the cut.
func (w *Worker[T]) ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := checkpoint.Summary.SequenceNumber
	epoch := checkpoint.Summary.Epoch
	if w.buffered && seq < w.next {
		return w.cutIfDue(ctx)
	}
	if w.buffered && epoch != w.epoch {
		if err := w.cut(ctx, "epoch"); err != nil {
			return err
		}
	}
	if !w.buffered {
		w.epoch = epoch
		w.start = seq
	} else if seq != w.next {
		return ingestion.Terminal(fmt.Errorf("checkpoint %d is not contiguous with buffered range [%d, %d)", seq, w.start, w.next))
	}

	if err := w.handler.ProcessCheckpoint(ctx, checkpoint); err != nil {
		return ingestion.Terminal(errors.Wrapf(err, "%s handler", w.handler.Name()))
	}
	w.rows = append(w.rows, w.handler.Read()...)
	w.next = seq + 1
	w.buffered = true
	return w.cutIfDue(ctx)
}

func (w *Worker[T]) cutIfDue(ctx context.Context) error {
	switch {
	case w.next-w.start >= w.cfg.MaxCheckpointsPerFile:
		return w.cut(ctx, "checkpoints")
	case len(w.rows) >= w.cfg.MaxRowsPerFile:
		return w.cut(ctx, "rows")
	case w.now().Sub(w.lastCut) >= w.cfg.TimeInterval:
		return w.cut(ctx, "time")
	}
	return nil
}

// cut writes the buffered rows, if any, and marks their checkpoints flushed.
func (w *Worker[T]) cut(ctx context.Context, trigger string) error {
	if !w.buffered {
		return nil
	}
	if len(w.rows) > 0 {
		rows := make([]Row, len(w.rows))
		for i, r := range w.rows {
			rows[i] = r
		}
		batch := &Batch{
			FileType: w.handler.FileType(),
			Schema:   w.schema,
			Epoch:    w.epoch,
			Start:    w.start,
			End:      w.next,
			Rows:     rows,
		}
		if err := w.sink.Write(ctx, batch); err != nil {
			return ingestion.Transient(errors.Wrapf(err, "failed to write %s rows for [%d, %d)", batch.FileType, batch.Start, batch.End))
		}
		metrics.AnalyticsRowsWritten.WithLabelValues(string(batch.FileType), w.sink.Name()).Add(float64(len(rows)))
	}
	w.logger.WithFields(logrus.Fields{
		"trigger": trigger,
		"epoch":   w.epoch,
		"start":   w.start,
		"end":     w.next,
		"rows":    len(w.rows),
	}).Info("Cut analytics file")

	w.flushed = w.next - 1
	w.flushPending = true
	w.rows = w.rows[:0]
	w.start = w.next
	w.buffered = false
	w.lastCut = w.now()
	return nil
}

// SaveProgress implements ingestion.Worker. It reports the last checkpoint
// covered by a written file.
func (w *Worker[T]) SaveProgress(ctx context.Context, seq uint64) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.flushPending {
		return 0, false
	}
	w.flushPending = false
	return w.flushed, true
}

// Flush implements ingestion.Flusher.
func (w *Worker[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cut(ctx, "flush")
}
