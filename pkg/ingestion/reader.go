package ingestion

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/internal/alert"
	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// DefaultCheckpointBufferSize is the capacity of the queue between the
// reader and the executor.
const DefaultCheckpointBufferSize = 1000

// ReaderOptions tunes the fetch loop.
type ReaderOptions struct {
	// BufferSize is the capacity of the checkpoint queue.
	BufferSize int
	// InitialBackoff, MaxBackoff and Multiplier shape the retry delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// MaxElapsed bounds the time spent on one checkpoint; zero retries forever.
	MaxElapsed time.Duration
	// AlertAfter raises an operator alert after this many consecutive failed
	// attempts for the same checkpoint; zero disables alerts.
	AlertAfter int
}

// DefaultReaderOptions returns the options used when none are configured.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		BufferSize:     DefaultCheckpointBufferSize,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     1.5,
		AlertAfter:     50,
	}
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	def := DefaultReaderOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = def.BufferSize
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = def.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = def.Multiplier
	}
	return o
}

// Reader pulls checkpoints in sequence order from a source and pushes them
// onto a bounded queue. A full queue blocks the reader.
type Reader struct {
	source  CheckpointSource
	opts    ReaderOptions
	alerter alert.Alerter
	logger  *logrus.Entry
}

// NewReader creates a reader. alerter may be nil.
func NewReader(source CheckpointSource, opts ReaderOptions, alerter alert.Alerter) *Reader {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	return &Reader{
		source:  source,
		opts:    opts.withDefaults(),
		alerter: alerter,
		logger:  logrus.WithField("component", "reader"),
	}
}

// BufferSize is the queue capacity callers should allocate.
func (r *Reader) BufferSize() int {
	return r.opts.BufferSize
}

// FetchNext returns the checkpoint following after, or checkpoint 0 when
// after is nil. Missing checkpoints and transient errors are retried.
func (r *Reader) FetchNext(ctx context.Context, after *uint64) (*ledger.CheckpointData, error) {
	seq := uint64(0)
	if after != nil {
		seq = *after + 1
	}
	return r.fetch(ctx, seq)
}

// Run fetches checkpoints starting at start and sends them to out in order.
// It returns nil when ctx is cancelled and an error when a checkpoint cannot
// be decoded or retries are exhausted.
func (r *Reader) Run(ctx context.Context, start uint64, out chan<- *ledger.CheckpointData) error {
	r.logger.WithField("start", start).Info("Starting checkpoint reader")
	var after *uint64
	if start > 0 {
		prev := start - 1
		after = &prev
	}
	for {
		checkpoint, err := r.FetchNext(ctx, after)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- checkpoint:
		case <-ctx.Done():
			return nil
		}
		seq := checkpoint.Summary.SequenceNumber
		after = &seq
		metrics.CheckpointsFetched.Inc()
		metrics.ReaderWatermark.Set(float64(seq))
	}
}

// Prune lets the source discard checkpoints below watermark.
func (r *Reader) Prune(watermark uint64) {
	pruner, ok := r.source.(Pruner)
	if !ok {
		return
	}
	if err := pruner.Prune(watermark); err != nil {
		r.logger.WithError(err).WithField("watermark", watermark).Warn("Failed to prune checkpoint source")
	}
}

func (r *Reader) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.Multiplier = r.opts.Multiplier
	b.MaxElapsedTime = r.opts.MaxElapsed
	b.Reset()
	return b
}

func (r *Reader) fetch(ctx context.Context, seq uint64) (*ledger.CheckpointData, error) {
	var notify <-chan struct{}
	if n, ok := r.source.(Notifier); ok {
		notify = n.Notify()
	}

	b := r.newBackOff()
	attempts := 0
	for {
		checkpoint, err := r.source.GetCheckpoint(ctx, seq)
		if err == nil {
			return checkpoint, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, errors.Wrapf(err, "unrecoverable error fetching checkpoint %d", seq)
		}

		attempts++
		metrics.FetchRetries.Inc()
		if r.opts.AlertAfter > 0 && attempts == r.opts.AlertAfter {
			r.raiseStalled(ctx, seq, attempts, err)
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil, errors.Wrapf(err, "giving up on checkpoint %d after %d attempts", seq, attempts)
		}

		entry := r.logger.WithField("sequence_number", seq).WithField("attempt", attempts).WithField("delay", delay)
		if errors.Is(err, ErrCheckpointNotFound) {
			entry.Debug("Checkpoint not available yet")
		} else {
			entry.WithError(err).Warn("Transient error fetching checkpoint")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Reader) raiseStalled(ctx context.Context, seq uint64, attempts int, cause error) {
	err := r.alerter.Send(ctx, alert.Alert{
		Type:    alert.TypeFetchStalled,
		Key:     strconv.FormatUint(seq, 10),
		Title:   "Checkpoint fetch is stalled",
		Message: cause.Error(),
		Fields: map[string]string{
			"sequence_number": strconv.FormatUint(seq, 10),
			"attempts":        strconv.Itoa(attempts),
		},
	})
	if err != nil {
		r.logger.WithError(err).Warn("Failed to send fetch alert")
	}
}
