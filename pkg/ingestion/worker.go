package ingestion

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// MaxCheckpointsInProgress bounds how many dispatched checkpoints a worker
// may have outstanding before its progress is committed.
const MaxCheckpointsInProgress = 10000

// DefaultProgressPoll is how often a pool asks its worker for progress when
// no checkpoint completes, so commits made in the background still free the
// window.
const DefaultProgressPoll = time.Second

// Worker processes checkpoints for one workflow.
//
// ProcessCheckpoint is called in sequence order. After each advance of the
// contiguous watermark the pool calls SaveProgress with the last processed
// sequence number, and again periodically while idle; the worker returns the
// sequence number that is safe to persist, or false to defer.
type Worker interface {
	ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error
	SaveProgress(ctx context.Context, seq uint64) (uint64, bool)
}

// Flusher is implemented by workers that buffer data and can persist it on
// graceful shutdown.
type Flusher interface {
	Flush(ctx context.Context) error
}

// WorkerPool runs one Worker under a workflow name.
type WorkerPool struct {
	name        string
	worker      Worker
	concurrency int
	initial     uint64

	retryInitial time.Duration
	retryMax     time.Duration
	progressPoll time.Duration
	logger       *logrus.Entry
}

// NewWorkerPool creates a pool. Workers that depend on ordering must use a
// concurrency of 1.
func NewWorkerPool(name string, worker Worker, concurrency int) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		name:         name,
		worker:       worker,
		concurrency:  concurrency,
		retryInitial: 100 * time.Millisecond,
		retryMax:     10 * time.Second,
		progressPoll: DefaultProgressPoll,
		logger:       logrus.WithField("component", "worker_pool").WithField("workflow", name),
	}
}

// WithInitialCheckpoint sets where the pool starts when it has no saved progress.
func (p *WorkerPool) WithInitialCheckpoint(seq uint64) *WorkerPool {
	p.initial = seq
	return p
}

// WithRetry tunes the backoff used for transient worker errors.
func (p *WorkerPool) WithRetry(initial, max time.Duration) *WorkerPool {
	p.retryInitial = initial
	p.retryMax = max
	return p
}

// WithProgressPoll sets how often an idle pool asks its worker for progress.
func (p *WorkerPool) WithProgressPoll(interval time.Duration) *WorkerPool {
	if interval > 0 {
		p.progressPoll = interval
	}
	return p
}

func (p *WorkerPool) Name() string { return p.name }

type progressUpdate struct {
	workflow string
	seq      uint64
}

type processed struct {
	seq uint64
	err error
}

// reported is the last progress a pool sent, so polling never repeats it.
type reported struct {
	sent bool
	seq  uint64
}

// run processes checkpoints from in until it is closed, then flushes the
// worker and reports final progress. A non-transient worker error stops the
// pool immediately.
func (p *WorkerPool) run(ctx context.Context, start uint64, in <-chan *ledger.CheckpointData, updates chan<- progressUpdate) *PoolError {
	p.logger.WithField("start", start).WithField("concurrency", p.concurrency).Info("Starting worker pool")

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan processed, p.concurrency)
	done := make(map[uint64]struct{})
	next := start
	inflight := 0
	input := in
	var last reported

	poll := time.NewTicker(p.progressPoll)
	defer poll.Stop()

	for input != nil || inflight > 0 {
		var recv <-chan *ledger.CheckpointData
		if input != nil && inflight < p.concurrency {
			recv = input
		}
		select {
		case checkpoint, ok := <-recv:
			if !ok {
				input = nil
				continue
			}
			inflight++
			go func(cp *ledger.CheckpointData) {
				results <- processed{seq: cp.Summary.SequenceNumber, err: p.process(workCtx, cp)}
			}(checkpoint)

		case <-poll.C:
			if next > start {
				p.reportProgress(ctx, next-1, updates, &last)
			}

		case res := <-results:
			inflight--
			if res.err != nil {
				cancel()
				for ; inflight > 0; inflight-- {
					<-results
				}
				metrics.WorkerFailures.WithLabelValues(p.name).Inc()
				return &PoolError{Workflow: p.name, SequenceNumber: res.seq, Err: res.err}
			}
			metrics.CheckpointsProcessed.WithLabelValues(p.name).Inc()
			done[res.seq] = struct{}{}
			advanced := false
			for {
				if _, ok := done[next]; !ok {
					break
				}
				delete(done, next)
				next++
				advanced = true
			}
			if advanced {
				p.reportProgress(ctx, next-1, updates, &last)
			}
		}
	}

	if flusher, ok := p.worker.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			metrics.WorkerFailures.WithLabelValues(p.name).Inc()
			return &PoolError{Workflow: p.name, SequenceNumber: next, Err: err}
		}
	}
	if next > start {
		p.reportProgress(ctx, next-1, updates, &last)
	}
	p.logger.WithField("next", next).Info("Worker pool stopped")
	return nil
}

func (p *WorkerPool) reportProgress(ctx context.Context, watermark uint64, updates chan<- progressUpdate, last *reported) {
	seq, ok := p.worker.SaveProgress(ctx, watermark)
	if !ok || (last.sent && seq <= last.seq) {
		return
	}
	last.sent, last.seq = true, seq
	updates <- progressUpdate{workflow: p.name, seq: seq}
}

// process runs the worker, retrying errors classified as transient.
func (p *WorkerPool) process(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInitial
	b.MaxInterval = p.retryMax
	b.MaxElapsedTime = 0

	seq := checkpoint.Summary.SequenceNumber
	operation := func() error {
		err := p.worker.ProcessCheckpoint(ctx, checkpoint)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		p.logger.WithError(err).WithField("sequence_number", seq).WithField("delay", delay).
			Warn("Transient worker error, retrying")
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
