package ingestion

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/internal/alert"
	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
)

// progressStuckAfter is the number of consecutive failed saves that raise an alert.
const progressStuckAfter = 5

// Executor feeds checkpoints from a Reader to every registered worker pool,
// bounds each pool's uncommitted window and persists progress.
type Executor struct {
	pools       []*WorkerPool
	store       progress.Store
	maxInFlight uint64
	alerter     alert.Alerter
	lifecycle   *Lifecycle
	saveBackOff func() backoff.BackOff
	logger      *logrus.Entry
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxInFlight overrides MaxCheckpointsInProgress.
func WithMaxInFlight(n uint64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxInFlight = n
		}
	}
}

// WithAlerter sets the alerter used for worker failures.
func WithAlerter(a alert.Alerter) ExecutorOption {
	return func(e *Executor) {
		if a != nil {
			e.alerter = a
		}
	}
}

// WithProgressRetry sets the backoff between failed progress saves.
func WithProgressRetry(initial, max time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.saveBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.MaxElapsedTime = 0
			return b
		}
	}
}

func NewExecutor(store progress.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       store,
		maxInFlight: MaxCheckpointsInProgress,
		alerter:     alert.Nop{},
		lifecycle:   NewLifecycle("executor"),
		logger:      logrus.WithField("component", "executor"),
	}
	WithProgressRetry(500*time.Millisecond, 30*time.Second)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a worker pool. Names must be unique; they key the progress store.
func (e *Executor) Register(pool *WorkerPool) error {
	if e.lifecycle.State() != StateStopped {
		return fmt.Errorf("cannot register worker %s while executor is %s", pool.name, e.lifecycle.State())
	}
	for _, existing := range e.pools {
		if existing.name == pool.name {
			return fmt.Errorf("worker %s already registered", pool.name)
		}
	}
	e.pools = append(e.pools, pool)
	return nil
}

// State reports the executor lifecycle state.
func (e *Executor) State() State {
	return e.lifecycle.State()
}

type poolState struct {
	pool  *WorkerPool
	input chan *ledger.CheckpointData

	start      uint64
	dispatched uint64 // next sequence number to hand to the pool
	committed  uint64 // first sequence number without persisted progress
	saved      *uint64
	unsaved    *uint64
	saveErrors int
	dead       bool
	closed     bool
}

func (s *poolState) inFlight() uint64 {
	return s.dispatched - s.committed
}

type poolExit struct {
	state *poolState
	err   *PoolError
}

// Run drives the pipeline until ctx is cancelled, every pool has stopped or
// the reader fails. It returns the last persisted progress per workflow.
// Pool failures are reported as a *RunError after all pools stopped.
func (e *Executor) Run(ctx context.Context, reader *Reader) (map[string]uint64, error) {
	if len(e.pools) == 0 {
		return nil, fmt.Errorf("no workers registered")
	}

	states, startSeq, err := e.start(ctx)
	if err != nil {
		return nil, err
	}
	defer e.stop()

	// In-flight work and final progress must survive the shutdown signal.
	workCtx := context.WithoutCancel(ctx)

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	checkpoints := make(chan *ledger.CheckpointData, reader.BufferSize())
	readerErr := make(chan error, 1)
	go func() {
		readerErr <- reader.Run(readerCtx, startSeq, checkpoints)
	}()

	updates := make(chan progressUpdate, len(states)*4)
	exits := make(chan poolExit, len(states))
	byName := make(map[string]*poolState, len(states))
	for _, st := range states {
		byName[st.pool.name] = st
		go func(st *poolState) {
			exits <- poolExit{state: st, err: st.pool.run(workCtx, st.start, st.input, updates)}
		}(st)
	}

	var (
		pending      *ledger.CheckpointData
		failures     []*PoolError
		runErr       error
		shuttingDown bool
		readerDone   bool
		live         = len(states)
		retryPolicy  = e.saveBackOff()
		retryC       <-chan time.Time
		pruned       uint64
	)

	shutdown := func(reason string) {
		if shuttingDown {
			return
		}
		shuttingDown = true
		e.logger.WithField("reason", reason).Info("Shutting down executor")
		stopReader()
		pending = nil
		for _, st := range states {
			if !st.closed {
				close(st.input)
				st.closed = true
			}
		}
	}

	for live > 0 {
		var recv <-chan *ledger.CheckpointData
		if pending == nil && !shuttingDown {
			recv = checkpoints
		}
		var done <-chan struct{}
		if !shuttingDown {
			done = ctx.Done()
		}
		var readerC <-chan error
		if !readerDone {
			readerC = readerErr
		}

		select {
		case <-done:
			shutdown("context cancelled")

		case err := <-readerC:
			readerDone = true
			if err != nil {
				e.logger.WithError(err).Error("Checkpoint reader failed")
				runErr = errors.Wrap(err, "reader failed")
			}
			shutdown("reader stopped")

		case checkpoint := <-recv:
			pending = checkpoint

		case upd := <-updates:
			if e.commit(workCtx, byName[upd.workflow], upd.seq) {
				retryPolicy.Reset()
			} else if retryC == nil {
				retryC = time.After(retryPolicy.NextBackOff())
			}

		case <-retryC:
			retryC = nil
			if !e.retryUnsaved(workCtx, states) {
				retryC = time.After(retryPolicy.NextBackOff())
			} else {
				retryPolicy.Reset()
			}

		case exit := <-exits:
			live--
			st := exit.state
			st.dead = true
			if exit.err != nil {
				failures = append(failures, exit.err)
				e.reportFailure(workCtx, exit.err)
				if !st.closed {
					// Nothing reads the input anymore; drop it so dispatch skips the pool.
					st.closed = true
				}
			}
			if live == 0 {
				shutdown("all workers stopped")
			}
		}

		if pending != nil && e.deliver(pending, states) {
			pending = nil
		}
		if watermark, ok := pruneWatermark(states); ok && watermark > pruned {
			pruned = watermark
			reader.Prune(watermark)
		}
	}

	// Pools send their last update before exiting; collect what is buffered.
	for drained := false; !drained; {
		select {
		case upd := <-updates:
			e.commit(workCtx, byName[upd.workflow], upd.seq)
		default:
			drained = true
		}
	}
	e.retryUnsaved(workCtx, states)

	if !readerDone {
		stopReader()
		if err := <-readerErr; err != nil && runErr == nil {
			runErr = errors.Wrap(err, "reader failed")
		}
	}

	result := make(map[string]uint64, len(states))
	for _, st := range states {
		if st.saved != nil {
			result[st.pool.name] = *st.saved
		}
		if st.unsaved != nil {
			e.logger.WithField("workflow", st.pool.name).WithField("sequence_number", *st.unsaved).
				Error("Progress could not be persisted before shutdown")
		}
	}

	if len(failures) > 0 {
		return result, &RunError{Failures: failures}
	}
	return result, runErr
}

// start loads the resume point of every pool inside the start transition.
func (e *Executor) start(ctx context.Context) ([]*poolState, uint64, error) {
	token, err := e.lifecycle.AcquireStart()
	if err != nil {
		return nil, 0, err
	}

	states := make([]*poolState, 0, len(e.pools))
	startSeq := uint64(0)
	for i, pool := range e.pools {
		seq, ok, err := e.store.Get(ctx, pool.name)
		if err != nil {
			token.Release()
			e.stop()
			return nil, 0, errors.Wrapf(err, "failed to load progress for %s", pool.name)
		}
		st := &poolState{
			pool:  pool,
			input: make(chan *ledger.CheckpointData, e.maxInFlight),
			start: pool.initial,
		}
		if ok {
			saved := seq
			st.saved = &saved
			st.start = seq + 1
		}
		st.dispatched = st.start
		st.committed = st.start
		states = append(states, st)
		if i == 0 || st.start < startSeq {
			startSeq = st.start
		}
		e.logger.WithField("workflow", pool.name).WithField("start", st.start).Info("Resuming worker")
	}
	token.Release()
	return states, startSeq, nil
}

func (e *Executor) stop() {
	token, err := e.lifecycle.AcquireShutdown()
	if err != nil {
		e.logger.WithError(err).Warn("Executor shutdown transition rejected")
		return
	}
	defer token.Release()
	e.logger.Info("Executor stopped")
}

// deliver hands checkpoint to every live pool that has not received it. It
// returns false if some pool's window is full; those pools get it on a later
// call while pools that already received it are skipped.
func (e *Executor) deliver(checkpoint *ledger.CheckpointData, states []*poolState) bool {
	seq := checkpoint.Summary.SequenceNumber
	complete := true
	for _, st := range states {
		if st.dead || st.closed || seq < st.dispatched {
			continue
		}
		if st.inFlight() >= e.maxInFlight {
			complete = false
			continue
		}
		st.input <- checkpoint
		st.dispatched = seq + 1
		metrics.InFlight.WithLabelValues(st.pool.name).Set(float64(st.inFlight()))
	}
	return complete
}

// commit persists seq for the pool and widens its window. It returns false if
// the save failed and must be retried.
func (e *Executor) commit(ctx context.Context, st *poolState, seq uint64) bool {
	if st == nil {
		return true
	}
	if st.saved != nil && seq <= *st.saved {
		return true
	}
	if err := e.store.Save(ctx, st.pool.name, seq); err != nil {
		metrics.ProgressSaveErrors.WithLabelValues(st.pool.name).Inc()
		e.logger.WithError(err).WithField("workflow", st.pool.name).WithField("sequence_number", seq).
			Warn("Failed to save progress, holding window")
		if st.unsaved == nil || seq > *st.unsaved {
			pending := seq
			st.unsaved = &pending
		}
		st.saveErrors++
		if st.saveErrors == progressStuckAfter {
			e.reportStuck(ctx, st, seq, err)
		}
		return false
	}
	st.saveErrors = 0
	saved := seq
	st.saved = &saved
	if st.unsaved != nil && *st.unsaved <= seq {
		st.unsaved = nil
	}
	if seq+1 > st.committed {
		st.committed = seq + 1
	}
	metrics.WorkerProgress.WithLabelValues(st.pool.name).Set(float64(seq))
	metrics.InFlight.WithLabelValues(st.pool.name).Set(float64(st.inFlight()))
	return true
}

func (e *Executor) retryUnsaved(ctx context.Context, states []*poolState) bool {
	ok := true
	for _, st := range states {
		if st.unsaved == nil {
			continue
		}
		if !e.commit(ctx, st, *st.unsaved) {
			ok = false
		}
	}
	return ok
}

func (e *Executor) reportStuck(ctx context.Context, st *poolState, seq uint64, cause error) {
	err := e.alerter.Send(ctx, alert.Alert{
		Type:    alert.TypeProgressStuck,
		Key:     st.pool.name,
		Title:   fmt.Sprintf("Progress for %s cannot be saved", st.pool.name),
		Message: cause.Error(),
		Fields: map[string]string{
			"workflow":        st.pool.name,
			"sequence_number": strconv.FormatUint(seq, 10),
			"attempts":        strconv.Itoa(st.saveErrors),
		},
	})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to send progress alert")
	}
}

func (e *Executor) reportFailure(ctx context.Context, failure *PoolError) {
	e.logger.WithError(failure.Err).
		WithField("workflow", failure.Workflow).
		WithField("sequence_number", failure.SequenceNumber).
		Error("Worker stopped after fatal error")
	err := e.alerter.Send(ctx, alert.Alert{
		Type:    alert.TypeWorkerFailed,
		Key:     failure.Workflow,
		Title:   fmt.Sprintf("Worker %s stopped", failure.Workflow),
		Message: failure.Err.Error(),
		Fields: map[string]string{
			"workflow":        failure.Workflow,
			"sequence_number": strconv.FormatUint(failure.SequenceNumber, 10),
		},
	})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to send worker failure alert")
	}
}

// pruneWatermark is the lowest committed position over all pools; source
// data below it is no longer needed by anyone.
func pruneWatermark(states []*poolState) (uint64, bool) {
	if len(states) == 0 {
		return 0, false
	}
	min := states[0].committed
	for _, st := range states[1:] {
		if st.committed < min {
			min = st.committed
		}
	}
	return min, min > 0
}
