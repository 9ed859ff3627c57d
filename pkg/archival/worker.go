package archival

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

var (
	// ErrEpochSkip is returned when a checkpoint jumps more than one epoch
	// ahead of the archive.
	ErrEpochSkip = errors.New("checkpoint skips an epoch")
	// ErrArchiveGap is returned when a checkpoint would leave a hole after the
	// last archived file.
	ErrArchiveGap = errors.New("checkpoint leaves a gap in the archive")
)

const (
	DefaultCommitFileSize = 200 * 1024 * 1024
	DefaultCommitDuration = 10 * time.Minute

	// MinCheckpointsInProgress is the smallest window in which the count
	// trigger can fire: a file of MaxCheckpointsInProgress/2+1 checkpoints
	// plus the checkpoint that rolls it.
	MinCheckpointsInProgress = 3
)

// Config controls when the worker rolls its buffer into archive files.
type Config struct {
	// CommitFileSize is the content file size, in bytes, that triggers a roll.
	CommitFileSize int `mapstructure:"commit_file_size"`
	// CommitDuration is the maximum age of an uncommitted buffer.
	CommitDuration time.Duration `mapstructure:"commit_duration"`
	// MaxCheckpointsInProgress must match the executor window; a file never
	// spans more than half of it.
	MaxCheckpointsInProgress uint64 `mapstructure:"max_checkpoints_in_progress"`
}

func (c Config) withDefaults() Config {
	if c.CommitFileSize <= 0 {
		c.CommitFileSize = DefaultCommitFileSize
	}
	if c.CommitDuration <= 0 {
		c.CommitDuration = DefaultCommitDuration
	}
	if c.MaxCheckpointsInProgress == 0 {
		c.MaxCheckpointsInProgress = ingestion.MaxCheckpointsInProgress
	}
	return c
}

// accumulatedState is the buffer of the file currently being built.
type accumulatedState struct {
	epoch                uint64
	checkpointRange      SeqRange
	contents             bytes.Buffer
	summaries            bytes.Buffer
	lastCommit           time.Time
	archivedEnd          uint64 // exclusive end of the last committed file
	hasFiles             bool
	shouldUpdateProgress bool
}

func (s *accumulatedState) empty() bool {
	return s.checkpointRange.Len() == 0
}

// Worker appends checkpoints to an archive in a remote store. It implements
// ingestion.Worker and ingestion.Flusher.
type Worker struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *logrus.Entry

	mu    sync.Mutex
	state accumulatedState

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker resumes from the manifest in store and starts the commit timer.
func NewWorker(ctx context.Context, store storage.Store, cfg Config) (*Worker, error) {
	w, err := newWorker(ctx, store, cfg, time.Now)
	if err != nil {
		return nil, err
	}
	w.startTimer()
	return w, nil
}

func newWorker(ctx context.Context, store storage.Store, cfg Config, now func() time.Time) (*Worker, error) {
	manifest, err := ReadManifest(ctx, store)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.MaxCheckpointsInProgress < MinCheckpointsInProgress {
		return nil, errors.Errorf("max checkpoints in progress must be at least %d, got %d",
			MinCheckpointsInProgress, cfg.MaxCheckpointsInProgress)
	}
	next := manifest.NextCheckpointSeqNum()
	w := &Worker{
		store:  store,
		cfg:    cfg,
		now:    now,
		logger: logrus.WithField("component", "archival"),
		stop:   make(chan struct{}),
	}
	w.state.epoch = manifest.EpochNum()
	w.state.checkpointRange = SeqRange{Start: next, End: next}
	w.state.archivedEnd = next
	w.state.hasFiles = len(manifest.Files()) > 0
	w.state.lastCommit = now()

	w.logger.WithFields(logrus.Fields{
		"epoch":            w.state.epoch,
		"next_checkpoint":  next,
		"manifest_version": manifest.Version(),
		"commit_file_size": w.cfg.CommitFileSize,
		"commit_duration":  w.cfg.CommitDuration,
	}).Info("Archival worker resumed from manifest")
	return w, nil
}

// ProcessCheckpoint implements ingestion.Worker.
func (w *Worker) ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := checkpoint.Summary.SequenceNumber
	epoch := checkpoint.Summary.Epoch
	st := &w.state

	if seq < st.checkpointRange.Start {
		return nil
	}

	if epoch != st.epoch && epoch != st.epoch+1 {
		return ingestion.Terminal(errors.Wrapf(ErrEpochSkip,
			"checkpoint %d has epoch %d, archive is at epoch %d", seq, epoch, st.epoch))
	}
	if st.empty() {
		if seq != st.checkpointRange.End {
			if st.hasFiles {
				return ingestion.Terminal(errors.Wrapf(ErrArchiveGap,
					"checkpoint %d arrived, archive ends at %d", seq, st.checkpointRange.End))
			}
			w.logger.WithField("expected", st.checkpointRange.End).WithField("sequence_number", seq).
				Warn("Empty archive starts at a later checkpoint")
			st.checkpointRange = SeqRange{Start: seq, End: seq}
		}
		st.epoch = epoch
	} else if seq != st.checkpointRange.End {
		return ingestion.Terminal(errors.Errorf("checkpoint %d is not contiguous with buffered range %s", seq, st.checkpointRange))
	}

	content, err := ledger.EncodeBlob(ledger.NewFullCheckpointContents(checkpoint), ledger.BlobEncodingJSON)
	if err != nil {
		return ingestion.Terminal(errors.Wrapf(err, "checkpoint %d", seq))
	}
	summary, err := ledger.EncodeBlob(checkpoint.Summary, ledger.BlobEncodingJSON)
	if err != nil {
		return ingestion.Terminal(errors.Wrapf(err, "checkpoint %d", seq))
	}

	if !st.empty() {
		if trigger := w.rollTrigger(epoch, content.Size()); trigger != "" {
			if err := w.roll(ctx, trigger); err != nil {
				return ingestion.Transient(err)
			}
			st.epoch = epoch
		}
	}

	content.Write(&st.contents)
	summary.Write(&st.summaries)
	st.checkpointRange.End++
	return nil
}

func (w *Worker) rollTrigger(epoch uint64, blobSize int) string {
	st := &w.state
	switch {
	case st.contents.Len()+blobSize > w.cfg.CommitFileSize:
		return "size"
	case epoch != st.epoch:
		return "epoch"
	case st.checkpointRange.Len() > w.cfg.MaxCheckpointsInProgress/2:
		return "count"
	case w.now().Sub(st.lastCommit) > w.cfg.CommitDuration:
		return "time"
	}
	return ""
}

// roll uploads the buffered files and the updated manifest, then resets the
// buffer to start at the old range end. The caller holds mu. On error the
// state is untouched and the roll can be retried.
func (w *Worker) roll(ctx context.Context, trigger string) error {
	st := &w.state
	rng := st.checkpointRange

	files := make([]FileMetadata, 0, 2)
	for _, f := range []struct {
		typ     FileType
		payload []byte
	}{
		{FileTypeCheckpointContent, st.contents.Bytes()},
		{FileTypeCheckpointSummary, st.summaries.Bytes()},
	} {
		raw := EncodeFile(f.typ.Magic(), f.payload)
		meta := FileMetadata{
			FileType:           f.typ,
			EpochNum:           st.epoch,
			CheckpointSeqRange: rng,
			Sha3Digest:         Digest(raw),
			FileSize:           uint64(len(raw)),
		}
		if err := w.store.Put(ctx, meta.Path(), raw); err != nil {
			return errors.Wrapf(err, "failed to upload %s", meta.Path())
		}
		metrics.ArchiveBytesUploaded.Add(float64(len(raw)))
		files = append(files, meta)
	}

	manifest, err := ReadManifest(ctx, w.store)
	if err != nil {
		return err
	}
	manifest.Update(st.epoch, rng.End, files...)
	if err := WriteManifest(ctx, w.store, manifest); err != nil {
		return err
	}

	for _, f := range files {
		metrics.ArchiveFilesCommitted.WithLabelValues(string(f.FileType)).Inc()
	}
	metrics.ArchiveRolls.WithLabelValues(trigger).Inc()
	w.logger.WithFields(logrus.Fields{
		"epoch":   st.epoch,
		"range":   rng.String(),
		"trigger": trigger,
		"bytes":   files[0].FileSize + files[1].FileSize,
	}).Info("Committed archive files")

	st.checkpointRange = SeqRange{Start: rng.End, End: rng.End}
	st.contents.Reset()
	st.summaries.Reset()
	st.lastCommit = w.now()
	st.archivedEnd = rng.End
	st.hasFiles = true
	st.shouldUpdateProgress = true
	return nil
}

// SaveProgress implements ingestion.Worker. After a roll it reports the last
// archived checkpoint, capped at seq.
func (w *Worker) SaveProgress(ctx context.Context, seq uint64) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := &w.state
	if !st.shouldUpdateProgress || st.archivedEnd == 0 {
		return 0, false
	}
	st.shouldUpdateProgress = false
	if last := st.archivedEnd - 1; last < seq {
		return last, true
	}
	return seq, true
}

// Flush implements ingestion.Flusher by rolling any buffered checkpoints.
func (w *Worker) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.empty() {
		return nil
	}
	return w.roll(ctx, "flush")
}

// Close stops the commit timer.
func (w *Worker) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	return nil
}

func (w *Worker) startTimer() {
	period := w.cfg.CommitDuration
	if period > time.Second {
		period = time.Second
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.checkTimer()
			}
		}
	}()
}

// checkTimer rolls an idle buffer whose age exceeds CommitDuration.
func (w *Worker) checkTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.empty() || w.now().Sub(w.state.lastCommit) <= w.cfg.CommitDuration {
		return
	}
	if err := w.roll(context.Background(), "time"); err != nil {
		w.logger.WithError(err).Warn("Timed archive commit failed, will retry")
	}
}
