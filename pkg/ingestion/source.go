package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// CheckpointFileSuffix is the extension of checkpoint source files.
const CheckpointFileSuffix = ".chk"

// CheckpointSource fetches a single checkpoint by sequence number. It returns
// ErrCheckpointNotFound when the checkpoint does not exist yet and an error
// wrapping ErrDecode when the payload is malformed.
type CheckpointSource interface {
	GetCheckpoint(ctx context.Context, seq uint64) (*ledger.CheckpointData, error)
}

// Pruner is implemented by sources that can discard checkpoints every worker
// has already committed.
type Pruner interface {
	Prune(watermark uint64) error
}

// Notifier is implemented by sources that can signal newly available
// checkpoints, letting the reader skip the remainder of its backoff.
type Notifier interface {
	Notify() <-chan struct{}
}

// CheckpointFileName returns the source file name of a checkpoint.
func CheckpointFileName(seq uint64) string {
	return strconv.FormatUint(seq, 10) + CheckpointFileSuffix
}

func decodeCheckpoint(seq uint64, raw []byte) (*ledger.CheckpointData, error) {
	data, err := ledger.DecodeCheckpointFile(raw)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %d: %v: %w", seq, err, ErrDecode)
	}
	if data.Summary.SequenceNumber != seq {
		return nil, fmt.Errorf("checkpoint file %d contains checkpoint %d: %w", seq, data.Summary.SequenceNumber, ErrDecode)
	}
	return data, nil
}

// ObjectStoreSource reads checkpoints from {seq}.chk objects in a remote store.
type ObjectStoreSource struct {
	store storage.Store
}

func NewObjectStoreSource(store storage.Store) *ObjectStoreSource {
	return &ObjectStoreSource{store: store}
}

// GetCheckpoint implements CheckpointSource.
func (s *ObjectStoreSource) GetCheckpoint(ctx context.Context, seq uint64) (*ledger.CheckpointData, error) {
	raw, err := s.store.Get(ctx, CheckpointFileName(seq))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrCheckpointNotFound, "checkpoint %d", seq)
	}
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "failed to fetch checkpoint %d", seq))
	}
	return decodeCheckpoint(seq, raw)
}

// LocalDirSource reads checkpoints written by a co-located node into a
// directory, wakes the reader on new files and removes processed files.
type LocalDirSource struct {
	dir     string
	watcher *fsnotify.Watcher
	notify  chan struct{}
	logger  *logrus.Entry
	once    sync.Once
}

// NewLocalDirSource watches dir for new checkpoint files.
func NewLocalDirSource(dir string) (*LocalDirSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", dir)
	}

	s := &LocalDirSource{
		dir:     dir,
		watcher: watcher,
		notify:  make(chan struct{}, 1),
		logger:  logrus.WithField("component", "source.local").WithField("dir", dir),
	}
	go s.watch()
	return s, nil
}

func (s *LocalDirSource) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, CheckpointFileSuffix) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// Notify implements Notifier.
func (s *LocalDirSource) Notify() <-chan struct{} {
	return s.notify
}

// GetCheckpoint implements CheckpointSource.
func (s *LocalDirSource) GetCheckpoint(ctx context.Context, seq uint64) (*ledger.CheckpointData, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, CheckpointFileName(seq)))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrCheckpointNotFound, "checkpoint %d", seq)
	}
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "failed to read checkpoint %d", seq))
	}
	return decodeCheckpoint(seq, raw)
}

// Prune implements Pruner by deleting checkpoint files below watermark.
func (s *LocalDirSource) Prune(watermark uint64) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", s.dir)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, CheckpointFileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, CheckpointFileSuffix), 10, 64)
		if err != nil || seq >= watermark {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", name)
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithField("watermark", watermark).WithField("removed", removed).Debug("Pruned checkpoint files")
	}
	return nil
}

// Close stops the file watcher.
func (s *LocalDirSource) Close() error {
	var err error
	s.once.Do(func() { err = s.watcher.Close() })
	return err
}
