package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileFormatVersion is written into every progress file.
const FileFormatVersion = "1.0"

// Record is the persisted cursor of one workflow.
type Record struct {
	SequenceNumber uint64    `json:"sequence_number"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Workflows map[string]Record `json:"workflows"`
}

// FileStore keeps every workflow's cursor in one JSON document that is
// replaced atomically on each save.
type FileStore struct {
	path    string
	mu      sync.Mutex
	records map[string]Record
	logger  *logrus.Entry
}

// NewFileStore opens (or creates on first save) the progress file at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("progress file path cannot be empty")
	}
	s := &FileStore{
		path:    path,
		records: make(map[string]Record),
		logger:  logrus.WithField("component", "progress.file").WithField("path", path),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("No progress file found, starting from genesis")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read progress file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal progress file: %w", err)
	}
	if doc.Version != FileFormatVersion {
		return fmt.Errorf("unsupported progress file version %q", doc.Version)
	}
	for name, rec := range doc.Workflows {
		s.records[name] = rec
	}
	s.logger.WithField("workflows", len(s.records)).Info("Loaded progress file")
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, workflow string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workflow]
	return rec.SequenceNumber, ok, nil
}

// Save implements Store. Values lower than the stored cursor are ignored.
func (s *FileStore) Save(ctx context.Context, workflow string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[workflow]; ok && seq < cur.SequenceNumber {
		s.logger.WithFields(logrus.Fields{
			"workflow": workflow,
			"current":  cur.SequenceNumber,
			"proposed": seq,
		}).Warn("Ignoring progress regression")
		return nil
	}

	now := time.Now().UTC()
	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[workflow] = Record{SequenceNumber: seq, UpdatedAt: now}

	data, err := json.MarshalIndent(fileDocument{
		Version:   FileFormatVersion,
		UpdatedAt: now,
		Workflows: next,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := WriteAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", workflow, err)
	}

	// Only publish the new value once it is durable
	s.records = next
	s.logger.WithField("workflow", workflow).WithField("sequence_number", seq).Debug("Saved progress")
	return nil
}

// Records returns a copy of the persisted cursors.
func (s *FileStore) Records() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// WriteAtomic replaces filePath with data so that readers observe either the
// previous or the new contents, never a partial write. The parent directory is
// synced after the rename so the new entry survives a crash.
func WriteAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", filePath, err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
