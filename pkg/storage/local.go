package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalFSStore implements Store on the local filesystem.
type LocalFSStore struct {
	basePath string
	logger   *logrus.Entry
}

// NewLocalFSStore creates a filesystem store rooted at basePath.
func NewLocalFSStore(basePath string) (*LocalFSStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local path is required")
	}
	// Expand home directory if needed
	if basePath == "~" || len(basePath) > 1 && basePath[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		basePath = filepath.Join(home, strings.TrimPrefix(basePath[1:], "/"))
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	logger := logrus.WithField("component", "storage.fs")
	logger.WithField("path", absPath).Debug("Local filesystem store initialized")

	return &LocalFSStore{basePath: absPath, logger: logger}, nil
}

// resolve maps a key to a path inside basePath, rejecting traversal.
func (c *LocalFSStore) resolve(key string) (string, error) {
	cleanKey := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleanKey) {
		return "", fmt.Errorf("absolute paths not allowed in key: %s", key)
	}
	fullPath := filepath.Join(c.basePath, cleanKey)
	rel, err := filepath.Rel(c.basePath, fullPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid key path: %s", key)
	}
	return fullPath, nil
}

// Get reads the object at key.
func (c *LocalFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := c.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Put writes the object atomically: temporary file, fsync, rename.
func (c *LocalFSStore) Put(ctx context.Context, key string, data []byte) error {
	fullPath, err := c.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile := fmt.Sprintf("%s.tmp.%d", fullPath, time.Now().UnixNano())
	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, fullPath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	c.logger.WithField("bytes", len(data)).WithField("path", fullPath).Debug("Wrote object")
	return nil
}

// BasePath returns the root directory of the store.
func (c *LocalFSStore) BasePath() string {
	return c.basePath
}

// Close implements Store.
func (c *LocalFSStore) Close() error {
	return nil
}
