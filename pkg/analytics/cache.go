package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

// PackageStore durably keeps published packages.
type PackageStore interface {
	GetPackage(ctx context.Context, id string) (*ledger.MovePackage, error)
	PutPackage(ctx context.Context, pkg *ledger.MovePackage) error
	Close() error
}

// PackageCache holds every package seen in the checkpoint stream. Entries
// are never evicted. When a store is configured, new packages are written
// through to it and misses are served from it.
type PackageCache struct {
	store PackageStore

	mu       sync.RWMutex
	packages map[string]*ledger.MovePackage
}

// NewPackageCache creates a cache; store may be nil.
func NewPackageCache(store PackageStore) *PackageCache {
	return &PackageCache{
		store:    store,
		packages: make(map[string]*ledger.MovePackage),
	}
}

// Update records obj if it is a package.
func (c *PackageCache) Update(ctx context.Context, obj *ledger.Object) error {
	if !obj.IsPackage() {
		return nil
	}
	pkg := obj.Data.Package
	key := ledger.NormalizeAddress(pkg.ID)

	c.mu.RLock()
	_, known := c.packages[key]
	c.mu.RUnlock()
	if known {
		return nil
	}
	if c.store != nil {
		if err := c.store.PutPackage(ctx, pkg); err != nil {
			return errors.Wrapf(err, "failed to store package %s", pkg.ID)
		}
	}
	c.mu.Lock()
	c.packages[key] = pkg
	c.mu.Unlock()
	return nil
}

// GetPackage implements move.PackageProvider.
func (c *PackageCache) GetPackage(ctx context.Context, id string) (*ledger.MovePackage, error) {
	key := ledger.NormalizeAddress(id)
	c.mu.RLock()
	pkg, ok := c.packages[key]
	c.mu.RUnlock()
	if ok {
		return pkg, nil
	}
	if c.store == nil {
		return nil, errors.Wrapf(move.ErrPackageNotFound, "package %s", id)
	}
	pkg, err := c.store.GetPackage(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.packages[key] = pkg
	c.mu.Unlock()
	return pkg, nil
}

// Len returns the number of cached packages.
func (c *PackageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.packages)
}

// SQLitePackageStore keeps packages in a local SQLite database so a restarted
// pipeline can decode objects of packages published before its start point.
type SQLitePackageStore struct {
	db *sql.DB
}

func NewSQLitePackageStore(path string) (*SQLitePackageStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set SQLite pragmas: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS packages (
			package_id TEXT NOT NULL PRIMARY KEY,
			version INTEGER NOT NULL,
			data BLOB NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create packages table: %w", err)
	}
	return &SQLitePackageStore{db: db}, nil
}

func (s *SQLitePackageStore) GetPackage(ctx context.Context, id string) (*ledger.MovePackage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM packages WHERE package_id = ?`, ledger.NormalizeAddress(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(move.ErrPackageNotFound, "package %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load package %s", id)
	}
	var pkg ledger.MovePackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode package %s", id)
	}
	return &pkg, nil
}

func (s *SQLitePackageStore) PutPackage(ctx context.Context, pkg *ledger.MovePackage) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode package %s", pkg.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO packages (package_id, version, data) VALUES (?, ?, ?) ON CONFLICT (package_id) DO NOTHING`,
		ledger.NormalizeAddress(pkg.ID), int64(pkg.Version), data)
	return err
}

func (s *SQLitePackageStore) Close() error {
	return s.db.Close()
}
