package progress

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps cursors in a Postgres table keyed by workflow.
type PostgresStore struct {
	conn  pgConn
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects with a pgx pool and creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	store, err := newPostgresStore(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.pool = pool
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStore(conn pgConn, table string) (*PostgresStore, error) {
	if table == "" {
		table = "ingestion_progress"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	return &PostgresStore{conn: conn, table: table}, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		workflow TEXT PRIMARY KEY,
		sequence_number BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table))
	if err != nil {
		return errors.Wrapf(err, "failed to create table %s", s.table)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, workflow string) (uint64, bool, error) {
	var seq int64
	err := s.conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT sequence_number FROM %s WHERE workflow = $1`, s.table),
		workflow,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to read progress for %s", workflow)
	}
	return uint64(seq), true, nil
}

// Save implements Store. GREATEST keeps the cursor monotonic.
func (s *PostgresStore) Save(ctx context.Context, workflow string, seq uint64) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (workflow, sequence_number, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (workflow) DO UPDATE
		SET sequence_number = GREATEST(%[1]s.sequence_number, EXCLUDED.sequence_number),
		    updated_at = now()`, s.table),
		workflow, int64(seq),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save progress for %s", workflow)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
