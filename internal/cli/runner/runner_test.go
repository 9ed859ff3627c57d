package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-pipeline/internal/alert"
	"github.com/withObsrvr/checkpoint-pipeline/internal/config"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/analytics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/archival"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger/ledgertest"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

func writeCheckpoints(t *testing.T, dir string, checkpoints []*ledger.CheckpointData) {
	t.Helper()
	for _, cp := range checkpoints {
		raw, err := ledger.EncodeCheckpointFile(cp)
		require.NoError(t, err)
		name := filepath.Join(dir, ingestion.CheckpointFileName(cp.Summary.SequenceNumber))
		require.NoError(t, os.WriteFile(name, raw, 0o644))
	}
}

func testConfig(t *testing.T) (*config.Config, string, string) {
	t.Helper()
	root := t.TempDir()
	sourceDir := filepath.Join(root, "checkpoints")
	archiveDir := filepath.Join(root, "archive")
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))

	return &config.Config{
		Log: config.LogConfig{Level: "info", Format: "text"},
		Source: config.SourceConfig{
			Type:           "local",
			Path:           sourceDir,
			BufferSize:     8,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
		Progress: config.ProgressConfig{Type: "memory"},
		Executor: config.ExecutorConfig{
			MaxCheckpointsInProgress: 100,
			ProgressRetryInitial:     time.Millisecond,
			ProgressRetryMax:         10 * time.Millisecond,
		},
		Archival: config.ArchivalConfig{
			Enabled:   true,
			Name:      "archival",
			RemoteURL: "file://" + archiveDir,
		},
		Analytics: []config.AnalyticsConfig{{
			Name:         "events",
			Handler:      "event",
			OutputURL:    "memory://",
			Sink:         analytics.SinkConfig{Type: "csv"},
			WorkerConfig: analytics.WorkerConfig{MaxCheckpointsPerFile: 2},
		}},
	}, sourceDir, archiveDir
}

func TestBuildRegistersWorkflows(t *testing.T) {
	cfg, _, _ := testConfig(t)
	r := NewWithConfig(Options{}, cfg)
	p, err := r.Build(context.Background())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"archival", "events"}, p.Workflows)
	assert.NotNil(t, p.Reader)
	assert.Equal(t, 8, p.Reader.BufferSize())
}

func TestBuildRejectsUnknownHandler(t *testing.T) {
	cfg, _, _ := testConfig(t)
	cfg.Analytics[0].Handler = "balances"
	_, err := NewWithConfig(Options{}, cfg).Build(context.Background())
	assert.ErrorContains(t, err, "unknown analytics handler")
}

func TestDryRun(t *testing.T) {
	cfg, _, _ := testConfig(t)
	r := NewWithConfig(Options{DryRun: true}, cfg)
	assert.NoError(t, r.Run(context.Background()))
}

func TestRunArchivesAndExportsUntilCancelled(t *testing.T) {
	cfg, sourceDir, archiveDir := testConfig(t)
	writeCheckpoints(t, sourceDir, ledgertest.Range(0, 5, 0))

	store := progress.NewMemoryStore()
	r := NewWithConfig(Options{}, cfg)
	r.openProgress = func(ctx context.Context, cfg config.ProgressConfig) (progress.Store, error) {
		return store, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.Snapshot()["events"] == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, uint64(4), store.Snapshot()["events"])

	archive, err := storage.NewLocalFSStore(archiveDir)
	require.NoError(t, err)
	report, err := archival.Verify(context.Background(), archive)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), report.Coverage.End)
}

func TestBuildAlerter(t *testing.T) {
	a, err := buildAlerter(config.AlertsConfig{})
	require.NoError(t, err)
	assert.Equal(t, alert.Nop{}, a)

	a, err = buildAlerter(config.AlertsConfig{
		Cooldown: time.Minute,
		Email:    config.EmailConfig{APIKey: "key", From: "pipeline@example.com", To: []string{"ops@example.com"}},
	})
	require.NoError(t, err)
	assert.IsType(t, &alert.MultiAlerter{}, a)
}

func TestOpenProgressStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenProgressStore(ctx, config.ProgressConfig{Type: "file", Path: filepath.Join(t.TempDir(), "progress.json")})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "archival", 41))
	seq, ok, err := s.Get(ctx, "archival")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(41), seq)

	_, err = OpenProgressStore(ctx, config.ProgressConfig{Type: "etcd"})
	assert.Error(t, err)
}
