package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/archival"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const fullConfig = `
log:
  level: debug
  format: json
source:
  type: remote
  remote_url: s3://checkpoints/mainnet
  options:
    region: eu-west-1
progress:
  type: redis
  redis:
    addr: localhost:6379
    prefix: chkpipe
executor:
  max_checkpoints_in_progress: 2000
archival:
  enabled: true
  remote_url: gs://archive/mainnet
  commit_duration: 5m
analytics:
  - handler: event
    output_url: file:///tmp/analytics
    max_checkpoints_per_file: 100
    time_interval: 30s
    sink:
      type: parquet
      compression: zstd
  - name: objects-pg
    handler: object
    package_store_path: /var/lib/chkpipe/packages.db
    sink:
      type: postgres
      dsn: postgres://localhost/analytics
      batch_size: 250
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "s3://checkpoints/mainnet", cfg.Source.RemoteURL)
	assert.Equal(t, "eu-west-1", cfg.Source.Options["region"])
	assert.Equal(t, 1000, cfg.Source.BufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Source.InitialBackoff)
	assert.Equal(t, "localhost:6379", cfg.Progress.Redis.Addr)
	assert.Equal(t, uint64(2000), cfg.Executor.MaxCheckpointsInProgress)

	assert.True(t, cfg.Archival.Enabled)
	assert.Equal(t, "archival", cfg.Archival.Name)
	assert.Equal(t, 5*time.Minute, cfg.Archival.CommitDuration)
	assert.Equal(t, archival.DefaultCommitFileSize, cfg.Archival.CommitFileSize)

	require.Len(t, cfg.Analytics, 2)
	events := cfg.Analytics[0]
	assert.Equal(t, "event", events.Name)
	assert.Equal(t, uint64(100), events.MaxCheckpointsPerFile)
	assert.Equal(t, 30*time.Second, events.TimeInterval)
	assert.Equal(t, "zstd", events.Sink.Compression)
	objects := cfg.Analytics[1]
	assert.Equal(t, "objects-pg", objects.Name)
	assert.Equal(t, 250, objects.Sink.BatchSize)
	assert.Equal(t, "/var/lib/chkpipe/packages.db", objects.PackageStorePath)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "source:\n  path: /data/checkpoints\narchival:\n  enabled: true\n  remote_url: memory://\n"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Source.Type)
	assert.Equal(t, "file", cfg.Progress.Type)
	assert.Equal(t, "progress.json", cfg.Progress.Path)
	assert.Equal(t, uint64(ingestion.MaxCheckpointsInProgress), cfg.Executor.MaxCheckpointsInProgress)
	assert.Equal(t, ":9184", cfg.Metrics.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.Alerts.Cooldown)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHKPIPE_SOURCE_PATH", "/mnt/override")
	t.Setenv("CHKPIPE_PROGRESS_TYPE", "memory")
	cfg, err := Load(writeConfig(t, "source:\n  path: /data/checkpoints\narchival:\n  enabled: true\n  remote_url: memory://\n"))
	require.NoError(t, err)
	assert.Equal(t, "/mnt/override", cfg.Source.Path)
	assert.Equal(t, "memory", cfg.Progress.Type)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "no workers",
			body:  "source:\n  path: /data\n",
			field: "archival.enabled",
		},
		{
			name:  "remote source without url",
			body:  "source:\n  type: remote\narchival:\n  enabled: true\n  remote_url: memory://\n",
			field: "source.remote_url",
		},
		{
			name:  "unknown progress store",
			body:  "source:\n  path: /data\nprogress:\n  type: etcd\narchival:\n  enabled: true\n  remote_url: memory://\n",
			field: "progress.type",
		},
		{
			name:  "unknown handler",
			body:  "source:\n  path: /data\nanalytics:\n  - handler: balances\n    output_url: memory://\n",
			field: "analytics[0].handler",
		},
		{
			name:  "database sink without dsn",
			body:  "source:\n  path: /data\nanalytics:\n  - handler: event\n    sink:\n      type: clickhouse\n",
			field: "analytics[0].sink.dsn",
		},
		{
			name:  "file larger than half the window",
			body:  "source:\n  path: /data\nexecutor:\n  max_checkpoints_in_progress: 10\nanalytics:\n  - handler: event\n    output_url: memory://\n    max_checkpoints_per_file: 6\n",
			field: "analytics[0].max_checkpoints_per_file",
		},
		{
			name:  "window too small for archival",
			body:  "source:\n  path: /data\nexecutor:\n  max_checkpoints_in_progress: 2\narchival:\n  enabled: true\n  remote_url: memory://\n",
			field: "executor.max_checkpoints_in_progress",
		},
		{
			name:  "duplicate names",
			body:  "source:\n  path: /data\nanalytics:\n  - handler: event\n    output_url: memory://\n  - handler: event\n    output_url: memory://\n",
			field: "analytics[1].name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			var fields []string
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestLoadSmallestWindow(t *testing.T) {
	cfg, err := Load(writeConfig(t, "source:\n  path: /data\nexecutor:\n  max_checkpoints_in_progress: 3\narchival:\n  enabled: true\n  remote_url: memory://\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(archival.MinCheckpointsInProgress), cfg.Executor.MaxCheckpointsInProgress)
}

func TestYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)

	var settings map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &settings))
	source := settings["source"].(map[string]interface{})
	assert.Equal(t, "remote", source["type"])
	assert.Equal(t, 1000, source["buffer_size"])
}
