package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/datacollector/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "file", cfg.TaskStore.Backend)
	assert.Equal(t, 1, cfg.Transfer.WorkersPerTask)
	assert.Equal(t, 2, cfg.Transfer.MaxPerDestination)
	assert.Equal(t, filepath.Join(cfg.DataDir, "collection_tasks.json"), cfg.TaskStore.Path)
	assert.False(t, cfg.NATS.Enabled())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
addr: ":9090"
log_level: debug
shutdown_timeout: 3s
data_dir: `+dir+`
transfer:
  workers_per_task: 4
  max_per_destination: 1
  retry:
    max_retries: 2
    initial_interval: 100ms
nats:
  url: nats://localhost:4222
  start_subject: collector.start
locations:
  - id: disk
    name: Local disk
    type: local
    path: /srv/data
  - id: lab
    name: Lab bucket
    type: s3
    bucket: lab
    endpoint: minio.lab:9000
    access_key_id: key
    secret_access_key: secret
providers:
  - name: dandi
    short_code: DA
    bucket: dandiarchive
    endpoint: s3.amazonaws.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, filepath.Join(dir, "collection_tasks.json"), cfg.TaskStore.Path)
	assert.Equal(t, 4, cfg.Transfer.WorkersPerTask)
	assert.Equal(t, 100*time.Millisecond, cfg.Transfer.Retry.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.Transfer.Retry.MaxInterval)
	assert.True(t, cfg.NATS.QueueEnabled())
	assert.Equal(t, "collector.progress", cfg.NATS.ProgressSubject)

	require.Len(t, cfg.Locations, 2)
	assert.Equal(t, domain.LocationS3, cfg.Locations[1].Type)
	assert.Equal(t, "secret", cfg.Locations[1].SecretAccessKey)

	lab, ok := cfg.Location("lab")
	require.True(t, ok)
	assert.Equal(t, "minio.lab:9000", lab.Endpoint)
	_, ok = cfg.Location("nope")
	assert.False(t, ok)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "DA", cfg.Providers[0].ShortCode)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown backend",
			body: "task_store:\n  backend: sqlite\n",
			want: "unknown task_store.backend",
		},
		{
			name: "redis without addr",
			body: "task_store:\n  backend: redis\n",
			want: "redis.addr is empty",
		},
		{
			name: "duplicate location",
			body: "locations:\n  - {id: a, type: local, path: /a}\n  - {id: a, type: local, path: /b}\n",
			want: "duplicate location id",
		},
		{
			name: "s3 without bucket",
			body: "locations:\n  - {id: a, type: s3, endpoint: x}\n",
			want: "needs bucket and endpoint",
		},
		{
			name: "bad workers",
			body: "transfer:\n  workers_per_task: 0\n",
			want: "workers_per_task must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read file")
}
