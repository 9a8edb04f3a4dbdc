package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/datacollector/internal/domain"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestDependencyInjectorWiresFileStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "collector.yaml")
	cfg := "data_dir: " + dir + "\n" +
		"log_level: warn\n" +
		"locations:\n" +
		"  - id: disk\n" +
		"    name: Disk\n" +
		"    type: local\n" +
		"    path: " + filepath.Join(dir, "downloads") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	ctx := context.Background()
	di := newDI(cfgPath)
	di.Logger()

	orch := di.Orchestrator(ctx)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	assert.Nil(t, di.TaskQueue(ctx), "queue needs a start subject")
	assert.Nil(t, di.Dispatcher(ctx))
	assert.NotNil(t, di.Router(ctx))

	tasks, err := orch.CreateTasks(ctx, domain.Dataset{
		ID:       "ds000001",
		Provider: "openneuro",
		Version:  "1.0.0",
	}, []string{"disk"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	assert.FileExists(t, filepath.Join(dir, "collection_tasks.json"))

	again := newDI(cfgPath)
	list, err := again.TaskStore(ctx).List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tasks[0].ID, list[0].ID)
}
