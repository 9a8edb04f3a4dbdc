package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/pathres"
)

func TestResolve(t *testing.T) {
	var out bytes.Buffer
	err := resolve(&out, pathres.NewRegistry(), "OpenNeuro", "", "ds006486", "1.0.0")
	require.NoError(t, err)

	assert.Contains(t, out.String(), "download path: ds006486_v1.0.0")
	assert.Contains(t, out.String(), "s3://openneuro.org/ds006486/")
}

func TestResolveErrors(t *testing.T) {
	var out bytes.Buffer

	err := resolve(&out, pathres.NewRegistry(), "openneuro", "", "", "1.0.0")
	assert.Error(t, err)

	err = resolve(&out, pathres.NewRegistry(), "figshare", "", "ds1", "1")
	assert.True(t, errors.Is(err, domain.ErrUnsupportedProvider))
	assert.Empty(t, out.String())
}

func TestPrintProgress(t *testing.T) {
	var out bytes.Buffer
	printProgress(&out, domain.DownloadProgress{
		TaskID:         "t1",
		Status:         domain.StatusDownloading,
		Progress:       42,
		CompletedFiles: 1,
		TotalFiles:     3,
		DownloadedSize: 10,
		TotalSize:      30,
		CurrentFile:    "sub-01/anat.nii.gz",
	})
	printProgress(&out, domain.DownloadProgress{
		TaskID: "t2",
		Status: domain.StatusFailed,
		Error:  "download cancelled",
	})

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "t1 downloading  42% 1/3 files 10/30 bytes sub-01/anat.nii.gz", string(lines[0]))
	assert.Contains(t, string(lines[1]), "error: download cancelled")
}

func TestTestConnectionCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "collector.yaml")
	target := filepath.Join(dir, "downloads")
	cfg := "data_dir: " + dir + "\nlocations:\n  - id: disk\n    name: Disk\n    type: local\n    path: " + target + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "test-connection", "disk"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "is writable")
	assert.DirExists(t, target)

	cmd = NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "test-connection", "missing"})
	err := cmd.Execute()
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
