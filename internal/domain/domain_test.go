package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusPaused, true},
		{StatusPaused, StatusDownloading, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusDownloading, true},
		{StatusDownloading, StatusDownloading, true},
		{StatusCompleted, StatusDownloading, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusPaused, false},
		{StatusPending, StatusCompleted, false},
		{StatusPaused, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusDownloading.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, TaskStatus("unknown").Valid())
}

func TestStorageLocationRef(t *testing.T) {
	local := StorageLocation{ID: "l1", Name: "Disk", Type: LocationLocal, Path: "/data"}
	assert.Equal(t, StorageLocationRef{ID: "l1", Name: "Disk", Type: LocationLocal, Path: "/data"}, local.Ref())

	s3 := StorageLocation{ID: "s1", Name: "Lab", Type: LocationS3, Bucket: "lab", Path: "mirror", AccessKeyID: "k"}
	assert.Equal(t, "lab/mirror", s3.Ref().Path)
}

func TestErrNoFilesFoundIsListingError(t *testing.T) {
	assert.ErrorIs(t, ErrNoFilesFound, ErrListing)
	assert.Contains(t, ErrNoFilesFound.Error(), "no files found")
}
