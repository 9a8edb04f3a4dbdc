package domain

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusPaused      TaskStatus = "paused"
)

// IsTerminal reports whether no progress event may change the status any more.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:      {StatusDownloading, StatusFailed},
	StatusFailed:      {StatusPending, StatusDownloading},
	StatusCompleted:   nil,
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same status is always allowed except for terminal ones.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type LocationType string

const (
	LocationLocal LocationType = "local"
	LocationS3    LocationType = "s3"
)

// StorageLocationRef is the copy of a storage location kept inside a task.
type StorageLocationRef struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type LocationType `json:"type"`
	Path string       `json:"path"`
}

// StorageLocation is a configured destination with its live credentials.
type StorageLocation struct {
	ID              string       `json:"id" yaml:"id"`
	Name            string       `json:"name" yaml:"name"`
	Type            LocationType `json:"type" yaml:"type"`
	Path            string       `json:"path" yaml:"path"`
	Bucket          string       `json:"bucket,omitempty" yaml:"bucket"`
	Endpoint        string       `json:"endpoint,omitempty" yaml:"endpoint"`
	Region          string       `json:"region,omitempty" yaml:"region"`
	UseSSL          bool         `json:"use_ssl,omitempty" yaml:"use_ssl"`
	AccessKeyID     string       `json:"-" yaml:"access_key_id"`
	SecretAccessKey string       `json:"-" yaml:"secret_access_key"`
}

func (l StorageLocation) Ref() StorageLocationRef {
	path := l.Path
	if l.Type == LocationS3 && l.Bucket != "" {
		path = l.Bucket
		if l.Path != "" {
			path += "/" + l.Path
		}
	}
	return StorageLocationRef{
		ID:   l.ID,
		Name: l.Name,
		Type: l.Type,
		Path: path,
	}
}

// Dataset is the catalog snapshot handed over by the dataset browser.
type Dataset struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Identifier string `json:"identifier,omitempty"`
	Provider   string `json:"provider"`
	Version    string `json:"version"`
}

const CurrentSchemaVersion = 2

type CollectionTask struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schema_version"`

	DatasetID         string `json:"dataset_id"`
	DatasetName       string `json:"dataset_name"`
	DatasetProvider   string `json:"dataset_provider"`
	DatasetIdentifier string `json:"dataset_identifier,omitempty"`
	DatasetVersion    string `json:"dataset_version"`

	DownloadPath string             `json:"download_path"`
	Destination  StorageLocationRef `json:"destination"`

	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	TotalSize      int64      `json:"total_size"`
	DownloadedSize int64      `json:"downloaded_size"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	// RequireStatus makes the update a no-op unless the stored task is in this status.
	RequireStatus *TaskStatus

	Status         *TaskStatus
	Progress       *int
	TotalSize      *int64
	DownloadedSize *int64
	ErrorMessage   *string
	DownloadPath   *string
	SchemaVersion  *int

	// Reset clears progress, sizes and error (retry).
	Reset bool
}

type DownloadProgress struct {
	TaskID         string     `json:"task_id"`
	RunID          string     `json:"run_id,omitempty"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	TotalSize      int64      `json:"total_size"`
	DownloadedSize int64      `json:"downloaded_size"`
	CurrentFile    string     `json:"current_file,omitempty"`
	CompletedFiles int        `json:"completed_files"`
	TotalFiles     int        `json:"total_files"`
	Error          string     `json:"error,omitempty"`
	// Stale marks a stored "downloading" snapshot that no live executor backs.
	Stale bool `json:"stale,omitempty"`
}

func ProgressFromTask(t CollectionTask) DownloadProgress {
	return DownloadProgress{
		TaskID:         t.ID,
		Status:         t.Status,
		Progress:       t.Progress,
		TotalSize:      t.TotalSize,
		DownloadedSize: t.DownloadedSize,
		Error:          t.ErrorMessage,
		Stale:          t.Status == StatusDownloading,
	}
}

type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTaskRunning         = errors.New("task is already running")
	ErrConfiguration       = errors.New("configuration error")
	ErrListing             = errors.New("listing error")
	ErrNoFilesFound        = fmt.Errorf("%w: no files found", ErrListing)
	ErrTransfer            = errors.New("transfer error")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrCancelled           = errors.New("download cancelled")
)

type CreateTasksRequest struct {
	Dataset     Dataset  `json:"dataset"`
	LocationIDs []string `json:"location_ids"`
	AutoStart   bool     `json:"auto_start,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
