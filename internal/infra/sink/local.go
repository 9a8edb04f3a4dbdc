package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDiskFull         = errors.New("disk full")
	ErrPathTooLong      = errors.New("path too long")
)

type localSink struct {
	root string
}

// NewLocalSink writes objects below root, creating it on Prepare.
func NewLocalSink(root string) (*localSink, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local sink: root is empty")
	}
	return &localSink{root: filepath.Clean(root)}, nil
}

func (s *localSink) Root() string { return s.root }

func (s *localSink) Prepare(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create destination %s: %w", s.root, classify(err))
	}
	return nil
}

// Put streams r into relPath through a temp file, so a failed object never
// leaves a truncated file under its final name.
func (s *localSink) Put(ctx context.Context, relPath string, r io.Reader, size int64) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(relPath)
	if err != nil {
		return 0, err
	}

	// concurrent workers may create the same parent; MkdirAll tolerates that
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", filepath.Dir(fullPath), classify(err))
	}

	tempPath := fullPath + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", relPath, classify(err))
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	written, err := io.Copy(f, r)
	if err != nil {
		return written, fmt.Errorf("write %s: %w", relPath, classify(err))
	}
	if size > 0 && written != size {
		return written, fmt.Errorf("write %s: short read, got %d of %d bytes", relPath, written, size)
	}

	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", relPath, classify(err))
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return written, fmt.Errorf("rename %s: %w", relPath, classify(err))
	}

	return written, nil
}

func (s *localSink) fullFilePath(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(relPath, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid filename: %s", relPath)
	}

	return filepath.Join(s.root, clean), nil
}

// classify tags OS errors with the kind a user can act on. The original error
// stays in the chain.
func classify(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %w", ErrDiskFull, err)
	case errors.Is(err, syscall.ENAMETOOLONG):
		return fmt.Errorf("%w: %w", ErrPathTooLong, err)
	default:
		return err
	}
}
