package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for paths that would escape the storage root.
var ErrInvalidPath = errors.New("invalid storage path")

// FileStorage stores generated and uploaded files. Paths handed in and out
// are slash-separated and relative to the storage root, so they can be
// persisted in the database and served under /uploads unchanged.
type FileStorage interface {
	Save(ctx context.Context, dir, filename string, r io.Reader) (string, error)
	Open(ctx context.Context, relPath string) (io.ReadCloser, error)
	Delete(ctx context.Context, relPath string) error
}

// LocalStorage stores files on the local filesystem.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// Root returns the directory files are stored under.
func (s *LocalStorage) Root() string {
	return s.basePath
}

func (s *LocalStorage) resolve(relPath string) (string, error) {
	if relPath == "" || path.IsAbs(relPath) || strings.Contains(relPath, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	clean := path.Clean(relPath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

func (s *LocalStorage) Save(_ context.Context, dir, filename string, reader io.Reader) (string, error) {
	if strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidPath, filename)
	}
	relPath := path.Join(dir, filename)
	full, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("write file: %w", err)
	}
	return relPath, nil
}

func (s *LocalStorage) Open(_ context.Context, relPath string) (io.ReadCloser, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the file. A file that is already gone is not an error.
func (s *LocalStorage) Delete(_ context.Context, relPath string) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
