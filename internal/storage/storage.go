package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BookStore writes assembled books to the local filesystem.
type BookStore struct {
	baseDir string
}

// NewBookStore constructs a filesystem-backed book store rooted at baseDir.
func NewBookStore(baseDir string) (*BookStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create book directory: %w", err)
	}
	return &BookStore{baseDir: baseDir}, nil
}

// Dir returns the directory books are written to.
func (s *BookStore) Dir() string { return s.baseDir }

// Save persists the assembled document under the suggested filename and
// returns the full path. Existing books are never overwritten; name
// collisions get a numeric suffix. The write goes through a temp file so a
// crash cannot leave a truncated book behind.
func (s *BookStore) Save(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to save empty book %q", filename)
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == ".." || filename == string(filepath.Separator) {
		return "", fmt.Errorf("invalid book filename %q", filename)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".book-*")
	if err != nil {
		return "", fmt.Errorf("create temp book file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write book file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close book file: %w", err)
	}

	path := s.uniquePath(filename)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalize book file: %w", err)
	}
	return path, nil
}

func (s *BookStore) uniquePath(filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 0; ; i++ {
		name := stem + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		full := filepath.Join(s.baseDir, name)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			return full
		}
	}
}
