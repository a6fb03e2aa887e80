package filestor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/multierr"
)

var ErrNotFound = errors.New("target file not found")

// Store holds the content of a single target file.
type Store interface {
	Save(ctx context.Context, content []byte) error
	Load(ctx context.Context) ([]byte, error)
	Path() string
}

// DiskStore overwrites one file on local disk. Saves are serialized so
// concurrent requests never interleave, the last one to finish wins.
type DiskStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*DiskStore)(nil)

func NewDiskStore(path string) *DiskStore {
	return &DiskStore{path: path}
}

func (s *DiskStore) Path() string {
	return s.path
}

func (s *DiskStore) Save(ctx context.Context, content []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", s.path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close %q: %w", s.path, cerr))
		}
	}()
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("failed to write %q: %w", s.path, err)
	}
	return nil
}

func (s *DiskStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", s.path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", s.path, err)
	}
	return content, nil
}

// MemoryStore keeps the content in process.
type MemoryStore struct {
	path    string
	content []byte
	saved   bool
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(path string) *MemoryStore {
	return &MemoryStore{path: path}
}

func (s *MemoryStore) Path() string {
	return s.path
}

func (s *MemoryStore) Save(ctx context.Context, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = append([]byte(nil), content...)
	s.saved = true
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return nil, fmt.Errorf("%q: %w", s.path, ErrNotFound)
	}
	return append([]byte(nil), s.content...), nil
}
