package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Backend persists archive bytes by id. It does no expiry accounting of
// its own; the Store decides what lives and for how long.
type Backend interface {
	Write(id string, data []byte) error
	Open(id string) (io.ReadCloser, error)
	Remove(id string) error
	// List reports every stored archive, used to rebuild the index after a
	// restart.
	List() ([]Stat, error)
}

// Stat describes one stored archive.
type Stat struct {
	ID      string
	Size    int64
	ModTime time.Time
}

const archiveExt = ".zip"

// FSBackend stores each archive as <dir>/<id>.zip.
type FSBackend struct {
	dir string
}

// NewFSBackend creates dir if needed.
func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSBackend{dir: dir}, nil
}

func (b *FSBackend) path(id string) string {
	return filepath.Join(b.dir, id+archiveExt)
}

// Write stores data atomically: readers see either no file or all of it.
func (b *FSBackend) Write(id string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", id, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write artifact %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), b.path(id)); err != nil {
		return fmt.Errorf("write artifact %s: %w", id, err)
	}
	return nil
}

func (b *FSBackend) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", id, err)
	}
	return f, nil
}

func (b *FSBackend) Remove(id string) error {
	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", id, err)
	}
	return nil
}

func (b *FSBackend) List() ([]Stat, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]Stat, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Stat{
			ID:      strings.TrimSuffix(name, archiveExt),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// MemoryBackend keeps archives in a map. Nothing survives a restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (b *MemoryBackend) Write(id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[id] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Open(id string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[id]
	if !ok {
		return nil, fmt.Errorf("open artifact %s: %w", id, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBackend) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, id)
	return nil
}

func (b *MemoryBackend) List() ([]Stat, error) {
	return nil, nil
}
