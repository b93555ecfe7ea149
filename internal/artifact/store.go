// Package artifact keeps finished archives for a fixed retention window.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

// DefaultTTL is the retention window for archives.
const DefaultTTL = 24 * time.Hour

// Info describes a stored archive.
type Info struct {
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store indexes archives by job id and enforces their retention window.
//
// An archive is readable until CreatedAt+TTL. After that, lookups fail with
// domain.ErrExpired even before the sweep has reclaimed its storage. Evicted
// ids are remembered for one more TTL so late downloads still see
// ErrExpired rather than ErrNotFound.
type Store struct {
	backend Backend
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	index      map[string]Info
	tombstones map[string]time.Time // id -> evicted at
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store over backend. A non-positive ttl uses DefaultTTL.
func New(backend Backend, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		backend:    backend,
		ttl:        ttl,
		clock:      clockwork.NewRealClock(),
		logger:     logger,
		metrics:    metrics,
		index:      make(map[string]Info),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL is the retention window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores data under id. Ids are never reused; storing an id twice fails.
func (s *Store) Put(id string, data []byte) (Info, error) {
	s.mu.RLock()
	_, exists := s.index[id]
	s.mu.RUnlock()
	if exists {
		return Info{}, fmt.Errorf("put artifact %s: already stored", id)
	}

	if err := s.backend.Write(id, data); err != nil {
		return Info{}, err
	}

	now := s.clock.Now()
	info := Info{ID: id, Size: int64(len(data)), CreatedAt: now, ExpiresAt: now.Add(s.ttl)}

	s.mu.Lock()
	s.index[id] = info
	delete(s.tombstones, id)
	n := len(s.index)
	s.mu.Unlock()

	s.metrics.ArtifactsStored.Set(float64(n))
	s.metrics.ArtifactBytes.Observe(float64(len(data)))
	s.logger.Debug("artifact stored", "artifact", id, "bytes", len(data), "expires_at", info.ExpiresAt)
	return info, nil
}

// Stat returns the metadata for a live archive.
func (s *Store) Stat(id string) (Info, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.index[id]; ok {
		if !now.Before(info.ExpiresAt) {
			return Info{}, fmt.Errorf("artifact %s: %w", id, domain.ErrExpired)
		}
		return info, nil
	}
	if _, ok := s.tombstones[id]; ok {
		return Info{}, fmt.Errorf("artifact %s: %w", id, domain.ErrExpired)
	}
	return Info{}, fmt.Errorf("artifact %s: %w", id, domain.ErrNotFound)
}

// Exists reports whether id is live.
func (s *Store) Exists(id string) bool {
	_, err := s.Stat(id)
	return err == nil
}

// Open streams a live archive. The caller closes the reader.
func (s *Store) Open(id string) (io.ReadCloser, Info, error) {
	info, err := s.Stat(id)
	if err != nil {
		return nil, Info{}, err
	}
	rc, err := s.backend.Open(id)
	if err != nil {
		return nil, Info{}, err
	}
	return rc, info, nil
}

// Get reads a live archive fully into memory.
func (s *Store) Get(id string) ([]byte, error) {
	rc, _, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	return data, nil
}

// Delete drops an archive before its window ends. Later lookups report
// ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.index[id]
	delete(s.index, id)
	n := len(s.index)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, domain.ErrNotFound)
	}

	s.metrics.ArtifactsStored.Set(float64(n))
	if err := s.backend.Remove(id); err != nil {
		return fmt.Errorf("remove artifact %s: %w", id, err)
	}
	s.logger.Debug("artifact deleted", "artifact", id)
	return nil
}

// Len is the number of indexed archives, expired but unswept included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// EvictExpired removes every archive past its retention window and forgets
// tombstones older than one TTL. It returns how many archives were removed.
func (s *Store) EvictExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for id, info := range s.index {
		if !now.Before(info.ExpiresAt) {
			expired = append(expired, id)
			delete(s.index, id)
			s.tombstones[id] = now
		}
	}
	for id, at := range s.tombstones {
		if now.Sub(at) >= s.ttl {
			delete(s.tombstones, id)
		}
	}
	n := len(s.index)
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.backend.Remove(id); err != nil {
			s.logger.Warn("remove expired artifact failed", "artifact", id, "error", err)
		}
	}

	s.metrics.ArtifactsStored.Set(float64(n))
	s.metrics.ArtifactsEvicted.Add(float64(len(expired)))
	if len(expired) > 0 {
		s.logger.Info("artifacts evicted", "count", len(expired), "remaining", n)
	}
	return len(expired)
}

// RunSweeper calls EvictExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("artifact sweeper started", "interval", interval, "ttl", s.ttl)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("artifact sweeper stopping", "reason", ctx.Err())
			return
		case <-ticker.Chan():
			s.EvictExpired()
		}
	}
}

// Recover indexes archives already present in the backend, dating each
// from its modification time. Archives already past the window are removed.
// It returns how many archives were recovered.
func (s *Store) Recover() (int, error) {
	stats, err := s.backend.List()
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()

	var stale []string
	recovered := 0
	s.mu.Lock()
	for _, st := range stats {
		if _, ok := s.index[st.ID]; ok {
			continue
		}
		info := Info{ID: st.ID, Size: st.Size, CreatedAt: st.ModTime, ExpiresAt: st.ModTime.Add(s.ttl)}
		if !now.Before(info.ExpiresAt) {
			stale = append(stale, st.ID)
			s.tombstones[st.ID] = now
			continue
		}
		s.index[st.ID] = info
		recovered++
	}
	n := len(s.index)
	s.mu.Unlock()

	var errs []error
	for _, id := range stale {
		if err := s.backend.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.ArtifactsStored.Set(float64(n))
	s.logger.Info("artifacts recovered", "recovered", recovered, "stale", len(stale))
	return recovered, errors.Join(errs...)
}
