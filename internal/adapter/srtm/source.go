package srtm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Source loads the raw .hgt bytes of one 1° cell. A cell the source does
// not hold fails with an error matching fs.ErrNotExist.
type Source interface {
	Name() string
	Load(ctx context.Context, lat, lon int) ([]byte, error)
}

// DirSource reads N40W074.hgt or N40W074.hgt.zip from a local directory.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Name() string { return "dir" }

func (s *DirSource) Load(_ context.Context, lat, lon int) ([]byte, error) {
	name := TileName(lat, lon)
	b, err := os.ReadFile(filepath.Join(s.dir, name+".hgt"))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	z, err := os.ReadFile(filepath.Join(s.dir, name+".hgt.zip"))
	if err != nil {
		return nil, err
	}
	return unzipHGT(z)
}

// HTTPSource fetches name.hgt.zip from a mirror.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSource creates a mirror client rooted at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) Load(ctx context.Context, lat, lon int) ([]byte, error) {
	name := TileName(lat, lon)
	u := fmt.Sprintf("%s/%s.hgt.zip", s.baseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Mirrors hold no files for open ocean.
		return nil, fmt.Errorf("fetch %s: %w", name, fs.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("srtm mirror error: status %d: %s", resp.StatusCode, body)
	}

	z, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	s.logger.Debug("srtm tile downloaded", "tile", name, "bytes", len(z))
	return unzipHGT(z)
}
