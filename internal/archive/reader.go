package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/encoder"
)

// Reader gives random access to the tiles of an archive.
type Reader struct {
	zr       *zip.Reader
	files    map[string]*zip.File
	tiles    []string
	manifest Manifest
}

// Open reads the central directory and manifest of the archive in r.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	ar := &Reader{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		ar.files[f.Name] = f
		if f.Name != ManifestName {
			ar.tiles = append(ar.tiles, f.Name)
		}
	}

	mf, ok := ar.files[ManifestName]
	if !ok {
		return nil, fmt.Errorf("open archive: %s missing", ManifestName)
	}
	body, err := readFile(mf)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := json.Unmarshal(body, &ar.manifest); err != nil {
		return nil, fmt.Errorf("open archive: parse %s: %w", ManifestName, err)
	}
	return ar, nil
}

// Manifest returns the archive's manifest.
func (r *Reader) Manifest() Manifest { return r.manifest }

// Tiles lists the tile entry names in archive order.
func (r *Reader) Tiles() []string { return append([]string(nil), r.tiles...) }

// ReadTile returns the raw TileBlock stored under name.
func (r *Reader) ReadTile(name string) ([]byte, error) {
	f, ok := r.files[name]
	if !ok || name == ManifestName {
		return nil, fmt.Errorf("tile %s: %w", name, domain.ErrNotFound)
	}
	return readFile(f)
}

// Verify checks every tile against its checksum, its entry name and the
// manifest, and that tiles appear in row-major order. All problems are
// reported together.
func (r *Reader) Verify() error {
	var errs []error
	if len(r.manifest.Tiles) != len(r.tiles) {
		errs = append(errs, fmt.Errorf("manifest lists %d tiles, archive holds %d", len(r.manifest.Tiles), len(r.tiles)))
	}

	var prev *domain.TileCoordinate
	for i, name := range r.tiles {
		data, err := r.ReadTile(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h, _, err := encoder.Decode(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("tile %s: %w", name, err))
			continue
		}
		if h.Version != r.manifest.Version {
			errs = append(errs, fmt.Errorf("tile %s: version %s, manifest says %s", name, h.Version, r.manifest.Version))
		}
		if got := h.Coord.Name(); got != name {
			errs = append(errs, fmt.Errorf("tile %s: header addresses %s", name, got))
		}
		if prev != nil && !prev.Less(h.Coord) {
			errs = append(errs, fmt.Errorf("tile %s: out of row-major order after %s", name, prev.Name()))
		}
		c := h.Coord
		prev = &c

		if i < len(r.manifest.Tiles) {
			e := r.manifest.Tiles[i]
			if e.Name != name || e.CRC32C != trailerCRC(data) {
				errs = append(errs, fmt.Errorf("tile %s: manifest entry %q does not match", name, e.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return b, nil
}
