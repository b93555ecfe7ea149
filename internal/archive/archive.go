// Package archive packs encoded tiles into the downloadable zip container.
//
// Entries are the TileBlocks in row-major order, each named by its
// coordinate (N0400W00740.DAT), followed by manifest.json. The consumer can
// locate a tile by name without parsing headers; the manifest repeats the
// coordinate and checksum of every entry.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

// ManifestName is the archive entry holding the Manifest.
const ManifestName = "manifest.json"

// Manifest describes the contents of one archive.
type Manifest struct {
	JobID           string                  `json:"job_id"`
	Version         domain.FormatVersion    `json:"version"`
	CreatedAt       time.Time               `json:"created_at"`
	Tiles           []TileEntry             `json:"tiles"`
	Missing         []domain.TileCoordinate `json:"missing,omitempty"`
	PartialCoverage bool                    `json:"partial_coverage"`
	OutsideLat      bool                    `json:"outside_lat"`
}

// TileEntry is the manifest record of one encoded tile.
type TileEntry struct {
	Name   string `json:"name"`
	LatIdx int32  `json:"lat_idx"`
	LonIdx int32  `json:"lon_idx"`
	Size   int    `json:"size"`
	Voids  int    `json:"voids"`
	CRC32C string `json:"crc32c"`
}

// Write streams blocks to w as a zip archive in the order given, then
// appends the manifest. m.Tiles is filled in from blocks; every block must
// carry m.Version. Entry timestamps are m.CreatedAt so equal inputs give
// equal archives.
func Write(w io.Writer, m Manifest, blocks []domain.TileBlock) error {
	zw := zip.NewWriter(w)
	m.Tiles = make([]TileEntry, 0, len(blocks))

	for _, b := range blocks {
		if b.Version != m.Version {
			return fmt.Errorf("archive %s: tile %s is %s, archive is %s", m.JobID, b.Name(), b.Version, m.Version)
		}
		if err := writeEntry(zw, b.Name(), m.CreatedAt, b.Data); err != nil {
			return fmt.Errorf("archive %s: %w", m.JobID, err)
		}
		m.Tiles = append(m.Tiles, TileEntry{
			Name:   b.Name(),
			LatIdx: b.Coord.LatIdx,
			LonIdx: b.Coord.LonIdx,
			Size:   len(b.Data),
			Voids:  b.Voids,
			CRC32C: trailerCRC(b.Data),
		})
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("archive %s: marshal manifest: %w", m.JobID, err)
	}
	if err := writeEntry(zw, ManifestName, m.CreatedAt, body); err != nil {
		return fmt.Errorf("archive %s: %w", m.JobID, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive %s: close: %w", m.JobID, err)
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, modified time.Time, data []byte) error {
	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// trailerCRC renders the block's stored checksum as hex.
func trailerCRC(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(data[len(data)-4:]))
}
