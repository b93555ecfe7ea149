// Package srtm serves elevation samples from SRTM .hgt tiles.
//
// A tile covers one degree square and is named by its south-west corner
// (N40W074.hgt). Samples are big-endian int16 metres stored row by row from
// the north edge, with -32768 marking a void. SRTM3 tiles are 1201x1201 and
// SRTM1 tiles 3601x3601; adjacent tiles share their edge row and column.
package srtm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Void marks a sample with no data.
const Void int16 = -32768

// Supported edge lengths.
const (
	SRTM3Size = 1201
	SRTM1Size = 3601
)

// TileName is the file stem for the 1° cell whose south-west corner is
// (lat, lon), e.g. N40W074.
func TileName(lat, lon int) string {
	ns, ew := 'N', 'E'
	if lat < 0 {
		ns, lat = 'S', -lat
	}
	if lon < 0 {
		ew, lon = 'W', -lon
	}
	return fmt.Sprintf("%c%02d%c%03d", ns, lat, ew, lon)
}

// hgtTile is a decoded 1° cell.
type hgtTile struct {
	lat, lon int
	size     int
	data     []int16
}

func (t *hgtTile) at(row, col int) int16 {
	return t.data[row*t.size+col]
}

func parseHGT(lat, lon int, b []byte) (*hgtTile, error) {
	var size int
	switch len(b) {
	case SRTM3Size * SRTM3Size * 2:
		size = SRTM3Size
	case SRTM1Size * SRTM1Size * 2:
		size = SRTM1Size
	default:
		return nil, fmt.Errorf("hgt %s: unexpected size %d bytes", TileName(lat, lon), len(b))
	}
	data := make([]int16, size*size)
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, data); err != nil {
		return nil, fmt.Errorf("hgt %s: %w", TileName(lat, lon), err)
	}
	return &hgtTile{lat: lat, lon: lon, size: size, data: data}, nil
}

// unzipHGT extracts the .hgt member of a single-tile archive.
func unzipHGT(b []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open hgt zip: %w", err)
	}
	for _, f := range zr.File {
		base := path.Base(f.Name)
		if strings.HasPrefix(base, ".") || !strings.HasSuffix(strings.ToLower(base), ".hgt") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("hgt zip: no .hgt member")
}

// WriteHGT encodes a size*size sample grid in .hgt layout.
func WriteHGT(w io.Writer, size int, samples []int16) error {
	if size != SRTM3Size && size != SRTM1Size {
		return fmt.Errorf("hgt: unsupported size %d", size)
	}
	if len(samples) != size*size {
		return fmt.Errorf("hgt: got %d samples, want %d", len(samples), size*size)
	}
	return binary.Write(w, binary.BigEndian, samples)
}

// WriteHGTZip writes a single-member archive holding name.hgt.
func WriteHGTZip(w io.Writer, name string, size int, samples []int16) error {
	zw := zip.NewWriter(w)
	fw, err := zw.Create(name + ".hgt")
	if err != nil {
		return err
	}
	if err := WriteHGT(fw, size, samples); err != nil {
		return err
	}
	return zw.Close()
}
