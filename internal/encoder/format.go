package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

// Magic opens every TileBlock.
var Magic = [4]byte{'A', 'T', 'R', 'N'}

// FlagVoids is set in the header when at least one sample is the sentinel.
const FlagVoids uint8 = 1 << 0

// castagnoli is the CRC-32C table the consumer verifies against.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded fixed-size block header.
type Header struct {
	Version    domain.FormatVersion
	Flags      uint8
	Rows       int
	Cols       int
	Coord      domain.TileCoordinate
	SpacingE7  int64
	TileSizeE7 int64
	Scale      int
	VoidCount  int
}

// Layout (little-endian):
//
//	0  magic [4]
//	4  version u8
//	5  flags u8
//	6  rows u16
//	8  cols u16
//	10 lat_idx i32
//	14 lon_idx i32
//	18 spacing_e7 u32
//	22 tile_size_e7 u32
//	26 reserved u16
//	V3 only:
//	28 scale u16
//	30 void_count u32
//	34 reserved u16
const (
	offVersion  = 4
	offFlags    = 5
	offRows     = 6
	offCols     = 8
	offLatIdx   = 10
	offLonIdx   = 14
	offSpacing  = 18
	offTileSize = 22
	offScale    = 28
	offVoids    = 30
)

// EncodeSamples serialises a sample grid (row-major, NaN for void) into a
// TileBlock. It is a pure function of its arguments: equal inputs give
// byte-identical blocks.
func EncodeSamples(coord domain.TileCoordinate, v domain.FormatVersion, samples []float64) (domain.TileBlock, error) {
	if !v.Valid() {
		return domain.TileBlock{}, fmt.Errorf("encode %s: unsupported version %d", coord.Name(), uint8(v))
	}
	p := v.Params()
	if len(samples) != p.Rows*p.Cols {
		return domain.TileBlock{}, fmt.Errorf("encode %s: got %d samples, want %d", coord.Name(), len(samples), p.Rows*p.Cols)
	}

	buf := make([]byte, p.BlockSize())
	payload := buf[p.HeaderSize : len(buf)-4]
	voids := 0
	for i, s := range samples {
		q := quantize(s, p)
		if q == p.Void {
			voids++
		}
		switch p.SampleBytes {
		case 2:
			binary.LittleEndian.PutUint16(payload[i*2:], uint16(int16(q)))
		case 4:
			binary.LittleEndian.PutUint32(payload[i*4:], uint32(int32(q)))
		}
	}

	putHeader(buf, p, coord, voids)
	sum := crc32.Checksum(buf[:len(buf)-4], castagnoli)
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], sum)

	return domain.TileBlock{Coord: coord, Version: v, Voids: voids, Data: buf}, nil
}

func putHeader(buf []byte, p domain.VersionParams, coord domain.TileCoordinate, voids int) {
	copy(buf, Magic[:])
	buf[offVersion] = uint8(p.Version)
	if voids > 0 {
		buf[offFlags] = FlagVoids
	}
	binary.LittleEndian.PutUint16(buf[offRows:], uint16(p.Rows))
	binary.LittleEndian.PutUint16(buf[offCols:], uint16(p.Cols))
	binary.LittleEndian.PutUint32(buf[offLatIdx:], uint32(coord.LatIdx))
	binary.LittleEndian.PutUint32(buf[offLonIdx:], uint32(coord.LonIdx))
	binary.LittleEndian.PutUint32(buf[offSpacing:], uint32(p.SpacingE7))
	binary.LittleEndian.PutUint32(buf[offTileSize:], uint32(p.TileSizeE7))
	if p.Version == domain.V3 {
		binary.LittleEndian.PutUint16(buf[offScale:], uint16(p.Scale))
		binary.LittleEndian.PutUint32(buf[offVoids:], uint32(voids))
	}
}

// quantize converts metres to the version's integer unit, keeping the
// sentinel value for voids only.
func quantize(h float64, p domain.VersionParams) int64 {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return p.Void
	}
	q := math.Round(h * float64(p.Scale))
	lo := float64(p.Void + 1)
	hi := float64(-(p.Void + 1))
	return int64(math.Max(lo, math.Min(hi, q)))
}

// Verify checks the trailing checksum of an encoded block.
func Verify(b []byte) error {
	_, _, err := Decode(b)
	return err
}

// Decode parses and verifies a TileBlock. Void samples are returned as the
// version's sentinel; multiply by 1/Scale for metres.
func Decode(b []byte) (Header, []int64, error) {
	if len(b) < offVersion+1 || !bytes.Equal(b[:4], Magic[:]) {
		return Header{}, nil, fmt.Errorf("decode tile: bad magic")
	}
	v := domain.FormatVersion(b[offVersion])
	if !v.Valid() {
		return Header{}, nil, fmt.Errorf("decode tile: unsupported version %d", b[offVersion])
	}
	p := v.Params()
	if len(b) != p.BlockSize() {
		return Header{}, nil, fmt.Errorf("decode tile: %d bytes, want %d for %s", len(b), p.BlockSize(), v)
	}

	want := binary.LittleEndian.Uint32(b[len(b)-4:])
	if got := crc32.Checksum(b[:len(b)-4], castagnoli); got != want {
		return Header{}, nil, fmt.Errorf("decode tile: crc %08x != %08x: %w", got, want, domain.ErrChecksumMismatch)
	}

	h := Header{
		Version:    v,
		Flags:      b[offFlags],
		Rows:       int(binary.LittleEndian.Uint16(b[offRows:])),
		Cols:       int(binary.LittleEndian.Uint16(b[offCols:])),
		Coord:      domain.TileCoordinate{LatIdx: int32(binary.LittleEndian.Uint32(b[offLatIdx:])), LonIdx: int32(binary.LittleEndian.Uint32(b[offLonIdx:]))},
		SpacingE7:  int64(binary.LittleEndian.Uint32(b[offSpacing:])),
		TileSizeE7: int64(binary.LittleEndian.Uint32(b[offTileSize:])),
		Scale:      1,
	}
	if h.Rows != p.Rows || h.Cols != p.Cols {
		return Header{}, nil, fmt.Errorf("decode tile: grid %dx%d, want %dx%d", h.Rows, h.Cols, p.Rows, p.Cols)
	}

	payload := b[p.HeaderSize : len(b)-4]
	samples := make([]int64, p.Rows*p.Cols)
	voids := 0
	for i := range samples {
		switch p.SampleBytes {
		case 2:
			samples[i] = int64(int16(binary.LittleEndian.Uint16(payload[i*2:])))
		case 4:
			samples[i] = int64(int32(binary.LittleEndian.Uint32(payload[i*4:])))
		}
		if samples[i] == p.Void {
			voids++
		}
	}
	h.VoidCount = voids
	if v == domain.V3 {
		h.Scale = int(binary.LittleEndian.Uint16(b[offScale:]))
		if stored := int(binary.LittleEndian.Uint32(b[offVoids:])); stored != voids {
			return Header{}, nil, fmt.Errorf("decode tile: header counts %d voids, payload has %d", stored, voids)
		}
	}
	return h, samples, nil
}
