package domain

import "fmt"

// FormatVersion selects the tile grid and binary layout.
type FormatVersion uint8

const (
	V1 FormatVersion = 1
	V3 FormatVersion = 3
)

// E7 is the number of fixed-point units per degree used for tile geometry.
const E7 = 10_000_000

// LatitudeLimitE7 is the coverage limit of the downstream consumer (±84°).
// Tiles reaching beyond it are never produced.
const LatitudeLimitE7 = 84 * E7

// VersionParams fixes everything that differs between format versions.
type VersionParams struct {
	Version     FormatVersion
	TileSizeE7  int64 // tile edge in 1e-7 degrees
	Rows        int
	Cols        int
	SpacingE7   int64 // sample spacing in 1e-7 degrees
	SampleBytes int   // 2 (int16) or 4 (int32)
	Scale       int   // sample units per metre
	Void        int64 // sentinel for a missing sample
	HeaderSize  int
}

var versionTable = map[FormatVersion]VersionParams{
	V1: {
		Version:     V1,
		TileSizeE7:  1_000_000, // 0.1°
		Rows:        41,
		Cols:        41,
		SpacingE7:   25_000,
		SampleBytes: 2,
		Scale:       1,
		Void:        -32768,
		HeaderSize:  28,
	},
	V3: {
		Version:     V3,
		TileSizeE7:  500_000, // 0.05°
		Rows:        51,
		Cols:        51,
		SpacingE7:   10_000,
		SampleBytes: 4,
		Scale:       10,
		Void:        -2147483648,
		HeaderSize:  36,
	},
}

// ParseVersion converts a wire integer into a FormatVersion.
func ParseVersion(v int) (FormatVersion, error) {
	if v < 0 || v > 255 || !FormatVersion(v).Valid() {
		return 0, fmt.Errorf("unsupported format version %d: must be 1 or 3", v)
	}
	return FormatVersion(v), nil
}

// Params returns the parameters for v. It panics on an unknown version;
// versions entering the system go through ParseVersion.
func (v FormatVersion) Params() VersionParams {
	p, ok := versionTable[v]
	if !ok {
		panic(fmt.Sprintf("domain: unknown format version %d", v))
	}
	return p
}

// Valid reports whether v is a supported version.
func (v FormatVersion) Valid() bool {
	_, ok := versionTable[v]
	return ok
}

// TileSizeDeg is the tile edge in degrees.
func (p VersionParams) TileSizeDeg() float64 { return float64(p.TileSizeE7) / E7 }

// BlockSize is the encoded size of one TileBlock, checksum included.
func (p VersionParams) BlockSize() int {
	return p.HeaderSize + p.Rows*p.Cols*p.SampleBytes + 4
}

func (v FormatVersion) String() string { return fmt.Sprintf("V%d", uint8(v)) }
