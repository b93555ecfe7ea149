// Command genhgt writes synthetic SRTM .hgt cells for local runs and
// fixtures, so the service can be exercised without downloading real
// elevation data.
//
// Usage:
//
//	go run ./cmd/genhgt \
//	  -out ./srtm \
//	  -lat 40:42 -lon -75:-73 \
//	  -model hills -zip
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/terrain-tile-service/internal/adapter/srtm"
)

// model returns the elevation in metres at (lat, lon).
type model func(lat, lon float64) float64

var models = map[string]model{
	// Rolling hills, roughly 10 km wavelength, 100-900 m.
	"hills": func(lat, lon float64) float64 {
		return 500 + 400*math.Sin(lat*2*math.Pi*10)*math.Cos(lon*2*math.Pi*10)
	},
	// Rises 1 m per arc-second northwards within each cell.
	"slope": func(lat, _ float64) float64 {
		return (lat - math.Floor(lat)) * 3600
	},
	"flat": func(float64, float64) float64 { return 100 },
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for .hgt files")
	latRange := flag.String("lat", "", "cell latitude range LO:HI (south-west corners, inclusive)")
	lonRange := flag.String("lon", "", "cell longitude range LO:HI (south-west corners, inclusive)")
	name := flag.String("model", "hills", "terrain model: hills, slope or flat")
	size := flag.Int("size", srtm.SRTM3Size, "samples per side: 1201 or 3601")
	zipped := flag.Bool("zip", false, "write .hgt.zip instead of .hgt")
	flag.Parse()

	if *out == "" || *latRange == "" || *lonRange == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -out, -lat, -lon")
	}
	m, ok := models[*name]
	if !ok {
		return fmt.Errorf("unknown model %q", *name)
	}
	latLo, latHi, err := parseRange(*latRange, -90, 89)
	if err != nil {
		return fmt.Errorf("-lat: %w", err)
	}
	lonLo, lonHi, err := parseRange(*lonRange, -180, 179)
	if err != nil {
		return fmt.Errorf("-lon: %w", err)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}

	n := 0
	for lat := latLo; lat <= latHi; lat++ {
		for lon := lonLo; lon <= lonHi; lon++ {
			path, err := writeCell(*out, lat, lon, *size, *zipped, m)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			n++
		}
	}
	fmt.Printf("%d cells written to %s\n", n, *out)
	return nil
}

func parseRange(s string, lo, hi int) (int, int, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		b = a
	}
	from, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	to, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	if from > to || from < lo || to > hi {
		return 0, 0, fmt.Errorf("range %d:%d outside %d:%d", from, to, lo, hi)
	}
	return from, to, nil
}

// cellSamples evaluates m on the size×size grid of the cell whose
// south-west corner is (lat, lon). Rows run from the north edge.
func cellSamples(lat, lon, size int, m model) []int16 {
	step := 1 / float64(size-1)
	samples := make([]int16, size*size)
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			h := m(float64(lat+1)-float64(row)*step, float64(lon)+float64(col)*step)
			samples[row*size+col] = int16(math.Round(math.Max(math.Min(h, math.MaxInt16), math.MinInt16+1)))
		}
	}
	return samples
}

func writeCell(dir string, lat, lon, size int, zipped bool, m model) (string, error) {
	name := srtm.TileName(lat, lon)
	samples := cellSamples(lat, lon, size, m)

	path := filepath.Join(dir, name+".hgt")
	if zipped {
		path += ".zip"
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if zipped {
		err = srtm.WriteHGTZip(f, name, size, samples)
	} else {
		err = srtm.WriteHGT(f, size, samples)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
