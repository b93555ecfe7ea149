// Command verifyarchive checks terrain archives produced by the service:
// zip structure, per-tile CRC-32C trailers, header addressing, row-major
// order and agreement with manifest.json.
//
// Usage:
//
//	go run ./cmd/verifyarchive userRequestTerrain/*.zip
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/terrain-tile-service/internal/archive"
	"github.com/couchcryptid/terrain-tile-service/internal/encoder"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: verifyarchive ARCHIVE.zip...")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(os.Stdout, flag.Args()))
}

func run(out io.Writer, paths []string) int {
	failed := 0
	for _, path := range paths {
		if !verifyFile(out, path) {
			failed++
		}
	}
	fmt.Fprintln(out)
	if failed > 0 {
		fmt.Fprintf(out, "%d of %d archives FAILED.\n", failed, len(paths))
		return 1
	}
	fmt.Fprintf(out, "All %d archives passed.\n", len(paths))
	return 0
}

func verifyFile(out io.Writer, path string) bool {
	fmt.Fprintf(out, "=== %s ===\n", path)

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(out, "  FATAL: %v\n", err)
		return false
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		fmt.Fprintf(out, "  FATAL: %v\n", err)
		return false
	}

	ar, err := archive.Open(f, st.Size())
	if err != nil {
		fmt.Fprintf(out, "  FATAL: %v\n", err)
		return false
	}

	phases := []*phase{
		checkIntegrity(ar),
		checkManifest(ar),
	}

	m := ar.Manifest()
	fmt.Fprintf(out, "  job %s, %s, %d tiles, %d missing, partial=%t outside_lat=%t\n",
		m.JobID, m.Version, len(m.Tiles), len(m.Missing), m.PartialCoverage, m.OutsideLat)

	ok := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			ok = false
		}
		fmt.Fprintf(out, "  %-24s %s\n", p.name, status)
		for i, e := range p.errors {
			fmt.Fprintf(out, "    [%d] %s\n", i+1, e)
		}
	}
	return ok
}

func checkIntegrity(ar *archive.Reader) *phase {
	p := &phase{name: "Tile integrity"}
	if err := ar.Verify(); err != nil {
		p.errorf("%v", err)
	}
	return p
}

// checkManifest compares the per-tile manifest records with the decoded
// headers, and the coverage flags with the missing list.
func checkManifest(ar *archive.Reader) *phase {
	p := &phase{name: "Manifest consistency"}
	m := ar.Manifest()

	if m.PartialCoverage != (len(m.Missing) > 0) {
		p.errorf("partial_coverage=%t with %d missing tiles", m.PartialCoverage, len(m.Missing))
	}
	if len(m.Tiles) == 0 {
		p.errorf("archive holds no tiles")
	}

	for _, e := range m.Tiles {
		data, err := ar.ReadTile(e.Name)
		if err != nil {
			p.errorf("%v", err)
			continue
		}
		h, samples, err := encoder.Decode(data)
		if err != nil {
			continue // reported by the integrity phase
		}
		if h.Coord.LatIdx != e.LatIdx || h.Coord.LonIdx != e.LonIdx {
			p.errorf("tile %s: manifest index (%d,%d), header (%d,%d)", e.Name, e.LatIdx, e.LonIdx, h.Coord.LatIdx, h.Coord.LonIdx)
		}
		if e.Size != len(data) {
			p.errorf("tile %s: manifest size %d, entry holds %d bytes", e.Name, e.Size, len(data))
		}
		void := h.Version.Params().Void
		voids := 0
		for _, s := range samples {
			if s == void {
				voids++
			}
		}
		if voids != e.Voids {
			p.errorf("tile %s: manifest lists %d voids, payload has %d", e.Name, e.Voids, voids)
		}
	}
	return p
}
