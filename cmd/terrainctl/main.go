// Command terrainctl is the command-line client for the terrain tile
// service API.
package main

import (
	"os"

	"github.com/couchcryptid/terrain-tile-service/cmd/terrainctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
