package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Request terrain tiles for an area",
	Long: `Submit a generation job for a circle or a rectangle.

By default the command prints the job id and returns immediately. With
--wait it polls until the job finishes, and with --output it then
downloads the archive.`,
}

var generateCircleCmd = &cobra.Command{
	Use:   "circle",
	Short: "Request tiles covering a circle",
	Example: `  terrainctl generate circle --lat 46.55 --lon 7.98 --radius 20
  terrainctl generate circle --lat -35.36 --lon 149.17 --radius 5 --version 3 --wait -o canberra.zip`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		lat, _ := flags.GetFloat64("lat")
		lon, _ := flags.GetFloat64("lon")
		radius, _ := flags.GetFloat64("radius")
		version, _ := flags.GetInt("version")

		client := newClient()
		resp, err := client.GenerateCircle(CircleRequest{Lat: lat, Lon: lon, Radius: radius, Version: version})
		if err != nil {
			return fmt.Errorf("generate failed: %w", err)
		}
		return afterSubmit(cmd, client, resp)
	},
}

var generateRectCmd = &cobra.Command{
	Use:     "rect",
	Aliases: []string{"rectangle"},
	Short:   "Request tiles covering a lat/lon rectangle",
	Example: `  terrainctl generate rect --min-lat 40 --max-lat 40.2 --min-lon -74 --max-lon -73.8`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		minLat, _ := flags.GetFloat64("min-lat")
		maxLat, _ := flags.GetFloat64("max-lat")
		minLon, _ := flags.GetFloat64("min-lon")
		maxLon, _ := flags.GetFloat64("max-lon")
		version, _ := flags.GetInt("version")

		client := newClient()
		resp, err := client.GenerateRectangle(RectangleRequest{
			MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon, Version: version,
		})
		if err != nil {
			return fmt.Errorf("generate failed: %w", err)
		}
		return afterSubmit(cmd, client, resp)
	},
}

func afterSubmit(cmd *cobra.Command, client *TerrainClient, resp *GenerateResponse) error {
	cmd.Printf("Job submitted: %s (%d tiles)\n", resp.UUID, resp.TilesTotal)
	if resp.OutsideLat {
		cmd.Println("Note: part of the area lies beyond the ±84° coverage limit and was clipped")
	}

	flags := cmd.Flags()
	wait, _ := flags.GetBool("wait")
	if !wait {
		cmd.Printf("Status:   %s\n", resp.StatusURL)
		cmd.Printf("Download: %s\n", resp.DownloadURL)
		return nil
	}

	poll, _ := flags.GetDuration("poll")
	job, err := waitForJob(client, resp.UUID, poll)
	if err != nil {
		return err
	}
	printJob(cmd, *job)
	if job.State != domain.JobSucceeded {
		return fmt.Errorf("job %s %s", job.ID, job.State)
	}

	if out, _ := flags.GetString("output"); out != "" {
		return downloadTo(cmd, client, job.ID, out)
	}
	return nil
}

// waitForJob polls the job every interval until it is terminal.
func waitForJob(client *TerrainClient, id string, interval time.Duration) (*domain.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := client.Job(id)
		if err != nil {
			return nil, fmt.Errorf("status failed: %w", err)
		}
		if job.State.Terminal() {
			return job, nil
		}
		time.Sleep(interval)
	}
}

func downloadTo(cmd *cobra.Command, client *TerrainClient, id, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := client.Download(id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("download failed: %w", err)
	}
	cmd.Printf("Saved %s (%d bytes)\n", path, n)
	return nil
}

func addWaitFlags(c *cobra.Command) {
	c.Flags().Int("version", 1, "tile format version: 1 or 3")
	c.Flags().Bool("wait", false, "poll until the job finishes")
	c.Flags().Duration("poll", time.Second, "poll interval with --wait")
	c.Flags().StringP("output", "o", "", "with --wait, save the archive to this path")
}

func init() {
	generateCircleCmd.Flags().Float64("lat", 0, "centre latitude in degrees")
	generateCircleCmd.Flags().Float64("lon", 0, "centre longitude in degrees")
	generateCircleCmd.Flags().Float64("radius", 0, "radius in kilometres (1-400)")
	for _, f := range []string{"lat", "lon", "radius"} {
		_ = generateCircleCmd.MarkFlagRequired(f)
	}
	addWaitFlags(generateCircleCmd)

	generateRectCmd.Flags().Float64("min-lat", 0, "southern edge in degrees")
	generateRectCmd.Flags().Float64("max-lat", 0, "northern edge in degrees")
	generateRectCmd.Flags().Float64("min-lon", 0, "western edge in degrees")
	generateRectCmd.Flags().Float64("max-lon", 0, "eastern edge in degrees")
	for _, f := range []string{"min-lat", "max-lat", "min-lon", "max-lon"} {
		_ = generateRectCmd.MarkFlagRequired(f)
	}
	addWaitFlags(generateRectCmd)

	generateCmd.AddCommand(generateCircleCmd, generateRectCmd)
	rootCmd.AddCommand(generateCmd)
}
