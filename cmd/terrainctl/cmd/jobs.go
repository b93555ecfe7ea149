package cmd

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Job(args[0])
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			return fmt.Errorf("status failed: %w", err)
		}
		printJob(cmd, *job)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List known jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobs, err := newClient().Jobs()
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		if len(jobs) == 0 {
			cmd.Println("No jobs.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tVERSION\tTILES\tAREA")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", j.ID, stateLabel(j), j.Version, j.TilesEncoded, j.TilesTotal, j.Area)
		}
		return tw.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Cancel(args[0])
		if err != nil {
			return fmt.Errorf("cancel failed: %w", err)
		}
		cmd.Printf("Job %s is %s\n", job.ID, job.State)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [job_id]",
	Short: "Download the archive of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = args[0] + ".zip"
		}
		return downloadTo(cmd, newClient(), args[0], out)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		version, err := newClient().Health()
		if err != nil {
			return err
		}
		cmd.Printf("Service healthy, API version %s\n", version)
		return nil
	},
}

func stateLabel(j domain.Job) string {
	if j.State == domain.JobSucceeded && j.PartialCoverage {
		return "succeeded (partial)"
	}
	return string(j.State)
}

func printJob(cmd *cobra.Command, j domain.Job) {
	cmd.Printf("Job %s\n", j.ID)
	cmd.Println("──────────────────────────────")
	cmd.Printf("State:       %s\n", stateLabel(j))
	cmd.Printf("Area:        %s\n", j.Area)
	cmd.Printf("Version:     %s\n", j.Version)
	cmd.Printf("Tiles:       %d of %d encoded\n", j.TilesEncoded, j.TilesTotal)
	if len(j.MissingTiles) > 0 {
		names := make([]string, 0, len(j.MissingTiles))
		for _, t := range j.MissingTiles {
			names = append(names, t.Name())
		}
		cmd.Printf("No data:     %s\n", strings.Join(names, ", "))
	}
	if j.OutsideLat {
		cmd.Println("Clipped:     area extends beyond ±84°")
	}
	if j.Error != "" {
		cmd.Printf("Error:       %s\n", j.Error)
	}
	cmd.Printf("Created:     %s\n", j.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if j.StartedAt != nil && j.FinishedAt != nil {
		cmd.Printf("Finished:    %s (%s)\n", j.FinishedAt.Format("2006-01-02 15:04:05 MST"), j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond))
	}
}

func init() {
	downloadCmd.Flags().StringP("output", "o", "", "output path (default <job_id>.zip)")
	rootCmd.AddCommand(statusCmd, jobsCmd, cancelCmd, downloadCmd, healthCmd)
}
