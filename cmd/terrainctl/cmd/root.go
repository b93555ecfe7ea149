package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "terrainctl",
	Short: "terrainctl submits and collects terrain tile generation jobs",
	Long: `terrainctl is the command-line interface for the terrain tile service.

Areas are requested as a circle (centre and radius) or a lat/lon rectangle,
in format version 1 (0.1° tiles, int16 metres) or 3 (0.05° tiles, int32
decimetres). Jobs run asynchronously; the archive is kept for the
service's retention window after the job finishes.

Common workflows:

  Request a circle and wait for the archive:
    terrainctl generate circle --lat 46.55 --lon 7.98 --radius 20 --wait -o eiger.zip

  Request a rectangle:
    terrainctl generate rect --min-lat 40 --max-lat 40.2 --min-lon -74 --max-lon -73.8 --version 3

  Check a job, or list all of them:
    terrainctl status <job-id>
    terrainctl jobs

Configuration:
  Set the API endpoint via flag, environment variable or config file:
    TERRAIN_URL    API endpoint (default: http://localhost:8080)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			// Search config in home directory with name ".terrainctl"
			viper.AddConfigPath(home)
			viper.SetConfigName(".terrainctl")
			viper.SetConfigType("yaml")
		}
	}

	// Read environment variables that match "TERRAIN_VARNAME"
	viper.SetEnvPrefix("TERRAIN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.terrainctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "terrain service URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().Duration("timeout", 0, "HTTP timeout (0 uses the client default)")
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

// newClient builds an API client from the resolved configuration.
func newClient() *TerrainClient {
	c := NewTerrainClient(viper.GetString("url"))
	if d := viper.GetDuration("timeout"); d > 0 {
		c.HTTPClient.Timeout = d
	}
	return c
}
