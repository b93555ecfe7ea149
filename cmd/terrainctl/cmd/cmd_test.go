package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("TERRAIN")
	viper.AutomaticEnv()
}

// resetFlags restores every flag to its default; rootCmd is shared between
// tests.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	resetViper()
	resetFlags(rootCmd)
	viper.Set("url", serverURL)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleJob(state domain.JobState) domain.Job {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job := domain.Job{
		ID:         "job-1",
		Area:       domain.RectangleArea(domain.Rectangle{MinLat: 40, MaxLat: 40.2, MinLon: -74, MaxLon: -73.8}),
		Version:    domain.V1,
		State:      state,
		CreatedAt:  created,
		TilesTotal: 4,
	}
	if state.Terminal() {
		started, finished := created.Add(time.Second), created.Add(3*time.Second)
		job.StartedAt, job.FinishedAt = &started, &finished
		job.TilesEncoded = 4
	}
	return job
}

func TestGenerateCircle_Submit(t *testing.T) {
	var got CircleRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, GenerateResponse{
			Success: true, UUID: "job-1", State: domain.JobPending, TilesTotal: 12,
			StatusURL: "/api/jobs/job-1", DownloadURL: "/userRequestTerrain/job-1.zip",
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "generate", "circle", "--lat", "46.55", "--lon", "7.98", "--radius", "20", "--version", "3")
	require.NoError(t, err)

	assert.Equal(t, CircleRequest{Lat: 46.55, Lon: 7.98, Radius: 20, Version: 3}, got)
	assert.Contains(t, out, "Job submitted: job-1 (12 tiles)")
	assert.Contains(t, out, "/userRequestTerrain/job-1.zip")
}

func TestGenerateCircle_RequiresFlags(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:0", "generate", "circle", "--lat", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestGenerateRect_InvalidArea(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate_rectangle", r.URL.Path)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid area: min_lat must not exceed max_lat", "field": "min_lat",
		})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "generate", "rect",
		"--min-lat", "41", "--max-lat", "40", "--min-lon", "-74", "--max-lon", "-73")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "min_lat", apiErr.Field)
	assert.Contains(t, apiErr.Message, "must not exceed")
}

func TestGenerate_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "91")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "rate limited"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "generate", "circle", "--lat", "1", "--lon", "2", "--radius", "3")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 91*time.Second, apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 1m31s")
}

func TestGenerate_WaitAndDownload(t *testing.T) {
	var polls atomic.Int32
	archive := []byte("PK\x05\x06 fake archive")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate_rectangle", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusAccepted, GenerateResponse{Success: true, UUID: "job-1", State: domain.JobPending, TilesTotal: 4})
	})
	mux.HandleFunc("GET /api/jobs/job-1", func(w http.ResponseWriter, _ *http.Request) {
		state := domain.JobRunning
		if polls.Add(1) >= 3 {
			state = domain.JobSucceeded
		}
		writeJSON(w, http.StatusOK, sampleJob(state))
	})
	mux.HandleFunc("GET /api/jobs/job-1/download", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "out.zip")
	out, err := execute(t, server.URL, "generate", "rect",
		"--min-lat", "40", "--max-lat", "40.2", "--min-lon", "-74", "--max-lon", "-73.8",
		"--wait", "--poll", "5ms", "-o", path)
	require.NoError(t, err)

	assert.EqualValues(t, 3, polls.Load())
	assert.Contains(t, out, "State:       succeeded")
	assert.Contains(t, out, "Tiles:       4 of 4 encoded")
	assert.Contains(t, out, "Saved "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, archive, data)
}

func TestGenerate_WaitReportsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusAccepted, GenerateResponse{Success: true, UUID: "job-1"})
	})
	mux.HandleFunc("GET /api/jobs/job-1", func(w http.ResponseWriter, _ *http.Request) {
		job := sampleJob(domain.JobFailed)
		job.Error = "4 of 4 tiles unavailable: no elevation data for requested area"
		writeJSON(w, http.StatusOK, job)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := execute(t, server.URL, "generate", "circle", "--lat", "0", "--lon", "-30", "--radius", "5", "--wait", "--poll", "5ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job job-1 failed")
	assert.Contains(t, out, "no elevation data")
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/job-1", r.URL.Path)
		job := sampleJob(domain.JobSucceeded)
		job.TilesEncoded = 2
		job.PartialCoverage = true
		job.MissingTiles = []domain.TileCoordinate{{LatIdx: 400, LonIdx: -740}, {LatIdx: 401, LonIdx: -740}}
		writeJSON(w, http.StatusOK, job)
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "status", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded (partial)")
	assert.Contains(t, out, "N0400W00740.DAT, N0401W00740.DAT")
	assert.Contains(t, out, "Finished:")
}

func TestStatus_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "job not found"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "status", "nope")
	require.Error(t, err)
	assert.Equal(t, "job nope not found", err.Error())
}

func TestStatus_RequiresJobID(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:0", "status")
	assert.Error(t, err)
}

func TestJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []domain.Job{sampleJob(domain.JobRunning)}})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "0/4")
}

func TestJobs_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []domain.Job{}})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs.")
}

func TestCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		job := sampleJob(domain.JobFailed)
		job.Error = "job cancelled"
		writeJSON(w, http.StatusOK, job)
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "cancel", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Job job-1 is failed")
}

func TestDownload_Expired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusGone, map[string]any{"success": false, "error": "artifact expired"})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "x.zip")
	_, err := execute(t, server.URL, "download", "job-1", "-o", path)
	require.Error(t, err)
	assert.True(t, isStatus(err, http.StatusGone))
	assert.NoFileExists(t, path, "partial file removed")
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": "2.0.0"})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "API version 2.0.0")
}

func TestRoot_EnvVarBinding(t *testing.T) {
	resetViper()
	t.Setenv("TERRAIN_URL", "http://terrain.internal:9000")
	assert.Equal(t, "http://terrain.internal:9000", viper.GetString("url"))
}

func TestRoot_CustomConfigFile(t *testing.T) {
	resetViper()
	path := filepath.Join(t.TempDir(), "terrainctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: http://from-config:8181\ntimeout: 5s\n"), 0o600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
	initConfig()

	assert.Equal(t, "http://from-config:8181", viper.GetString("url"))
	c := newClient()
	assert.Equal(t, "http://from-config:8181", c.BaseURL)
	assert.Equal(t, 5*time.Second, c.HTTPClient.Timeout)
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{StatusCode: 400, Message: "invalid area: radius out of range", Field: "radius"}
	assert.Equal(t, "API error (400): invalid area: radius out of range [field radius]", err.Error())
}
