package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

// TerrainClient handles API calls to the terrain service.
type TerrainClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTerrainClient creates a new client with the given base URL.
func NewTerrainClient(baseURL string) *TerrainClient {
	return &TerrainClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	if e.Field != "" {
		msg += " [field " + e.Field + "]"
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// GenerateResponse is the body of an accepted generation request.
type GenerateResponse struct {
	Success     bool            `json:"success"`
	UUID        string          `json:"uuid"`
	State       domain.JobState `json:"state"`
	TilesTotal  int             `json:"tiles_total"`
	OutsideLat  bool            `json:"outside_lat"`
	StatusURL   string          `json:"status_url"`
	DownloadURL string          `json:"download_url"`
}

// CircleRequest is the body of POST /api/generate.
type CircleRequest struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Radius  float64 `json:"radius"`
	Version int     `json:"version"`
}

// RectangleRequest is the body of POST /api/generate_rectangle.
type RectangleRequest struct {
	MinLat  float64 `json:"min_lat"`
	MaxLat  float64 `json:"max_lat"`
	MinLon  float64 `json:"min_lon"`
	MaxLon  float64 `json:"max_lon"`
	Version int     `json:"version"`
}

// GenerateCircle sends POST /api/generate.
func (c *TerrainClient) GenerateCircle(req CircleRequest) (*GenerateResponse, error) {
	return c.generate("/api/generate", req)
}

// GenerateRectangle sends POST /api/generate_rectangle.
func (c *TerrainClient) GenerateRectangle(req RectangleRequest) (*GenerateResponse, error) {
	return c.generate("/api/generate_rectangle", req)
}

func (c *TerrainClient) generate(path string, body any) (*GenerateResponse, error) {
	var result GenerateResponse
	if err := c.do(http.MethodPost, path, body, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Job sends GET /api/jobs/{id}.
func (c *TerrainClient) Job(id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(http.MethodGet, "/api/jobs/"+id, nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs sends GET /api/jobs.
func (c *TerrainClient) Jobs() ([]domain.Job, error) {
	var result struct {
		Jobs []domain.Job `json:"jobs"`
	}
	if err := c.do(http.MethodGet, "/api/jobs", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Cancel sends DELETE /api/jobs/{id}.
func (c *TerrainClient) Cancel(id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(http.MethodDelete, "/api/jobs/"+id, nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Health sends GET /api/health and returns the reported API version.
func (c *TerrainClient) Health() (string, error) {
	var result struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.do(http.MethodGet, "/api/health", nil, http.StatusOK, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// Download streams the archive of job id into w.
func (c *TerrainClient) Download(id string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/jobs/"+id+"/download", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *TerrainClient) do(method, path string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}

	var parsed struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
		e.Message = parsed.Error
		e.Field = parsed.Field
	}
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		e.RetryAfter = time.Duration(s) * time.Second
	}
	return e
}

// isStatus reports whether err is an APIError with the given status.
func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
