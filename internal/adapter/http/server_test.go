package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/terrain-tile-service/internal/adapter/http"
	"github.com/couchcryptid/terrain-tile-service/internal/archive"
	"github.com/couchcryptid/terrain-tile-service/internal/artifact"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/encoder"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type fakeJobs struct {
	job         domain.Job
	submitErr   error
	statusErr   error
	downloadErr error
	archive     []byte
	lastReq     jobs.Request
	list        []domain.Job
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.Request) (domain.Job, error) {
	f.lastReq = req
	if f.submitErr != nil {
		return domain.Job{}, f.submitErr
	}
	return f.job, nil
}

func (f *fakeJobs) Status(string) (domain.Job, error) { return f.job, f.statusErr }

func (f *fakeJobs) Jobs() []domain.Job {
	if f.list != nil {
		return f.list
	}
	return []domain.Job{f.job}
}

func (f *fakeJobs) Cancel(string) (domain.Job, error) {
	j := f.job
	j.State = domain.JobFailed
	j.Error = domain.ErrCancelled.Error()
	return j, f.statusErr
}

func (f *fakeJobs) Download(id string) (io.ReadCloser, artifact.Info, error) {
	if f.downloadErr != nil {
		return nil, artifact.Info{}, f.downloadErr
	}
	return io.NopCloser(bytes.NewReader(f.archive)), artifact.Info{ID: id, Size: int64(len(f.archive)), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestServer(svc httpadapter.JobService, readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", svc, &mockReadiness{err: readyErr}, slog.Default())
}

func do(srv http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzReturns200(t *testing.T) {
	rec := do(newTestServer(&fakeJobs{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := do(newTestServer(&fakeJobs{}, nil), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := do(newTestServer(&fakeJobs{}, fmt.Errorf("not ready yet")), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(newTestServer(&fakeJobs{}, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAPIHealth(t *testing.T) {
	rec := do(newTestServer(&fakeJobs{}, nil), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, httpadapter.APIVersion, body["version"])
}

func TestGenerateCircle_Accepted(t *testing.T) {
	svc := &fakeJobs{job: domain.Job{ID: "job-1", State: domain.JobPending, TilesTotal: 9}}
	rec := do(newTestServer(svc, nil), http.MethodPost, "/api/generate",
		`{"lat": 40.1, "lon": -73.9, "radius": 5, "version": 3}`,
		"X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/jobs/job-1", rec.Header().Get("Location"))
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "job-1", body["uuid"])
	assert.Equal(t, "pending", body["state"])
	assert.Equal(t, "/userRequestTerrain/job-1.zip", body["download_url"])

	c, ok := svc.lastReq.Area.Circle()
	require.True(t, ok)
	assert.Equal(t, domain.Circle{CenterLat: 40.1, CenterLon: -73.9, RadiusKm: 5}, c)
	assert.Equal(t, domain.V3, svc.lastReq.Version)
	assert.Equal(t, "203.0.113.7", svc.lastReq.Client)
}

func TestGenerateRectangle_Accepted(t *testing.T) {
	svc := &fakeJobs{job: domain.Job{ID: "job-2", State: domain.JobPending, TilesTotal: 4}}
	rec := do(newTestServer(svc, nil), http.MethodPost, "/api/generate_rectangle",
		`{"min_lat": 40.0, "max_lat": 40.2, "min_lon": -74.0, "max_lon": -73.8, "version": 1}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	r, ok := svc.lastReq.Area.Rectangle()
	require.True(t, ok)
	assert.Equal(t, domain.Rectangle{MinLat: 40.0, MaxLat: 40.2, MinLon: -74.0, MaxLon: -73.8}, r)
	assert.Equal(t, "192.0.2.1", svc.lastReq.Client, "httptest remote host")
}

func TestGenerate_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		wantField string
	}{
		{"missing radius", "/api/generate", `{"lat": 1, "lon": 2, "version": 1}`, "radius"},
		{"missing version", "/api/generate_rectangle", `{"min_lat": 1, "max_lat": 2, "min_lon": 1, "max_lon": 2}`, "version"},
		{"bad version", "/api/generate", `{"lat": 1, "lon": 2, "radius": 3, "version": 2}`, "version"},
		{"unknown field", "/api/generate", `{"lat": 1, "lon": 2, "radius": 3, "version": 1, "extra": true}`, ""},
		{"not json", "/api/generate", `lat=1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeJobs{}
			rec := do(newTestServer(svc, nil), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, body["field"])
			}
			assert.Empty(t, svc.lastReq.Area.Kind(), "never submitted")
		})
	}
}

func TestGenerate_InvalidAreaFromManager(t *testing.T) {
	svc := &fakeJobs{submitErr: &domain.InvalidAreaError{Field: "radius_km", Reason: "must be at least 1"}}
	rec := do(newTestServer(svc, nil), http.MethodPost, "/api/generate", `{"lat": 1, "lon": 2, "radius": 0, "version": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "radius_km", decodeBody(t, rec)["field"])
}

func TestGenerate_RateLimited(t *testing.T) {
	reset := time.Unix(1_800_000_000, 0)
	svc := &fakeJobs{submitErr: &domain.RateLimitedError{Limit: 50, ResetAt: reset, RetryAfter: 90*time.Second + 200*time.Millisecond}}
	rec := do(newTestServer(svc, nil), http.MethodPost, "/api/generate", `{"lat": 1, "lon": 2, "radius": 3, "version": 1}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
	assert.Equal(t, "50", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1800000000", rec.Header().Get("X-RateLimit-Reset"))
}

func TestJobStatusAndCancel(t *testing.T) {
	svc := &fakeJobs{job: domain.Job{ID: "job-1", Client: "192.0.2.1", State: domain.JobRunning, TilesTotal: 4, TilesEncoded: 1}}
	srv := newTestServer(svc, nil)

	rec := do(srv, http.MethodGet, "/api/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(1), body["tiles_encoded"])

	rec = do(srv, http.MethodDelete, "/api/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["state"])

	rec = do(srv, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["jobs"], 1)
}

func TestListJobs_OnlyCallersJobs(t *testing.T) {
	svc := &fakeJobs{list: []domain.Job{
		{ID: "mine", Client: "203.0.113.7", State: domain.JobSucceeded},
		{ID: "theirs", Client: "198.51.100.4", State: domain.JobRunning},
	}}
	srv := newTestServer(svc, nil)

	rec := do(srv, http.MethodGet, "/api/jobs", "", "X-Forwarded-For", "203.0.113.7")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, listed, 1)
	job := listed[0].(map[string]any)
	assert.Equal(t, "mine", job["id"])
	assert.NotContains(t, job, "client")
	assert.NotContains(t, rec.Body.String(), "198.51.100.4")

	rec = do(srv, http.MethodGet, "/api/jobs", "", "X-Forwarded-For", "192.0.2.200")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["jobs"])
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("job x: %w", domain.ErrNotFound), http.StatusNotFound},
		{"expired", fmt.Errorf("artifact x: %w", domain.ErrExpired), http.StatusGone},
		{"not ready", fmt.Errorf("job x is running: %w", domain.ErrNotReady), http.StatusConflict},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeJobs{downloadErr: tt.err, statusErr: tt.err}, nil)
			assert.Equal(t, tt.want, do(srv, http.MethodGet, "/api/jobs/x/download", "").Code)
			assert.Equal(t, tt.want, do(srv, http.MethodGet, "/userRequestTerrain/x.zip", "").Code)
			assert.Equal(t, tt.want, do(srv, http.MethodGet, "/api/jobs/x", "").Code)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	srv := newTestServer(&fakeJobs{statusErr: errors.New("open /var/secret: permission denied")}, nil)
	rec := do(srv, http.MethodGet, "/api/jobs/x", "")
	assert.Equal(t, "internal error", decodeBody(t, rec)["error"])
}

func TestLegacyDownloadRequiresZipSuffix(t *testing.T) {
	srv := newTestServer(&fakeJobs{archive: []byte("zip")}, nil)
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/userRequestTerrain/job-1", "").Code)

	rec := do(srv, http.MethodGet, "/userRequestTerrain/job-1.zip", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "3", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="job-1.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "zip", rec.Body.String())
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "198.51.100.4", "10.0.0.1:5555", "198.51.100.4"},
		{"first of many", " 198.51.100.4 , 10.0.0.2", "10.0.0.1:5555", "198.51.100.4"},
		{"remote host", "", "10.0.0.1:5555", "10.0.0.1"},
		{"ipv6 remote", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, httpadapter.ClientIdentity(r))
		})
	}
}

func TestEndToEnd_GenerateAndDownload(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	store := artifact.New(artifact.NewMemoryBackend(), time.Hour, slog.Default(), metrics)
	provider := domain.ElevationFunc(func(_ context.Context, lat, lon float64) (float64, error) {
		return 10*lat - lon, nil
	})
	m := jobs.New(domain.NewDecomposer(0, true), encoder.New(provider), store, slog.Default(), metrics, jobs.WithWorkers(2))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	srv := newTestServer(m, nil)

	rec := do(srv, http.MethodPost, "/api/generate_rectangle",
		`{"min_lat": 40.0, "max_lat": 40.2, "min_lon": -74.0, "max_lon": -73.8, "version": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeBody(t, rec)["uuid"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, job.State)

	rec = do(srv, http.MethodGet, "/userRequestTerrain/"+id+".zip", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := rec.Body.Bytes()
	r, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, r.Verify())
	assert.Len(t, r.Tiles(), 4)

	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/api/jobs/nope/download", "").Code)
}
