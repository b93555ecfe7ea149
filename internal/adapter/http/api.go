package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
)

const maxBodyBytes = 64 << 10

type circleRequest struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Radius  *float64 `json:"radius"`
	Version *int     `json:"version"`
}

type rectangleRequest struct {
	MinLat  *float64 `json:"min_lat"`
	MaxLat  *float64 `json:"max_lat"`
	MinLon  *float64 `json:"min_lon"`
	MaxLon  *float64 `json:"max_lon"`
	Version *int     `json:"version"`
}

type generateResponse struct {
	Success     bool            `json:"success"`
	UUID        string          `json:"uuid"`
	State       domain.JobState `json:"state"`
	TilesTotal  int             `json:"tiles_total"`
	OutsideLat  bool            `json:"outside_lat"`
	StatusURL   string          `json:"status_url"`
	DownloadURL string          `json:"download_url"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": APIVersion})
}

func (s *Server) handleGenerateCircle(w http.ResponseWriter, r *http.Request) {
	var body circleRequest
	if !s.decode(w, r, &body) {
		return
	}
	if field := firstMissing(map[string]bool{
		"lat": body.Lat == nil, "lon": body.Lon == nil, "radius": body.Radius == nil, "version": body.Version == nil,
	}); field != "" {
		s.writeError(w, &domain.InvalidAreaError{Field: field, Reason: "is required"})
		return
	}
	area := domain.CircleArea(domain.Circle{CenterLat: *body.Lat, CenterLon: *body.Lon, RadiusKm: *body.Radius})
	s.submit(w, r, area, *body.Version)
}

func (s *Server) handleGenerateRectangle(w http.ResponseWriter, r *http.Request) {
	var body rectangleRequest
	if !s.decode(w, r, &body) {
		return
	}
	if field := firstMissing(map[string]bool{
		"min_lat": body.MinLat == nil, "max_lat": body.MaxLat == nil,
		"min_lon": body.MinLon == nil, "max_lon": body.MaxLon == nil,
		"version": body.Version == nil,
	}); field != "" {
		s.writeError(w, &domain.InvalidAreaError{Field: field, Reason: "is required"})
		return
	}
	area := domain.RectangleArea(domain.Rectangle{
		MinLat: *body.MinLat, MaxLat: *body.MaxLat,
		MinLon: *body.MinLon, MaxLon: *body.MaxLon,
	})
	s.submit(w, r, area, *body.Version)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, area domain.AreaSpec, version int) {
	v, err := domain.ParseVersion(version)
	if err != nil {
		s.writeError(w, &domain.InvalidAreaError{Field: "version", Reason: "must be 1 or 3"})
		return
	}

	job, err := s.jobs.Submit(r.Context(), jobs.Request{Area: area, Version: v, Client: ClientIdentity(r)})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	sharedobs.WriteJSON(w, http.StatusAccepted, generateResponse{
		Success:     true,
		UUID:        job.ID,
		State:       job.State,
		TilesTotal:  job.TilesTotal,
		OutsideLat:  job.OutsideLat,
		StatusURL:   "/api/jobs/" + job.ID,
		DownloadURL: "/userRequestTerrain/" + job.ID + ".zip",
	})
}

// handleListJobs lists only the jobs submitted by the calling client.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	client := ClientIdentity(r)
	own := []domain.Job{}
	for _, job := range s.jobs.Jobs() {
		if job.Client == client {
			own = append(own, job)
		}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"jobs": own})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.download(w, r.PathValue("id"))
}

// handleLegacyDownload serves /userRequestTerrain/<id>.zip.
func (s *Server) handleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".zip")
	if !ok || id == "" {
		s.writeError(w, fmt.Errorf("%s: %w", r.PathValue("file"), domain.ErrNotFound))
		return
	}
	s.download(w, id)
}

func (s *Server) download(w http.ResponseWriter, id string) {
	rc, info, err := s.jobs.Download(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Expires", info.ExpiresAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("archive download interrupted", "job_id", id, "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain error kinds onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var invalid *domain.InvalidAreaError
	var limited *domain.RateLimitedError
	switch {
	case errors.As(err, &invalid):
		resp.Field = invalid.Field
		sharedobs.WriteJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &limited):
		h := w.Header()
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		h.Set("X-RateLimit-Limit", strconv.Itoa(limited.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(limited.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(limited.ResetAt.Unix(), 10))
		sharedobs.WriteJSON(w, http.StatusTooManyRequests, resp)
	case errors.Is(err, domain.ErrNotFound):
		sharedobs.WriteJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, domain.ErrExpired):
		sharedobs.WriteJSON(w, http.StatusGone, resp)
	case errors.Is(err, domain.ErrNotReady):
		sharedobs.WriteJSON(w, http.StatusConflict, resp)
	default:
		s.logger.Error("request failed", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// firstMissing returns the alphabetically first field flagged missing, so
// error messages are stable.
func firstMissing(missing map[string]bool) string {
	first := ""
	for field, isMissing := range missing {
		if isMissing && (first == "" || field < first) {
			first = field
		}
	}
	return first
}

// ClientIdentity is the rate-limit key: the first X-Forwarded-For entry,
// else the remote host.
func ClientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
