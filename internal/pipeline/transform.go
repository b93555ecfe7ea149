package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
)

// ClientHeader names the message header used as the rate-limit identity
// when the body does not carry one.
const ClientHeader = "client"

// requestMessage is the wire form of a queued request:
//
//	{"client": "...", "version": 1, "area": {"kind": "circle", "circle": {...}}}
type requestMessage struct {
	Client  string           `json:"client"`
	Version *int             `json:"version"`
	Area    *domain.AreaSpec `json:"area"`
}

// RequestTransformer implements Transformer for JSON request messages.
type RequestTransformer struct {
	logger *slog.Logger
}

// NewTransformer creates a RequestTransformer.
func NewTransformer(logger *slog.Logger) *RequestTransformer {
	return &RequestTransformer{logger: logger}
}

func (t *RequestTransformer) Transform(_ context.Context, raw domain.InboundMessage) (jobs.Request, error) {
	var msg requestMessage
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return jobs.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if msg.Area == nil {
		return jobs.Request{}, &domain.InvalidAreaError{Field: "area", Reason: "is required"}
	}
	if msg.Version == nil {
		return jobs.Request{}, &domain.InvalidAreaError{Field: "version", Reason: "is required"}
	}
	v, err := domain.ParseVersion(*msg.Version)
	if err != nil {
		return jobs.Request{}, &domain.InvalidAreaError{Field: "version", Reason: "must be 1 or 3"}
	}

	client := msg.Client
	if client == "" {
		client = raw.Headers[ClientHeader]
	}
	t.logger.Debug("request decoded", "area", msg.Area.String(), "version", v.String(), "client", client)
	return jobs.Request{Area: *msg.Area, Version: v, Client: client}, nil
}
