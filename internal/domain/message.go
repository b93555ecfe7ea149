package domain

import (
	"context"
	"time"
)

// InboundMessage is one queued generation request as read from the broker,
// before decoding.
type InboundMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}
