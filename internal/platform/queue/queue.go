// Package queue provides the durable per-stage message channels on Postgres.
//
// Delivery is at-least-once: a message stays invisible for the lease window
// and reappears if the worker never acks. Consumers must therefore be
// idempotent. Ordering is per-channel best effort (enqueued_at, id) and never
// guaranteed across concurrent consumers
package queue

import (
	"context"
	"time"
)

// Channel names one durable stage queue
type Channel string

// The three pipeline channels
const (
	ChannelExtraction Channel = "extraction"
	ChannelTransform  Channel = "transform"
	ChannelEmbedding  Channel = "embedding"
)

// Message is one leased unit of work
type Message struct {
	ID         int64
	Channel    Channel
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
}

// Stats is a point-in-time channel depth reading
type Stats struct {
	Ready  int64
	Leased int64
	Dead   int64
}

// Queue is the channel-set contract every worker consumes
type Queue interface {
	// Enqueue appends one message to a channel
	Enqueue(ctx context.Context, ch Channel, payload []byte) error

	// Lease reserves up to n ready messages for leaseFor; reserved messages
	// are invisible to other consumers until acked, nacked, or expired
	Lease(ctx context.Context, ch Channel, n int, leaseFor time.Duration) ([]Message, error)

	// Ack removes a delivered message
	Ack(ctx context.Context, id int64) error

	// Nack releases a message for redelivery after backoff, recording the error.
	// When attempts exceed the channel's max the message is dead-lettered
	// instead and Nack reports it, so the caller can resolve the work through
	// its failure path rather than lose it silently
	Nack(ctx context.Context, id int64, backoff time.Duration, lastErr string) (dead bool, err error)

	// Stats reports channel depth for operability
	Stats(ctx context.Context, ch Channel) (Stats, error)
}
