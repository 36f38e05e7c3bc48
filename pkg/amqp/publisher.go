package amqp

import (
	"context"
	"time"
)

// Message is one notification on the queue. Kind becomes the AMQP type property
// so consumers can route without decoding the body.
type Message struct {
	ID          string
	Kind        string
	ContentType string
	Timestamp   time.Time
	Body        []byte
}

// Publisher sends messages to a single durable queue. Publish returns once the broker
// has confirmed the message or ctx is done.
//
//go:generate mockery -name=Publisher
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}
