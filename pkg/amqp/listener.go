package amqp

import (
	"context"

	"github.com/streadway/amqp"
)

// Listener consumes a queue with manual acknowledgement. The delivery channel closes
// when ctx is done or the connection drops.
//
//go:generate mockery -name=Listener
type Listener interface {
	Listen(ctx context.Context) (<-chan amqp.Delivery, error)
	Close() error
}
