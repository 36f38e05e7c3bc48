package rabbitmq

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Prefetch bounds the unacknowledged deliveries held by one listener.
const Prefetch = 16

type Listener struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewListener(addr, queue string) (*Listener, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, errors.Wrap(err, "unable to dial AMQP broker")
	}

	ch, err := openChannel(conn, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Qos(Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "unable to set AMQP prefetch")
	}

	return &Listener{conn: conn, ch: ch, queue: queue}, nil
}

func (r *Listener) Listen(ctx context.Context) (<-chan amqp.Delivery, error) {
	tag := "anchor-" + uuid.New().String()
	msgs, err := r.ch.Consume(
		r.queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to consume %s", r.queue)
	}

	go func() {
		<-ctx.Done()
		if err := r.ch.Cancel(tag, false); err != nil {
			log.WithError(err).Debug("unable to cancel AMQP consumer")
		}
	}()

	return msgs, nil
}

func (r *Listener) Close() error {
	return r.conn.Close()
}
