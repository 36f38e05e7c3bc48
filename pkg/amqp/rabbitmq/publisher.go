package rabbitmq

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	anchoramqp "github.com/scoir/anchor/pkg/amqp"
)

// Publisher writes persistent messages to a durable queue in confirm mode. A dropped
// connection is redialled on the next Publish.
type Publisher struct {
	addr  string
	queue string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

func NewPublisher(addr, queue string) (*Publisher, error) {
	r := &Publisher{addr: addr, queue: queue}
	if err := r.connect(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Publisher) connect() error {
	conn, err := amqp.Dial(r.addr)
	if err != nil {
		return errors.Wrap(err, "unable to dial AMQP broker")
	}

	ch, err := openChannel(conn, r.queue)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "unable to put AMQP channel in confirm mode")
	}

	r.conn = conn
	r.ch = ch
	r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	r.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// healthy reports whether the current connection is still open.
func (r *Publisher) healthy() bool {
	if r.conn == nil {
		return false
	}

	select {
	case err := <-r.closed:
		log.WithError(err).Warn("AMQP publisher connection closed, reconnecting")
		r.conn = nil
		return false
	default:
		return true
	}
}

func (r *Publisher) Publish(ctx context.Context, msg *anchoramqp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.healthy() {
		if err := r.connect(); err != nil {
			return err
		}
	}

	err := r.ch.Publish("", r.queue, false, false, amqp.Publishing{
		MessageId:    msg.ID,
		Type:         msg.Kind,
		ContentType:  msg.ContentType,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	})
	if err != nil {
		return errors.Wrap(err, "AMQP publish failed")
	}

	select {
	case c, ok := <-r.confirms:
		if !ok {
			return errors.New("AMQP channel closed before the publish was confirmed")
		}
		if !c.Ack {
			return errors.Errorf("broker rejected message %s", msg.ID)
		}
		return nil
	case <-ctx.Done():
		// the pending confirmation would be read by the next publish, so start over
		_ = r.conn.Close()
		r.conn = nil
		return errors.Wrap(ctx.Err(), "waiting for publish confirmation")
	}
}

func (r *Publisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	err := r.conn.Close()
	r.conn = nil
	return err
}

func openChannel(conn *amqp.Connection, queue string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to open AMQP channel")
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to declare queue %s", queue)
	}

	return ch, nil
}
