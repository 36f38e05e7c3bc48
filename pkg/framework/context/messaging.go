package context

import (
	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/amqp"
	"github.com/scoir/anchor/pkg/amqp/rabbitmq"
	"github.com/scoir/anchor/pkg/notifier"
)

// Publisher returns the notification queue publisher, or nil when AMQP_URL is unset.
func (r *Provider) Publisher() (amqp.Publisher, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.publisher != nil || r.conf.AMQPURL == "" {
		return r.publisher, nil
	}

	p, err := rabbitmq.NewPublisher(r.conf.AMQPURL, notifier.QueueName)
	if err != nil {
		return nil, err
	}

	r.publisher = p
	r.closers = append(r.closers, p.Close)
	return p, nil
}

func (r *Provider) GetAMQPListener(queue string) (amqp.Listener, error) {
	if r.conf.AMQPURL == "" {
		return nil, errors.New("AMQP_URL is not configured")
	}

	l, err := rabbitmq.NewListener(r.conf.AMQPURL, queue)
	if err != nil {
		return nil, err
	}

	return l, nil
}

func (r *Provider) GetWebhooks() notifier.WebhookSource {
	return notifier.Webhooks(r.conf.Webhooks)
}
