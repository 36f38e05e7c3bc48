package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	samqp "github.com/streadway/amqp"

	"github.com/scoir/anchor/pkg/amqp"
	"github.com/scoir/anchor/pkg/util"
)

// WebhookSource resolves the webhook URLs subscribed to an event kind.
type WebhookSource interface {
	Webhooks(event string) []string
}

// Webhooks maps event kinds to subscriber URLs. The "*" key receives every event.
type Webhooks map[string][]string

func (r Webhooks) Webhooks(event string) []string {
	out := append([]string{}, r[strings.ToUpper(event)]...)
	return append(out, r["*"]...)
}

type Server struct {
	hooks    WebhookSource
	listener amqp.Listener
	client   *http.Client
	errors   chan error

	attempts uint64
	interval time.Duration
}

type provider interface {
	GetWebhooks() WebhookSource
	GetAMQPListener(queue string) (amqp.Listener, error)
}

func New(prov provider) (*Server, error) {
	listener, err := prov.GetAMQPListener(QueueName)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create notification listener")
	}

	srv := &Server{
		hooks:    prov.GetWebhooks(),
		listener: listener,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		interval: 500 * time.Millisecond,
	}

	return srv, nil
}

// Start delivers notifications until ctx is done or the queue closes.
func (r *Server) Start(ctx context.Context) error {
	defer func() { _ = r.listener.Close() }()

	msgs, err := r.listener.Listen(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to consume")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("notification messages closed")
			}
			r.handle(ctx, d)
		}
	}
}

// handle fans one delivery out to its webhooks. Undecodable messages are dropped;
// everything else is acknowledged once every hook has had its attempts.
func (r *Server) handle(ctx context.Context, d samqp.Delivery) {
	note := &Notification{}
	if err := json.Unmarshal(d.Body, note); err != nil || note.Event == nil {
		if err == nil {
			err = errors.New("notification carries no event")
		}
		r.Error(errors.Wrapf(err, "bad notification message %s", d.MessageId))
		if nerr := d.Nack(false, false); nerr != nil {
			log.WithError(nerr).Debug("unable to nack notification")
		}
		return
	}

	e := note.Event
	hooks := r.hooks.Webhooks(string(e.Kind))
	if len(hooks) == 0 {
		log.WithFields(log.Fields{"topic": note.Topic, "event": e.Kind}).Debug("no webhooks for event")
	}

	data, _ := json.Marshal(&WebhookPayload{
		ID:          e.ID,
		Event:       string(e.Kind),
		Fingerprint: e.Fingerprint,
		Timestamp:   e.Timestamp,
		Message:     e,
	})
	for _, hook := range hooks {
		if err := r.deliver(ctx, hook, e.ID, data); err != nil {
			r.Error(errors.Wrapf(err, "unable to post event %s to hook %s", e.ID, hook))
		}
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Debug("unable to ack notification")
	}
}

// deliver posts data to hook, retrying network failures and 5xx responses.
func (r *Server) deliver(ctx context.Context, hook, id string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.RetryNotify(func() error {
		err := r.post(ctx, hook, id, data)
		var status *statusError
		if errors.As(err, &status) && status.code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.attempts-1), ctx), util.Logger)
}

type statusError struct {
	code int
	body string
}

func (r *statusError) Error() string {
	return "hook responded " + http.StatusText(r.code) + ": " + r.body
}

func (r *Server) post(ctx context.Context, hook, id string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Anchor-Delivery", id)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(b)}
	}

	return nil
}

func (r *Server) Error(err error) {
	if r.errors == nil {
		log.WithError(err).Warn("webhook notification failed")
		return
	}

	r.errors <- err
}

func (r *Server) Errors() (chan error, error) {
	if r.errors != nil {
		return nil, errors.New("error listener already registered")
	}

	r.errors = make(chan error, 1)
	return r.errors, nil
}
