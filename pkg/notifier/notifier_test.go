package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	samqp "github.com/streadway/amqp"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/amqp"
	lmocks "github.com/scoir/anchor/pkg/amqp/mocks"
	"github.com/scoir/anchor/pkg/datastore"
)

type mockProvider struct {
	hooks    Webhooks
	listener *lmocks.Listener
	err      error
}

func (m *mockProvider) GetWebhooks() WebhookSource {
	return m.hooks
}

func (m *mockProvider) GetAMQPListener(_ string) (amqp.Listener, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.listener, nil
}

// acker records how each delivery was settled.
type acker struct {
	mu     sync.Mutex
	acks   int
	nacks  int
	settle chan struct{}
}

func newAcker() *acker {
	return &acker{settle: make(chan struct{}, 8)}
}

func (r *acker) Ack(_ uint64, _ bool) error {
	r.mu.Lock()
	r.acks++
	r.mu.Unlock()
	r.settle <- struct{}{}
	return nil
}

func (r *acker) Nack(_ uint64, _ bool, _ bool) error {
	r.mu.Lock()
	r.nacks++
	r.mu.Unlock()
	r.settle <- struct{}{}
	return nil
}

func (r *acker) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func (r *acker) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks, r.nacks
}

var event = &datastore.AuditEvent{
	ID:          "7d1c0a52-54c1-4b4c-9b43-0d1f3f0b7a11",
	Fingerprint: "0x5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03",
	Seq:         4,
	Kind:        datastore.Verified,
	Timestamp:   time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	ActorKey:    "0x00000000000000000000000000000000000000aa",
	Payload:     map[string]interface{}{"method": "file"},
}

func delivery(t *testing.T, ack samqp.Acknowledger, e *datastore.AuditEvent) samqp.Delivery {
	d, err := json.Marshal(&Notification{Topic: "audit", Event: e})
	require.NoError(t, err)
	return samqp.Delivery{Acknowledger: ack, MessageId: e.ID, Type: string(e.Kind), ContentType: "application/json", Body: d}
}

type suite struct {
	prov   *mockProvider
	target *Server
	msgs   chan samqp.Delivery
	ack    *acker
}

func setup(t *testing.T, hooks Webhooks) *suite {
	s := &suite{
		prov: &mockProvider{hooks: hooks, listener: &lmocks.Listener{}},
		msgs: make(chan samqp.Delivery, 1),
		ack:  newAcker(),
	}

	var err error
	s.target, err = New(s.prov)
	require.NoError(t, err)
	s.target.interval = time.Millisecond

	s.prov.listener.On("Listen", mock.Anything).Return((<-chan samqp.Delivery)(s.msgs), nil)
	s.prov.listener.On("Close").Return(nil)

	return s
}

func TestWebhooks(t *testing.T) {
	hooks := Webhooks{
		"VERIFIED": {"http://a"},
		"*":        {"http://all"},
	}

	require.Equal(t, []string{"http://a", "http://all"}, hooks.Webhooks("VERIFIED"))
	require.Equal(t, []string{"http://a", "http://all"}, hooks.Webhooks("verified"))
	require.Equal(t, []string{"http://all"}, hooks.Webhooks("CREATED"))
	require.Empty(t, Webhooks{}.Webhooks("CREATED"))
}

func TestServer_Start(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		eventCh := make(chan *http.Request, 1)
		bodyCh := make(chan []byte, 1)
		testSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			b, _ := io.ReadAll(req.Body)
			w.WriteHeader(http.StatusNoContent)
			eventCh <- req
			bodyCh <- b
		}))
		defer testSrv.Close()

		s := setup(t, Webhooks{"VERIFIED": {testSrv.URL}})

		done := make(chan error, 1)
		go func() {
			done <- s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)

		req := <-eventCh
		require.Equal(t, event.ID, req.Header.Get("X-Anchor-Delivery"))

		payload := &WebhookPayload{}
		require.NoError(t, json.Unmarshal(<-bodyCh, payload))
		require.Equal(t, "VERIFIED", payload.Event)
		require.Equal(t, event.Fingerprint, payload.Fingerprint)
		require.True(t, event.Timestamp.Equal(payload.Timestamp))
		require.Equal(t, "file", payload.Message.Payload["method"])

		<-s.ack.settle
		acks, nacks := s.ack.counts()
		require.Equal(t, 1, acks)
		require.Zero(t, nacks)

		close(s.msgs)
		require.EqualError(t, <-done, "notification messages closed")
		s.prov.listener.AssertCalled(t, "Close")
	})

	t.Run("no subscribers", func(t *testing.T) {
		s := setup(t, Webhooks{"CREATED": {"http://127.0.0.1:1"}})
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)
		<-s.ack.settle

		acks, _ := s.ack.counts()
		require.Equal(t, 1, acks)
		close(s.msgs)
	})

	t.Run("server error is retried", func(t *testing.T) {
		var calls int32
		testSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer testSrv.Close()

		s := setup(t, Webhooks{"*": {testSrv.URL}})
		errCh, err := s.target.Errors()
		require.NoError(t, err)
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)
		<-s.ack.settle

		require.Equal(t, int32(3), atomic.LoadInt32(&calls))
		require.Empty(t, errCh)
		close(s.msgs)
	})

	t.Run("bad response", func(t *testing.T) {
		var calls int32
		testSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("bad err"))
		}))
		defer testSrv.Close()

		s := setup(t, Webhooks{"*": {testSrv.URL}})
		errCh, err := s.target.Errors()
		require.NoError(t, err)
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)

		err = <-errCh
		require.Contains(t, err.Error(), "bad err")
		<-s.ack.settle
		require.Equal(t, int32(3), atomic.LoadInt32(&calls))
		close(s.msgs)
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var calls int32
		testSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusGone)
		}))
		defer testSrv.Close()

		s := setup(t, Webhooks{"*": {testSrv.URL}})
		errCh, err := s.target.Errors()
		require.NoError(t, err)
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)

		require.Error(t, <-errCh)
		<-s.ack.settle
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
		close(s.msgs)
	})

	t.Run("unreachable hook", func(t *testing.T) {
		s := setup(t, Webhooks{"VERIFIED": {"http://127.0.0.1:1"}})
		errCh, err := s.target.Errors()
		require.NoError(t, err)
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- delivery(t, s.ack, event)

		require.Error(t, <-errCh)
		<-s.ack.settle
		close(s.msgs)
	})

	t.Run("invalid message", func(t *testing.T) {
		s := setup(t, Webhooks{})
		errCh, err := s.target.Errors()
		require.NoError(t, err)
		go func() {
			_ = s.target.Start(context.Background())
		}()

		s.msgs <- samqp.Delivery{Acknowledger: s.ack, ContentType: "application/json", Body: []byte(`{`)}

		require.Error(t, <-errCh)
		<-s.ack.settle
		acks, nacks := s.ack.counts()
		require.Zero(t, acks)
		require.Equal(t, 1, nacks)

		s.msgs <- samqp.Delivery{Acknowledger: s.ack, ContentType: "application/json", Body: []byte(`{"topic":"audit"}`)}
		require.Error(t, <-errCh)
		<-s.ack.settle
		close(s.msgs)
	})

	t.Run("context cancelled", func(t *testing.T) {
		s := setup(t, Webhooks{})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.target.Start(ctx)
		}()

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("listener error", func(t *testing.T) {
		prov := &mockProvider{hooks: Webhooks{}, listener: &lmocks.Listener{}}
		target, err := New(prov)
		require.NoError(t, err)

		prov.listener.On("Listen", mock.Anything).Return(nil, errors.New("boom"))
		prov.listener.On("Close").Return(nil)

		err = target.Start(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "unable to consume")
	})

	t.Run("no listener", func(t *testing.T) {
		prov := &mockProvider{err: errors.New("dial failed")}

		_, err := New(prov)
		require.Error(t, err)
	})

	t.Run("errors registered once", func(t *testing.T) {
		target := &Server{}
		_, err := target.Errors()
		require.NoError(t, err)
		_, err = target.Errors()
		require.Error(t, err)
	})
}
