package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/config"
)

type staticProvider struct {
	conf config.Config
}

func (r *staticProvider) Config() config.Config {
	return r.conf
}

type fakeAPI struct {
	started chan struct{}
}

func (r *fakeAPI) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func (r *fakeAPI) Start(context.Context) {
	close(r.started)
}

func TestNew(t *testing.T) {
	_, err := New(&staticProvider{}, &fakeAPI{})
	require.Error(t, err)

	r, err := New(&staticProvider{conf: config.Config{API: config.Endpoint{Host: "127.0.0.1", Port: 7779}}}, &fakeAPI{})
	require.NoError(t, err)
	require.Equal(t, 7779, r.port)
}

func TestRunner_Handler(t *testing.T) {
	do := func(h http.Handler, path string, user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("open metrics", func(t *testing.T) {
		r := &Runner{ac: &fakeAPI{}}
		h := r.Handler()

		rec := do(h, "/metrics", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "go_goroutines")

		require.Equal(t, http.StatusTeapot, do(h, "/api/v1/health", "", "").Code)
	})

	t.Run("protected metrics", func(t *testing.T) {
		r := &Runner{ac: &fakeAPI{}, metricsUsername: "prom", metricsPassword: "scrape"}
		h := r.Handler()

		require.Equal(t, http.StatusUnauthorized, do(h, "/metrics", "", "").Code)
		require.Equal(t, http.StatusUnauthorized, do(h, "/metrics", "prom", "wrong").Code)
		require.Equal(t, http.StatusOK, do(h, "/metrics", "prom", "scrape").Code)
	})

	t.Run("cors preflight", func(t *testing.T) {
		r := &Runner{ac: &fakeAPI{}}
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/credentials", nil)
		req.Header.Set("Origin", "https://wallet.example.edu")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		r.Handler().ServeHTTP(rec, req)

		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRunner_Launch(t *testing.T) {
	api := &fakeAPI{started: make(chan struct{})}
	r := &Runner{ac: api, host: "127.0.0.1", port: 0}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Launch(ctx) }()

	select {
	case <-api.started:
	case <-time.After(time.Second):
		t.Fatal("background work was not started")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
