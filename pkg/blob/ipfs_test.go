package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
)

type fakeIPFS struct {
	mu    sync.Mutex
	files map[string][]byte
	auth  string
}

func (r *fakeIPFS) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if user, pass, ok := req.BasicAuth(); r.auth != "" && (!ok || user+":"+pass != r.auth) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch req.URL.Path {
	case "/api/v0/version":
		_, _ = w.Write([]byte(`{"Version":"0.20.0"}`))
	case "/api/v0/files/write":
		f, _, err := req.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		r.files[req.URL.Query().Get("arg")] = b
	case "/api/v0/files/read":
		b, ok := r.files[req.URL.Query().Get("arg")]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"Message":"file does not exist","Code":0}`))
			return
		}
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestIPFSProvider(t *testing.T) {
	ctx := context.Background()
	fake := &fakeIPFS{files: map[string][]byte{}, auth: "user:secret"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	endpoint := strings.Replace(srv.URL, "http://", "http://user:secret@", 1)
	p, err := NewIPFSProvider("", endpoint, srv.Client())
	require.NoError(t, err)

	t.Run("probe", func(t *testing.T) {
		require.NoError(t, p.Probe(ctx))
	})

	t.Run("write and read", func(t *testing.T) {
		loc, err := p.Upload(ctx, []byte("sealed"))
		require.NoError(t, err)
		require.Equal(t, Locator([]byte("sealed")), loc)

		got, err := p.Fetch(ctx, loc)
		require.NoError(t, err)
		require.Equal(t, []byte("sealed"), got)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := p.Fetch(ctx, Locator([]byte("other")))
		require.True(t, apperror.Is(err, apperror.NotFound))
	})

	t.Run("unreachable", func(t *testing.T) {
		down, err := NewIPFSProvider("down", "http://127.0.0.1:1", nil)
		require.NoError(t, err)
		err = down.Probe(ctx)
		require.True(t, apperror.Is(err, apperror.BlobUnavailable))
	})

	t.Run("via gateway", func(t *testing.T) {
		g, err := NewGateway(fastConfig(), p)
		require.NoError(t, err)

		loc, err := g.Upload(ctx, []byte("through gateway"))
		require.NoError(t, err)

		got, err := g.Fetch(ctx, loc)
		require.NoError(t, err)
		require.Equal(t, []byte("through gateway"), got)
	})
}

func TestParseProviders(t *testing.T) {
	ps, err := ParseProviders(context.Background(), "memory://primary, ipfs+http://user:pw@localhost:5001")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.Equal(t, "memory:primary", ps[0].Name())
	require.Equal(t, "ipfs:localhost:5001", ps[1].Name())

	_, err = ParseProviders(context.Background(), "ftp://host")
	require.Error(t, err)

	_, err = ParseProviders(context.Background(), " , ")
	require.Error(t, err)
}
