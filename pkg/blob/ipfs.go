package blob

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apperror"
)

const maxBlobBytes = 64 << 20

// IPFSProvider talks to the HTTP RPC API of an IPFS node or pinning gateway.
type IPFSProvider struct {
	name     string
	endpoint string
	user     string
	password string
	client   *http.Client
}

func NewIPFSProvider(name, endpoint string, client *http.Client) (*IPFSProvider, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "invalid ipfs endpoint")
	}

	p := &IPFSProvider{name: name, client: client}
	if u.User != nil {
		p.user = u.User.Username()
		p.password, _ = u.User.Password()
		u.User = nil
	}
	p.endpoint = strings.TrimSuffix(u.String(), "/")

	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.name == "" {
		p.name = "ipfs:" + u.Host
	}

	return p, nil
}

func (r *IPFSProvider) Name() string {
	return r.name
}

const mfsRoot = "/anchor/"

// Upload writes data into the node's mutable file system under its content locator,
// which keeps it pinned and addressable by the same name on every provider.
func (r *IPFSProvider) Upload(ctx context.Context, data []byte) (string, error) {
	loc := Locator(data)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", loc)
	if err != nil {
		return "", errors.Wrap(err, "unable to build ipfs upload")
	}
	if _, err := fw.Write(data); err != nil {
		return "", errors.Wrap(err, "unable to build ipfs upload")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "unable to build ipfs upload")
	}

	q := url.Values{}
	q.Set("arg", mfsRoot+loc)
	q.Set("create", "true")
	q.Set("parents", "true")
	q.Set("truncate", "true")
	if _, err := r.call(ctx, "/api/v0/files/write?"+q.Encode(), body, mw.FormDataContentType()); err != nil {
		return "", err
	}

	return loc, nil
}

func (r *IPFSProvider) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return r.call(ctx, "/api/v0/files/read?arg="+url.QueryEscape(mfsRoot+locator), nil, "")
}

func (r *IPFSProvider) Probe(ctx context.Context) error {
	_, err := r.call(ctx, "/api/v0/version", nil, "")
	return err
}

// call POSTs to the RPC API. Connection errors and 5xx responses are transient.
func (r *IPFSProvider) call(ctx context.Context, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build ipfs request")
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.user != "" {
		req.SetBasicAuth(r.user, r.password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperror.Wrap(err, apperror.BlobTimeout, r.name+" request timed out")
		}
		return nil, apperror.Wrap(err, apperror.BlobUnavailable, r.name+" is unreachable")
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.BlobUnavailable, "unable to read "+r.name+" response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return b, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		if bytes.Contains(b, []byte("does not exist")) || bytes.Contains(b, []byte("not found")) {
			return nil, apperror.Newf(apperror.NotFound, "%s does not hold the blob", r.name)
		}
		return nil, apperror.Newf(apperror.BlobUnavailable, "%s answered %d", r.name, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperror.Newf(apperror.NotFound, "%s does not hold the blob", r.name)
	default:
		return nil, apperror.Newf(apperror.BlobUnavailable, "%s rejected the request with %d", r.name, resp.StatusCode)
	}
}
