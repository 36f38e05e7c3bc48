package anchor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apiserver"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/verification"
)

// Error is a failed API call, carrying the error envelope of the response.
type Error struct {
	Status    int
	Code      string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (r *Error) Error() string {
	return r.Code + ": " + r.Message
}

// Health mirrors the /health report.
type Health struct {
	Status      string `json:"status"`
	RecordStore struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"recordStore"`
	Blob struct {
		Status     string `json:"status"`
		QueueDepth int64  `json:"queueDepth"`
		Providers  []struct {
			Name        string `json:"name"`
			Available   bool   `json:"available"`
			LastLatency int64  `json:"lastLatency"`
		} `json:"providers"`
	} `json:"blob"`
	Ledger struct {
		Status string `json:"status"`
		Head   uint64 `json:"head"`
		Error  string `json:"error,omitempty"`
	} `json:"ledger"`
	Pending int `json:"pendingOperations"`
}

// Client talks to an anchor API server over HTTP.
type Client struct {
	base   string
	token  string
	client *http.Client
}

func New(endpoint string) *Client {
	return &Client{
		base:   strings.TrimRight(endpoint, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithToken returns a copy of the client that sends token as its bearer credential.
func (r *Client) WithToken(token string) *Client {
	out := *r
	out.token = token
	return &out
}

// Login runs the challenge handshake for key and keeps the resulting session token.
func (r *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (*auth.Session, error) {
	wallet := crypto.WalletOf(key)

	ch := &auth.Challenge{}
	if err := r.postJSON(ctx, "/auth/challenge", map[string]string{"wallet": wallet}, ch); err != nil {
		return nil, err
	}

	sig, err := crypto.SignMessage(key, []byte(ch.Message))
	if err != nil {
		return nil, err
	}

	sess := &auth.Session{}
	if err := r.postJSON(ctx, "/auth/verify", map[string]string{"wallet": wallet, "signature": sig}, sess); err != nil {
		return nil, err
	}

	r.token = sess.Token
	return sess, nil
}

func (r *Client) VerifyFile(ctx context.Context, name string, body []byte) (*verification.Result, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build upload")
	}
	if _, err := part.Write(body); err != nil {
		return nil, errors.Wrap(err, "unable to build upload")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to build upload")
	}

	out := &verification.Result{}
	err = r.do(ctx, http.MethodPost, "/credentials/verify", mw.FormDataContentType(), buf, out)
	return out, err
}

func (r *Client) VerifyFingerprint(ctx context.Context, fingerprint string) (*verification.Result, error) {
	out := &verification.Result{}
	err := r.do(ctx, http.MethodGet, "/credentials/verify/"+url.PathEscape(fingerprint), "", nil, out)
	return out, err
}

// ShareQR fetches the PNG share code for a credential the caller can view.
func (r *Client) ShareQR(ctx context.Context, fingerprint string) ([]byte, error) {
	resp, err := r.send(ctx, http.MethodGet, apiserver.Prefix+"/credentials/"+url.PathEscape(fingerprint)+"/qr", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure(resp)
	}

	return io.ReadAll(resp.Body)
}

// Health returns the server health report. A 503 still yields the report.
func (r *Client) Health(ctx context.Context) (*Health, error) {
	resp, err := r.send(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Health{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, errors.Wrapf(err, "unexpected health response (%d)", resp.StatusCode)
	}

	return out, nil
}

func (r *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "unable to encode request")
	}

	return r.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), out)
}

// do calls an enveloped API route and decodes its data into out.
func (r *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	resp, err := r.send(ctx, method, apiserver.Prefix+path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return failure(resp)
	}

	env := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrap(err, "unable to decode response")
	}

	return errors.Wrap(json.Unmarshal(env.Data, out), "unable to decode response data")
}

func (r *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build request")
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}

	return resp, nil
}

func failure(resp *http.Response) error {
	out := &Error{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil || out.Code == "" {
		out.Code = http.StatusText(resp.StatusCode)
	}

	return out
}
