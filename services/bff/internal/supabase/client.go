// Package supabase talks to the hosted BaaS: GoTrue for auth and PostgREST for
// the per-user tables.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
)

const maxResponseBody = 1 << 20

// Option configures the shared HTTP plumbing of both clients.
type Option func(*base)

func WithHTTPClient(hc *http.Client) Option {
	return func(b *base) { b.http = hc }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *base) { b.log = log }
}

type base struct {
	url    string
	apiKey string
	http   *http.Client
	log    *zap.Logger
}

func newBase(rawURL, apiKey string, opts []Option) base {
	b := base{
		url:    strings.TrimRight(rawURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// errorBody covers the GoTrue and PostgREST error shapes.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (e errorBody) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func (e errorBody) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	var s string
	if json.Unmarshal(e.Code, &s) == nil {
		return s
	}
	return ""
}

// request is one call against the BaaS. token is the user's access token; when
// empty the API key is sent as bearer.
type request struct {
	method  string
	path    string
	query   url.Values
	token   string
	body    any
	headers map[string]string
}

// do sends r and decodes a 2xx body into out when out is non-nil.
func (b base) do(ctx context.Context, r request, out any) error {
	u := b.url + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		buf, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("supabase: encode %s: %w", r.path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("supabase: build request: %w", err)
	}
	req.Header.Set("apikey", b.apiKey)
	token := r.token
	if token == "" {
		token = b.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return &apperr.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &apperr.NetworkError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.text() != "" {
			rerr := &apperr.RemoteError{Message: eb.text(), Code: eb.code(), Status: resp.StatusCode}
			if resp.StatusCode == http.StatusConflict || rerr.Code == "23505" {
				return fmt.Errorf("%w: %s", apperr.ErrAlreadyExists, rerr.Message)
			}
			return rerr
		}
		if resp.StatusCode == http.StatusConflict {
			return apperr.ErrAlreadyExists
		}
		return apperr.NewStatusError(resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperr.NetworkError{Status: resp.StatusCode, StatusText: "invalid response body", Err: err}
	}
	return nil
}
