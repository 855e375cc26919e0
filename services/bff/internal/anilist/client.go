// Package anilist is the GraphQL transport for the AniList catalog API.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
	"github.com/komacorner/koma-corner/services/bff/internal/metrics"
)

const (
	DefaultEndpoint = "https://graphql.anilist.co"
	maxResponseBody = 4 << 20 // 4 MiB
)

// ClientConfig holds the retry policy.
type ClientConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	Config     ClientConfig
	Limiter    *rate.Limiter
	CB         *gobreaker.CircuitBreaker
	Metrics    metrics.Recorder
	Log        *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

// WithRateLimit caps outbound requests at rps with a burst of one.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) { c.Metrics = metrics.OrNop(m) }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.Log = log
		}
	}
}

func New(endpoint string, cfg ClientConfig, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 300 * time.Millisecond
	}
	c := &Client{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Config:     cfg,
		Metrics:    metrics.Nop{},
		Log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewBreaker builds the circuit breaker used around catalog calls. It opens after
// failures consecutive transport or 5xx errors; GraphQL-level errors do not count.
func NewBreaker(failures uint32, log *zap.Logger) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anilist",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Do posts a GraphQL query and returns the response's data member.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if c.CB == nil {
		return c.doWithRetry(ctx, query, variables)
	}
	out, err := c.CB.Execute(func() (interface{}, error) {
		return c.doWithRetry(ctx, query, variables)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &apperr.NetworkError{StatusText: "catalog unavailable", Err: err}
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (c *Client) doWithRetry(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.Config.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			c.Log.Debug("retrying catalog request", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, &apperr.NetworkError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		data, err := c.do(ctx, query, variables)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.Log.Warn("catalog request failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &apperr.NetworkError{Err: err}
		}
	}
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("anilist: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anilist: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	c.Metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		return nil, &apperr.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	c.Metrics.RecordUpstreamStatus(resp.StatusCode)

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &apperr.NetworkError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode), Err: err}
	}

	var out gqlResponse
	decodeErr := json.Unmarshal(b, &out)
	if len(out.Errors) > 0 {
		msg := strings.TrimSpace(out.Errors[0].Message)
		if msg == "" {
			msg = "GraphQL request failed"
		}
		status := out.Errors[0].Status
		if status == 0 && resp.StatusCode >= 300 {
			status = resp.StatusCode
		}
		return nil, &apperr.RemoteError{Message: msg, Status: status}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.NewStatusError(resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, &apperr.NetworkError{Status: resp.StatusCode, StatusText: "invalid catalog response", Err: decodeErr}
	}
	return out.Data, nil
}

// retryable reports transport failures and 5xx responses.
func retryable(err error) bool {
	var ne *apperr.NetworkError
	if errors.As(err, &ne) {
		if errors.Is(ne.Err, context.Canceled) || errors.Is(ne.Err, context.DeadlineExceeded) {
			return false
		}
		return ne.Status == 0 || ne.Status >= 500
	}
	var re *apperr.RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500
	}
	return false
}
