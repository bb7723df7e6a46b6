// Package rpc talks to the messaging API gateway that fronts the group call
// and file services. Every method is a JSON POST to
// {base}/v1/methods/{method}; the gateway answers with an envelope carrying
// either a result or a typed API error.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"livecall/internal/models"
	"livecall/internal/observability/logging"
	"livecall/internal/observability/metrics"
)

// DCHeader routes a request to a specific datacenter behind the gateway.
const DCHeader = "X-Gateway-DC"

// Config configures a gateway Client.
type Config struct {
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	MaxAttempts   int
	RetryInterval time.Duration
	Timeout       time.Duration
	// BaseDC serves calls that do not advertise a stream datacenter.
	BaseDC int
	// StateCacheTTL is how long a relay state result is reused (default 1s).
	StateCacheTTL time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Client implements the group call and profile collaborators of the session
// controller over the gateway.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts int
	interval time.Duration
	baseDC   int
	cacheTTL time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	states  singleflight.Group
	cacheMu sync.Mutex
	cache   map[int64]cachedState
	now     func() time.Time
}

type cachedState struct {
	state   models.RelayState
	err     error
	expires time.Time
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	baseDC := cfg.BaseDC
	if baseDC <= 0 {
		baseDC = 2
	}
	ttl := cfg.StateCacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  base,
		token:    strings.TrimSpace(cfg.Token),
		http:     httpClient,
		attempts: attempts,
		interval: cfg.RetryInterval,
		baseDC:   baseDC,
		cacheTTL: ttl,
		logger:   logging.WithComponent(logger, "rpc"),
		metrics:  cfg.Metrics,
		cache:    make(map[int64]cachedState),
		now:      time.Now,
	}, nil
}

// ErrMalformedResponse is returned when a successful response carries no
// readable envelope.
var ErrMalformedResponse = errors.New("malformed gateway response")

// StatusError is a non-envelope HTTP failure from the gateway.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type envelope struct {
	OK     bool             `json:"ok"`
	Result json.RawMessage  `json:"result"`
	Error  *models.APIError `json:"error"`
}

// invoke calls method on dc (0 for the gateway default) and decodes the
// result into dest.
func (c *Client) invoke(ctx context.Context, method string, dc int, params, dest any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	started := time.Now()
	result, err := c.doWithRetry(ctx, method, dc, payload)
	c.metrics.ObserveRPC(method, time.Since(started))
	if err != nil {
		return err
	}
	if dest == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, dest); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, method string, dc int, payload []byte) (json.RawMessage, error) {
	url := c.baseURL + "/v1/methods/" + method
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, err := c.do(ctx, url, dc, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == c.attempts {
			break
		}
		c.logger.Warn("gateway request failed", "method", method, "dc", dc, "attempt", attempt, "error", err)
		if c.interval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.interval):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, dc int, payload []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if dc > 0 {
		req.Header.Set(DCHeader, strconv.Itoa(dc))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if statusErr.Temporary() {
		return nil, statusErr
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, statusErr
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !env.OK {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, statusErr
	}
	return env.Result, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, ErrMalformedResponse)
}
