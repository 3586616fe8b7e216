package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/yourorg/calltrace/internal/capture"
	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/pkg/types"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("capture platform unavailable")
	// ErrNotFound is returned when the platform has no record of the call.
	ErrNotFound = errors.New("call not found on capture platform")
)

// StatusError is a non-2xx answer from the platform.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform error status %d: %s", e.Code, e.Body)
}

// Client fetches SIP traces and RTCP reports from the capture platform.
type Client struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger

	breaker *gobreaker.CircuitBreaker[[]byte]
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New builds a client with a circuit breaker configured from cfg.
func New(cfg config.PlatformConfig, logger *slog.Logger) *Client {
	c := &Client{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		Logger:     logger,
	}
	threshold := cfg.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "capture-platform",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return c
}

// FetchTrace returns the SIP messages of callID in capture order.
func (c *Client) FetchTrace(ctx context.Context, callID string) ([]types.SipMessage, error) {
	data, err := c.fetch(ctx, callID, "messages")
	if err != nil {
		return nil, err
	}
	return capture.DecodeMessages(data)
}

// FetchRTCP returns the RTCP samples reported for callID.
func (c *Client) FetchRTCP(ctx context.Context, callID string) ([]types.RtcpMetric, error) {
	data, err := c.fetch(ctx, callID, "rtcp")
	if err != nil {
		return nil, err
	}
	return capture.DecodeMetrics(data)
}

func (c *Client) fetch(ctx context.Context, callID, kind string) (json.RawMessage, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, fmt.Errorf("%w: call id is empty", types.ErrInvalidInput)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/v3/calls/" + url.PathEscape(callID) + "/" + kind

	var body []byte
	var err error
	if c.breaker != nil {
		body, err = c.breaker.Execute(func() ([]byte, error) { return c.get(ctx, endpoint) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else {
		body, err = c.get(ctx, endpoint)
	}
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", callID, ErrNotFound)
		}
		return nil, err
	}

	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", kind, err)
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger != nil {
		c.Logger.Debug("platform request", "url", endpoint)
	}

	var lastErr error
	maxRetries := c.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				if err := sleepFn(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				if err := sleepFn(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if attempt < maxRetries {
				wait := backoff(attempt)
				if resp.StatusCode == http.StatusTooManyRequests {
					if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
						if secs, err := strconv.Atoi(ra); err == nil {
							wait = time.Duration(secs) * time.Second
						}
					}
				}
				if c.Logger != nil {
					c.Logger.Warn("platform retry", "url", endpoint, "status", resp.StatusCode, "attempt", attempt+1)
				}
				if err := sleepFn(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = errors.New("platform request failed")
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Second << attempt
}
