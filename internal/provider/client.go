// Package provider calls the external voice, visual, publish and optimize
// services over JSON HTTP, guarded by the circuit breaker registry.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reliable-jobs/internal/breaker"
	"reliable-jobs/internal/telemetry"
)

// ErrPermanent marks failures that retrying cannot fix, such as a 4xx reply
// or a provider with no URL configured.
var ErrPermanent = errors.New("provider permanent failure")

// StatusError is a non-2xx reply.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is classifies client errors other than 408 and 429 as permanent.
func (e *StatusError) Is(target error) bool {
	if target != ErrPermanent {
		return false
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Options configures one provider client.
type Options struct {
	Name           string
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client posts JSON to one provider.
type Client struct {
	name           string
	baseURL        string
	httpClient     *http.Client
	breakers       *breaker.Registry
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	log            *zap.Logger
	sleep          func(context.Context, time.Duration) error
}

// New builds a client. breakers is shared by every client in the process.
func New(opts Options, breakers *breaker.Registry, log *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Client{
		name:           opts.Name,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		breakers:       breakers,
		maxRetries:     opts.MaxRetries,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		log:            telemetry.OrNop(log),
		sleep:          sleepContext,
	}
}

// Name identifies the provider and is the default breaker key.
func (c *Client) Name() string { return c.name }

// Call posts body to path and decodes the reply into out when out is non-nil.
// Each attempt runs through the breaker under key (the provider name when
// empty). A circuit-open rejection or a permanent failure stops the retry
// loop at once.
func (c *Client) Call(ctx context.Context, key, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: %s provider url is not configured", ErrPermanent, c.name)
	}
	if key == "" {
		key = c.name
	}

	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = c.breakers.Execute(ctx, key, func(ctx context.Context) error {
			return c.do(ctx, path, body, out)
		})
		if err == nil {
			return nil
		}
		if breaker.IsOpen(err) || errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			return err
		}
		if attempt == c.maxRetries {
			break
		}
		wait := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt+1)
		c.log.Debug("provider call failed, retrying",
			zap.String("provider", c.name),
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s request: %v", ErrPermanent, c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrPermanent, c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", c.name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
