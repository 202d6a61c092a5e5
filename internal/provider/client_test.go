package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reliable-jobs/internal/breaker"
)

func newTestClient(url string, retries int, breakers *breaker.Registry) (*Client, *[]time.Duration) {
	c := New(Options{Name: "voice", BaseURL: url, Timeout: time.Second, MaxRetries: retries}, breakers, nil)
	waits := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return c, waits
}

func TestCallDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/voice" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"audioUrl": "https://cdn/" + in["publishId"].(string)})
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, 2, breaker.NewRegistry(3, time.Minute))
	var out struct {
		AudioURL string `json:"audioUrl"`
	}
	if err := c.Call(context.Background(), "", "/v1/voice", map[string]any{"publishId": "pub_1"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.AudioURL != "https://cdn/pub_1" {
		t.Fatalf("unexpected reply %+v", out)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, waits := newTestClient(srv.URL, 3, breaker.NewRegistry(10, time.Minute))
	if err := c.Call(context.Background(), "", "/", nil, nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if hits.Load() != 3 || len(*waits) != 2 {
		t.Fatalf("expected 3 hits and 2 waits, got %d and %v", hits.Load(), *waits)
	}
}

func TestCallStopsOnPermanentFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad publish id", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, 5, breaker.NewRegistry(10, time.Minute))
	err := c.Call(context.Background(), "", "/", nil, nil)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("permanent failures must not be retried, hits=%d", hits.Load())
	}
}

func TestCallStopsWhenCircuitOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := breaker.NewRegistry(2, time.Minute)
	c, _ := newTestClient(srv.URL, 5, breakers)
	err := c.Call(context.Background(), "publish:tiktok", "/", nil, nil)
	if !breaker.IsOpen(err) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if err.Error() != "CIRCUIT_OPEN:publish:tiktok" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if hits.Load() != 2 {
		t.Fatalf("expected the loop to stop once the circuit opened, hits=%d", hits.Load())
	}
}

func TestCallWithoutURLIsPermanent(t *testing.T) {
	c, _ := newTestClient("", 3, breaker.NewRegistry(1, time.Minute))
	if err := c.Call(context.Background(), "", "/", nil, nil); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(breakersSnapshot(c)) != 0 {
		t.Fatal("a misconfigured provider must not touch the breaker")
	}
}

func breakersSnapshot(c *Client) []breaker.Snapshot { return c.breakers.Snapshot() }

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(0, 0, 2); b != 0 {
		t.Fatalf("zero base must not panic or wait, got %s", b)
	}
}
