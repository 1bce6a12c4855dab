package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
}

func (r *recordingSleeper) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func testBatch() *models.InvoiceBatch {
	return models.NewInvoiceBatch(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), []models.Invoice{
		{TxnID: "T-1", RefNumber: "R-1", TotalAmount: 10, BalanceRemaining: 0, IsPaid: true},
	})
}

// failingServer fails the first n requests with status, then returns 200.
func failingServer(t *testing.T, n int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			http.Error(w, "unavailable", status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func newTestClient(url string, sleeper *recordingSleeper, mutate ...func(*Config)) *Client {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Timeout = 5 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(cfg, WithSleeper(sleeper.Sleep))
}

func TestPush_success(t *testing.T) {
	var (
		body    map[string]any
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	ok := newTestClient(srv.URL, sleeper).Push(context.Background(), testBatch())
	require.True(t, ok)
	require.Empty(t, sleeper.Waits())

	require.Equal(t, "application/json", headers.Get("Content-Type"))
	require.NotEmpty(t, headers.Get(ChecksumHeader))

	require.Equal(t, "invoices", body["type"])
	require.Equal(t, float64(1), body["count"])
	require.Equal(t, "2024-03-01T12:00:00Z", body["timestamp"])

	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)

	record := data[0].(map[string]any)
	require.Equal(t, "T-1", record["txn_id"])
	require.Equal(t, "R-1", record["ref_number"])
	require.Equal(t, float64(10), record["total_amount"])
	require.Equal(t, true, record["is_paid"])
}

func TestPush_retriesThenSucceeds(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		status   int
	}{
		{name: "one failure", failures: 1, status: http.StatusServiceUnavailable},
		{name: "two failures", failures: 2, status: http.StatusBadGateway},
		{name: "rate limited", failures: 1, status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := failingServer(t, tt.failures, tt.status)
			sleeper := &recordingSleeper{}

			ok := newTestClient(srv.URL, sleeper, func(c *Config) {
				c.MaxRetries = 3
				c.RetryDelay = time.Second
			}).Push(context.Background(), testBatch())

			require.True(t, ok)
			require.Equal(t, tt.failures+1, calls.Load())

			waits := sleeper.Waits()
			require.Len(t, waits, int(tt.failures))
			for i, wait := range waits {
				require.Equal(t, time.Duration(i+1)*time.Second, wait)
				if i > 0 {
					require.Greater(t, wait, waits[i-1])
				}
			}
		})
	}
}

func TestPush_exhaustsRetries(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusInternalServerError)
	sleeper := &recordingSleeper{}

	ok := newTestClient(srv.URL, sleeper, func(c *Config) {
		c.MaxRetries = 4
		c.RetryDelay = 2 * time.Second
	}).Push(context.Background(), testBatch())

	require.False(t, ok)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, sleeper.Waits())
}

func TestPush_clientErrorIsNotRetried(t *testing.T) {
	srv, calls := failingServer(t, 100, http.StatusBadRequest)
	sleeper := &recordingSleeper{}

	ok := newTestClient(srv.URL, sleeper).Push(context.Background(), testBatch())

	require.False(t, ok)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, sleeper.Waits())
}

func TestPush_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sleeper := &recordingSleeper{}
	ok := newTestClient(url, sleeper, func(c *Config) {
		c.MaxRetries = 2
	}).Push(context.Background(), testBatch())

	require.False(t, ok)
	require.Len(t, sleeper.Waits(), 1)
}

func TestPush_invalidBatchStillSent(t *testing.T) {
	srv, calls := failingServer(t, 0, http.StatusOK)
	sleeper := &recordingSleeper{}

	batch := testBatch()
	batch.Count = 5

	ok := newTestClient(srv.URL, sleeper).Push(context.Background(), batch)
	require.True(t, ok)
	require.Equal(t, int32(1), calls.Load())
}

func TestPush_gzip(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	ok := newTestClient(srv.URL, sleeper, func(c *Config) {
		c.Gzip = true
	}).Push(context.Background(), testBatch())

	require.True(t, ok)
	require.Equal(t, "invoices", body["type"])
}

func TestPush_checksumStableAcrossTimestamps(t *testing.T) {
	var (
		mu        sync.Mutex
		checksums []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		checksums = append(checksums, r.Header.Get(ChecksumHeader))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, &recordingSleeper{})

	first := testBatch()
	second := testBatch()
	second.Timestamp = second.Timestamp.Add(time.Hour)

	require.True(t, client.Push(context.Background(), first))
	require.True(t, client.Push(context.Background(), second))

	require.Len(t, checksums, 2)
	require.Equal(t, checksums[0], checksums[1])
}

func TestPush_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sleeper := &recordingSleeper{}
	ok := newTestClient(srv.URL, sleeper, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
		c.MaxRetries = 1
	}).Push(context.Background(), testBatch())

	require.False(t, ok)
	require.Empty(t, sleeper.Waits())
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, &recordingSleeper{})
	require.NoError(t, client.Probe(context.Background()))

	srv.Close()
	require.Error(t, client.Probe(context.Background()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "http status",
			err:      &StatusError{StatusCode: 502},
			expected: ReasonHTTPStatus,
		},
		{
			name:     "permanent http status",
			err:      backoff.Permanent(&StatusError{StatusCode: 404}),
			expected: ReasonHTTPStatus,
		},
		{
			name:     "deadline",
			err:      context.DeadlineExceeded,
			expected: ReasonTimeout,
		},
		{
			name:     "other",
			err:      errors.New("boom"),
			expected: ReasonOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestLinearBackOff(t *testing.T) {
	b := NewLinearBackOff(time.Second, 3)

	require.Equal(t, time.Second, b.NextBackOff())
	require.Equal(t, 2*time.Second, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())

	single := NewLinearBackOff(time.Second, 1)
	require.Equal(t, backoff.Stop, single.NextBackOff())
}
