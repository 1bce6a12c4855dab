// Package webhook delivers invoice batches to the downstream automation
// endpoint (an n8n webhook in the reference deployment).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
	"github.com/wolfeidau/qbwc-bridge/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ChecksumHeader carries a CRC64-NVME of the batch records so the receiver can
// discard a batch it has already seen.
const ChecksumHeader = "X-Batch-Checksum"

// Failure reasons reported in logs once retries are exhausted.
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonHTTPStatus        = "http_status"
	ReasonOther             = "other"
)

var errInvalidBatch = errors.New("invalid batch")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
}

// Config holds the delivery settings.
type Config struct {
	URL        string
	Timeout    time.Duration // per attempt
	MaxRetries int           // total attempts
	RetryDelay time.Duration // base delay, attempt k waits RetryDelay*k
	Gzip       bool
}

// DefaultConfig returns the delivery defaults; URL must still be set.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// Client posts invoice batches to the webhook with bounded retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sleep      Sleeper
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSleeper replaces the wait between attempts, used by tests.
func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push delivers batch and reports whether the webhook accepted it. Failures are
// logged, never returned; the caller has no way to report them upstream.
func (c *Client) Push(ctx context.Context, batch *models.InvoiceBatch) bool {
	log := zerolog.Ctx(ctx)
	metrics := telemetry.GetMetrics()

	started := time.Now()
	defer func() {
		metrics.DeliveryDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	}()

	if err := checkBatch(batch); err != nil {
		log.Warn().Err(err).Msg("Batch failed sanity check, sending anyway")
	}

	body, checksum, err := c.encode(batch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode batch")
		metrics.DeliveryFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonOther)))
		return false
	}

	if batch != nil {
		log.Info().
			Str("type", batch.Type).
			Int("items", len(batch.Records)).
			Int("bytes", len(body)).
			Msg("Sending batch to webhook")
	}

	policy := NewLinearBackOff(c.cfg.RetryDelay, c.cfg.MaxRetries)

	var lastErr error
	attempt := 0
	for {
		attempt++
		metrics.DeliveryAttemptsTotal.Add(ctx, 1)

		lastErr = c.send(ctx, body, checksum)
		if lastErr == nil {
			log.Info().Int("attempt", attempt).Msg("Batch delivered to webhook")
			return true
		}

		var permanent *backoff.PermanentError
		if errors.As(lastErr, &permanent) {
			break
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxRetries).
			Dur("retry_in", wait).
			Msg("Webhook delivery failed, retrying")

		c.sleep(ctx, wait)
	}

	reason := Classify(lastErr)
	evt := log.Error().
		Err(lastErr).
		Str("reason", reason).
		Int("attempts", attempt).
		Dur("timeout", c.cfg.Timeout)

	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) {
		evt = evt.Int("status", statusErr.StatusCode).Str("response", statusErr.Body)
	}
	evt.Msg("Webhook delivery failed")

	metrics.DeliveryFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return false
}

// Probe checks that the webhook host answers. Any HTTP response counts as
// reachable, webhooks commonly reject HEAD.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) send(ctx context.Context, body []byte, checksum uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ChecksumHeader, strconv.FormatUint(checksum, 16))
	if c.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	if retryableStatus(resp.StatusCode) {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}

func (c *Client) encode(batch *models.InvoiceBatch) ([]byte, uint64, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal batch: %w", err)
	}

	var checksum uint64
	if batch != nil {
		records, err := json.Marshal(batch.Records)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal records: %w", err)
		}
		h := crc64nvme.New()
		h.Write(records)
		checksum = h.Sum64()
	}

	if !c.cfg.Gzip {
		return payload, checksum, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), checksum, nil
}

func checkBatch(batch *models.InvoiceBatch) error {
	switch {
	case batch == nil:
		return fmt.Errorf("%w: nil", errInvalidBatch)
	case batch.Type == "":
		return fmt.Errorf("%w: missing type", errInvalidBatch)
	case batch.Records == nil:
		return fmt.Errorf("%w: missing data", errInvalidBatch)
	case batch.Count != len(batch.Records):
		return fmt.Errorf("%w: count %d does not match %d records", errInvalidBatch, batch.Count, len(batch.Records))
	}
	return nil
}

// retryableStatus reports whether a non-2xx status is worth another attempt.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// Classify maps a delivery error to one of the Reason constants.
func Classify(err error) string {
	var (
		statusErr *StatusError
		netErr    net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &statusErr):
		return ReasonHTTPStatus
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	default:
		return ReasonOther
	}
}
