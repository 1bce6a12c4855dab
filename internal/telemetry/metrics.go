package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/qbwc-bridge"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	AuthFailuresTotal   metric.Int64Counter
	ProtocolCallsTotal  metric.Int64Counter
	InvalidTicketsTotal metric.Int64Counter

	// Conversion metrics
	InvoicesConvertedTotal metric.Int64Counter
	InvoicesDroppedTotal   metric.Int64Counter
	ConversionErrorsTotal  metric.Int64Counter

	// Delivery metrics
	DeliveryAttemptsTotal metric.Int64Counter
	DeliveryFailuresTotal metric.Int64Counter
	DeliveryDuration      metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments bind to the global meter provider at first use, so Init
// should run before the first call.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.AuthFailuresTotal, _ = meter.Int64Counter(
		"qbwc.auth.failures.total",
		metric.WithDescription("Total number of rejected authenticate calls"),
		metric.WithUnit("{call}"),
	)

	m.ProtocolCallsTotal, _ = meter.Int64Counter(
		"qbwc.calls.total",
		metric.WithDescription("Total number of Web Connector protocol calls by action"),
		metric.WithUnit("{call}"),
	)

	m.InvalidTicketsTotal, _ = meter.Int64Counter(
		"qbwc.tickets.invalid.total",
		metric.WithDescription("Total number of calls carrying an unknown or expired ticket"),
		metric.WithUnit("{call}"),
	)

	m.InvoicesConvertedTotal, _ = meter.Int64Counter(
		"qbwc.invoices.converted.total",
		metric.WithDescription("Total number of invoices extracted from qbXML responses"),
		metric.WithUnit("{invoice}"),
	)

	m.InvoicesDroppedTotal, _ = meter.Int64Counter(
		"qbwc.invoices.dropped.total",
		metric.WithDescription("Total number of invoices dropped during extraction"),
		metric.WithUnit("{invoice}"),
	)

	m.ConversionErrorsTotal, _ = meter.Int64Counter(
		"qbwc.conversion.errors.total",
		metric.WithDescription("Total number of qbXML responses that produced no batch"),
		metric.WithUnit("{response}"),
	)

	m.DeliveryAttemptsTotal, _ = meter.Int64Counter(
		"qbwc.delivery.attempts.total",
		metric.WithDescription("Total number of webhook delivery attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.DeliveryFailuresTotal, _ = meter.Int64Counter(
		"qbwc.delivery.failures.total",
		metric.WithDescription("Total number of batches that exhausted delivery retries"),
		metric.WithUnit("{batch}"),
	)

	m.DeliveryDuration, _ = meter.Float64Histogram(
		"qbwc.delivery.duration",
		metric.WithDescription("Duration of webhook delivery including retries"),
		metric.WithUnit("ms"),
	)

	return m
}

// RegisterSessionGauge reports the number of open sessions on each collection.
func RegisterSessionGauge(count func(context.Context) int) error {
	meter := otel.GetMeterProvider().Meter(meterName)

	_, err := meter.Int64ObservableGauge(
		"qbwc.sessions.active",
		metric.WithDescription("Number of open Web Connector sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count(ctx)))
			return nil
		}),
	)
	return err
}
