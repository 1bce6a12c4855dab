package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	httpmiddleware "github.com/wolfeidau/qbwc-bridge/internal/http"
	"github.com/wolfeidau/qbwc-bridge/internal/logger"
	"github.com/wolfeidau/qbwc-bridge/internal/qbwc"
	"github.com/wolfeidau/qbwc-bridge/internal/qbxml"
	memorystore "github.com/wolfeidau/qbwc-bridge/internal/store/memory"
	"github.com/wolfeidau/qbwc-bridge/internal/telemetry"
	"github.com/wolfeidau/qbwc-bridge/internal/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:5000" env:"QBWC_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"QBWC_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"QBWC_TLS_KEY"`

	// Web Connector user
	Username   string        `help:"Web Connector username" default:"admin" env:"QBWC_USER"`
	Password   string        `help:"Web Connector password" default:"" env:"QBWC_PASS"`
	SessionTTL time.Duration `help:"idle time after which a session ticket expires (0 disables)" default:"30m" env:"QBWC_SESSION_TTL"`

	CORSOrigins []string `help:"allowed CORS origins for the status endpoints" default:"*" env:"QBWC_CORS_ORIGINS"`
	Tracing     bool     `help:"enable tracing and metrics export" default:"false" env:"QBWC_TRACING"`

	Webhook WebhookFlags `embed:"" prefix:"webhook-"`
}

// WebhookFlags configures delivery to the downstream webhook.
type WebhookFlags struct {
	URL        string        `help:"downstream webhook URL" default:"" env:"N8N_WEBHOOK_URL"`
	Timeout    time.Duration `help:"timeout per delivery attempt" default:"30s" env:"N8N_TIMEOUT"`
	MaxRetries int           `help:"delivery attempts before giving up" default:"3" env:"N8N_MAX_RETRIES"`
	RetryDelay time.Duration `help:"base delay between attempts, grows linearly" default:"2s" env:"N8N_RETRY_DELAY"`
	Gzip       bool          `help:"gzip the webhook request body" default:"false" env:"N8N_GZIP"`
}

func (w *WebhookFlags) Validate() error {
	if w.URL == "" {
		return errors.New("webhook URL is required (--webhook-url or N8N_WEBHOOK_URL)")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook URL must be an absolute http(s) URL, got %q", w.URL)
	}
	if w.Timeout <= 0 {
		return errors.New("webhook timeout must be positive")
	}
	if w.MaxRetries < 1 {
		return errors.New("webhook max retries must be at least 1")
	}
	if w.RetryDelay < 0 {
		return errors.New("webhook retry delay cannot be negative")
	}
	return nil
}

// deliveryBound is the longest a single receiveResponseXML call can spend
// delivering: every attempt timing out plus the linear waits between them.
func (w *WebhookFlags) deliveryBound() time.Duration {
	n := time.Duration(w.MaxRetries)
	return w.Timeout*n + w.RetryDelay*n*(n-1)/2
}

func (w *WebhookFlags) config() webhook.Config {
	return webhook.Config{
		URL:        w.URL,
		Timeout:    w.Timeout,
		MaxRetries: w.MaxRetries,
		RetryDelay: w.RetryDelay,
		Gzip:       w.Gzip,
	}
}

func (c *ServeCmd) Validate() error {
	if c.Username == "" {
		return errors.New("web connector username is required (--username or QBWC_USER)")
	}
	if c.Password == "" {
		return errors.New("web connector password is required (--password or QBWC_PASS)")
	}
	if c.SessionTTL < 0 {
		return errors.New("session TTL cannot be negative")
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS certificate and key must be provided together (--cert and --key)")
	}
	return c.Webhook.Validate()
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	if err := c.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, log, telemetry.Config{
			ServiceName: "qbwc-bridge",
			Version:     globals.Version,
			SampleRatio: 1,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	sessions := memorystore.NewSessionStore(memorystore.WithTTL(c.SessionTTL))
	if err := telemetry.RegisterSessionGauge(sessions.Count); err != nil {
		log.Warn().Err(err).Msg("Failed to register session gauge")
	}

	delivery := webhook.New(c.Webhook.config())

	handler, err := qbwc.NewHandler(sessions, qbxml.NewConverter(), delivery, qbwc.Credentials{
		Username: c.Username,
		Password: c.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to create QBWC handler: %w", err)
	}

	log.Info().
		Str("webhook", redactURL(c.Webhook.URL)).
		Dur("timeout", c.Webhook.Timeout).
		Int("max_retries", c.Webhook.MaxRetries).
		Dur("retry_delay", c.Webhook.RetryDelay).
		Dur("delivery_bound", c.Webhook.deliveryBound()).
		Msg("Webhook client initialized")

	mux := http.NewServeMux()
	mux.Handle("/qbwc", qbwc.NewAdapter(handler))
	mux.Handle("/health", withCORS(c.CORSOrigins, qbwc.HealthHandler(handler, delivery, globals.Version)))
	mux.Handle("/", withCORS(c.CORSOrigins, qbwc.RootHandler(globals.Version)))

	// The connector is not a browser and sends no Origin or Sec-Fetch-Site
	// headers, so cross-origin protection only affects browsers.
	protection := csrf.New()

	var h http.Handler = protection.Handler(mux)
	h = httpmiddleware.RequestLogger(log)(h)
	h = otelhttp.NewHandler(h, "qbwc-bridge")

	// leave room for the slowest possible delivery before the write deadline
	srv := configureHTTPServer(c.Listen, h, c.Webhook.deliveryBound()+time.Minute)

	errCh := make(chan error, 1)
	go func() {
		if c.Cert != "" {
			log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		log.Warn().Str("addr", c.Listen).Msg("Starting plain HTTP server, the Web Connector requires HTTPS unless served from localhost")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Webhook.deliveryBound()+5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// withCORS adds CORS support to the JSON status endpoints.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	})
	return middleware.Handler(h)
}

// redactURL drops the path and query, which for webhooks usually hold the secret.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
