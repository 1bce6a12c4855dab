package qbwc

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/qbwc-bridge/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Web Connector actions, selected with the "action" query parameter.
const (
	ActionServerVersion      = "serverVersion"
	ActionClientVersion      = "clientVersion"
	ActionAuthenticate       = "authenticate"
	ActionSendRequestXML     = "sendRequestXML"
	ActionReceiveResponseXML = "receiveResponseXML"
	ActionConnectionError    = "connectionError"
	ActionGetLastError       = "getLastError"
	ActionCloseConnection    = "closeConnection"
)

// maxResponseBytes bounds the qbXML body accepted on receiveResponseXML.
const maxResponseBytes = 32 << 20

// Adapter maps HTTP requests onto Handler operations. Parameters arrive as
// query values; receiveResponseXML carries the qbXML document as the body.
type Adapter struct {
	handler *Handler
}

// NewAdapter creates an Adapter for handler.
func NewAdapter(handler *Handler) *Adapter {
	return &Adapter{handler: handler}
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	action := q.Get("action")
	if action == "" {
		zerolog.Ctx(ctx).Warn().Msg("QBWC endpoint called without action parameter")
		http.Error(w, "Missing action parameter", http.StatusBadRequest)
		return
	}

	log := zerolog.Ctx(ctx).With().Str("action", action).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Msg("QBWC action")

	telemetry.GetMetrics().ProtocolCallsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Error handling QBWC action")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}()

	var result string
	switch action {
	case ActionServerVersion:
		result = a.handler.ServerVersion(ctx)

	case ActionClientVersion:
		result = a.handler.ClientVersion(ctx, q.Get("strVersion"))

	case ActionAuthenticate:
		username, password := q.Get("strUserName"), q.Get("strPassword")
		if username == "" || password == "" {
			log.Warn().Msg("Authentication attempt with missing credentials")
			http.Error(w, "Missing credentials", http.StatusBadRequest)
			return
		}
		result = a.handler.Authenticate(ctx, username, password)

	case ActionSendRequestXML:
		ticket := q.Get("ticket")
		if ticket == "" {
			log.Warn().Msg("sendRequestXML called without ticket")
			http.Error(w, "Missing ticket", http.StatusBadRequest)
			return
		}
		result = a.handler.SendRequestXML(ctx, ticket, q.Get("strHCPResponse"), q.Get("strCompanyFileName"))

	case ActionReceiveResponseXML:
		ticket := q.Get("ticket")
		if ticket == "" {
			log.Warn().Msg("receiveResponseXML called without ticket")
			http.Error(w, "Missing ticket", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read response XML body")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		result = a.handler.ReceiveResponseXML(ctx, ticket, string(body), q.Get("hresult"), q.Get("message"))

	case ActionConnectionError:
		result = a.handler.ConnectionError(ctx, q.Get("ticket"), q.Get("hresult"), q.Get("message"))

	case ActionGetLastError:
		result = a.handler.GetLastError(ctx, q.Get("ticket"))

	case ActionCloseConnection:
		result = a.handler.CloseConnection(ctx, q.Get("ticket"))

	default:
		log.Warn().Msg("Unknown action")
		http.Error(w, "Unknown action: "+action, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, result)
}
