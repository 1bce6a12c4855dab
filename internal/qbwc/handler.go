// Package qbwc implements the QuickBooks Web Connector protocol: the ticket
// based session state machine and the HTTP adapter the connector talks to.
package qbwc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
	"github.com/wolfeidau/qbwc-bridge/internal/qbxml"
	"github.com/wolfeidau/qbwc-bridge/internal/store"
	"github.com/wolfeidau/qbwc-bridge/internal/telemetry"
)

// Wire values returned to the Web Connector. These are part of the protocol
// contract and must not change.
const (
	ServerVersion = "1.0.0"

	ResultOK          = "OK"
	ResultVersionWarn = "W:Server version mismatch"
	ResultInvalidUser = "nvu\nInvalid credentials"
	ResultDone        = "done"
	ResultNoError     = "No error"
	ProgressComplete  = "0"
	ProgressMore      = "100" // never returned, queries are not paginated

	// authenticate success: ticket, company file ("none" uses the open file),
	// seconds to wait before the next update
	authenticateSuffix = "\nnone\n0"
)

var errInvalidTransition = errors.New("invalid session transition")

// Converter turns a qbXML response into an invoice batch.
type Converter interface {
	Convert(ctx context.Context, doc string) (*models.InvoiceBatch, error)
}

// Pusher delivers a batch downstream and reports success.
type Pusher interface {
	Push(ctx context.Context, batch *models.InvoiceBatch) bool
}

// Credentials for the single configured Web Connector user.
type Credentials struct {
	Username string
	Password string
}

// Handler drives the Web Connector session state machine. Every method returns
// the plain-text protocol result and never fails; problems are logged.
type Handler struct {
	sessions  store.SessionStore
	converter Converter
	pusher    Pusher
	creds     Credentials
	query     string
}

// NewHandler creates a Handler. The query document is built once since it
// never varies between sessions.
func NewHandler(sessions store.SessionStore, converter Converter, pusher Pusher, creds Credentials) (*Handler, error) {
	query, err := qbxml.DefaultInvoiceQuery()
	if err != nil {
		return nil, fmt.Errorf("failed to build invoice query: %w", err)
	}

	return &Handler{
		sessions:  sessions,
		converter: converter,
		pusher:    pusher,
		creds:     creds,
		query:     query,
	}, nil
}

// ServerVersion returns the version reported to the connector.
func (h *Handler) ServerVersion(ctx context.Context) string {
	zerolog.Ctx(ctx).Debug().Str("version", ServerVersion).Msg("Server version requested")
	return ServerVersion
}

// ClientVersion accepts any non-empty connector version.
func (h *Handler) ClientVersion(ctx context.Context, version string) string {
	log := zerolog.Ctx(ctx)
	if version == "" {
		log.Warn().Msg("Client version not provided")
		return ResultVersionWarn
	}
	log.Debug().Str("client_version", version).Msg("Client version")
	return ResultOK
}

// Authenticate checks the credentials and opens a session on success.
func (h *Handler) Authenticate(ctx context.Context, username, password string) string {
	log := zerolog.Ctx(ctx).With().Str("username", username).Logger()
	metrics := telemetry.GetMetrics()

	if !h.credentialsMatch(username, password) {
		log.Warn().Msg("Authentication failed")
		metrics.AuthFailuresTotal.Add(ctx, 1)
		return ResultInvalidUser
	}

	if swept, err := h.sessions.DeleteExpired(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to sweep idle sessions")
	} else if swept > 0 {
		log.Info().Int("swept", swept).Msg("Removed idle sessions")
	}

	session, err := h.sessions.Create(ctx, username)
	if err != nil {
		// nvu is the only rejection the connector understands here
		log.Error().Err(err).Msg("Failed to create session")
		return ResultInvalidUser
	}

	log.Info().Str("ticket", models.ShortTicket(session.Ticket)).Msg("Authentication successful")
	return session.Ticket + authenticateSuffix
}

// SendRequestXML hands the invoice query to the connector.
func (h *Handler) SendRequestXML(ctx context.Context, ticket, hcpResponse, companyFile string) string {
	log := zerolog.Ctx(ctx).With().Str("ticket", models.ShortTicket(ticket)).Logger()

	_, err := h.sessions.Update(ctx, ticket, func(s *models.Session) error {
		switch s.State {
		case models.SessionAuthenticated, models.SessionAwaitingResponse:
			s.State = models.SessionAwaitingResponse
			return nil
		default:
			return fmt.Errorf("%w: %s to %s", errInvalidTransition, s.State, models.SessionAwaitingResponse)
		}
	})
	if err != nil {
		h.invalidTicket(ctx, log, "sendRequestXML", err)
		return ""
	}

	log.Info().Str("company_file", companyFile).Msg("Sending invoice query")
	return h.query
}

// ReceiveResponseXML converts the connector's response and pushes it
// downstream. The result is always "no more data".
func (h *Handler) ReceiveResponseXML(ctx context.Context, ticket, response, hresult, message string) string {
	log := zerolog.Ctx(ctx).With().Str("ticket", models.ShortTicket(ticket)).Logger()

	var previous models.SessionState
	_, err := h.sessions.Update(ctx, ticket, func(s *models.Session) error {
		previous = s.State
		s.State = models.SessionAuthenticated
		return nil
	})
	if err != nil {
		h.invalidTicket(ctx, log, "receiveResponseXML", err)
		return ProgressComplete
	}
	if previous != models.SessionAwaitingResponse {
		log.Warn().Stringer("state", previous).Msg("Response received without a pending request")
	}

	if hresult != "" && hresult != "0" {
		log.Error().Str("hresult", hresult).Str("message", message).Msg("QuickBooks reported an error")
		return ProgressComplete
	}

	if strings.TrimSpace(response) == "" {
		log.Warn().Msg("Empty response XML received")
		return ProgressComplete
	}

	log.Info().Int("bytes", len(response)).Msg("Processing response XML")
	ctx = log.WithContext(ctx)

	batch, err := h.converter.Convert(ctx, response)
	if err != nil {
		evt := log.Warn()
		if errors.Is(err, qbxml.ErrMalformedXML) {
			evt = log.Error()
		}
		evt.Err(err).Msg("No data to send downstream")
		return ProgressComplete
	}

	// a dropped connector request must not abort a delivery in flight
	if h.pusher.Push(context.WithoutCancel(ctx), batch) {
		log.Info().Int("count", batch.Count).Msg("Batch sent downstream")
	} else {
		log.Error().Int("count", batch.Count).Msg("Failed to send batch downstream")
	}

	return ProgressComplete
}

// ConnectionError ends the session after the connector failed to reach
// QuickBooks.
func (h *Handler) ConnectionError(ctx context.Context, ticket, hresult, message string) string {
	log := zerolog.Ctx(ctx).With().Str("ticket", models.ShortTicket(ticket)).Logger()
	log.Error().Str("hresult", hresult).Str("message", message).Msg("Connection error")

	h.end(ctx, log, ticket, models.SessionErrored)
	return ResultDone
}

// GetLastError always reports no error; errors are not tracked per session.
func (h *Handler) GetLastError(ctx context.Context, ticket string) string {
	zerolog.Ctx(ctx).Debug().Str("ticket", models.ShortTicket(ticket)).Msg("Last error requested")
	return ResultNoError
}

// CloseConnection ends the session.
func (h *Handler) CloseConnection(ctx context.Context, ticket string) string {
	log := zerolog.Ctx(ctx).With().Str("ticket", models.ShortTicket(ticket)).Logger()

	h.end(ctx, log, ticket, models.SessionClosed)
	return ResultOK
}

// SessionCount returns the number of open sessions.
func (h *Handler) SessionCount(ctx context.Context) int {
	return h.sessions.Count(ctx)
}

func (h *Handler) end(ctx context.Context, log zerolog.Logger, ticket string, state models.SessionState) {
	session, err := h.sessions.Get(ctx, ticket)
	if err != nil {
		log.Warn().Err(err).Stringer("state", state).Msg("Ending unknown session")
		if errors.Is(err, store.ErrSessionExpired) {
			// still stored until swept
			_ = h.sessions.Delete(ctx, ticket)
		}
		return
	}

	if err := h.sessions.Delete(ctx, ticket); err != nil {
		log.Error().Err(err).Msg("Failed to delete session")
		return
	}

	log.Info().
		Str("username", session.Username).
		Stringer("state", state).
		Msg("Session ended")
}

func (h *Handler) invalidTicket(ctx context.Context, log zerolog.Logger, action string, err error) {
	telemetry.GetMetrics().InvalidTicketsTotal.Add(ctx, 1)
	log.Warn().Err(err).Str("action", action).Msg("Invalid ticket")
}

func (h *Handler) credentialsMatch(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.creds.Password)) == 1
	return userOK && passOK
}
