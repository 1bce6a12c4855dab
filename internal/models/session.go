package models

import (
	"time"
)

// SessionState tracks where a sync run is in the Web Connector call sequence.
type SessionState int

const (
	// SessionAuthenticated is the state after a successful authenticate and
	// after each processed response.
	SessionAuthenticated SessionState = iota + 1
	// SessionAwaitingResponse is entered when a request document has been
	// handed to the connector and its response has not arrived yet.
	SessionAwaitingResponse
	// SessionClosed and SessionErrored are terminal; a session in either
	// state has already been removed from the store.
	SessionClosed
	SessionErrored
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticated:
		return "authenticated"
	case SessionAwaitingResponse:
		return "awaiting_response"
	case SessionClosed:
		return "closed"
	case SessionErrored:
		return "errored"
	default:
		return "unauthenticated"
	}
}

// Session represents one sync run of the Web Connector.
// The ticket is the only value handed to the connector, all other data lives server-side.
type Session struct {
	Ticket   string // random UUID issued on authenticate
	Username string

	State SessionState

	CreatedAt  time.Time
	LastUsedAt time.Time
}

// IsIdle returns true if the session has not been used within ttl.
// A zero ttl never expires.
func (s *Session) IsIdle(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastUsedAt) > ttl
}

// ShortTicket returns a log-safe prefix of the ticket.
func ShortTicket(ticket string) string {
	if ticket == "" {
		return "N/A"
	}
	if len(ticket) > 8 {
		return ticket[:8]
	}
	return ticket
}
