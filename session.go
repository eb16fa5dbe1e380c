package netkit

import (
	"time"

	"github.com/google/uuid"
)

// Session is the shared request context carried by every flow in a
// pipeline. It is created by the originating handler and held by
// shared reference; fields other than Values are immutable.
type Session struct {
	id        uuid.UUID
	createdAt time.Time

	// Values carries request-scoped data between pipeline stages.
	Values map[string]interface{}
}

// NewSession creates a session with a fresh identity.
func NewSession() *Session {
	return &Session{
		id:        uuid.New(),
		createdAt: time.Now(),
		Values:    make(map[string]interface{}),
	}
}

// ID returns the session identity.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
