package chat

import (
	"sync"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// Session is one logical identity, keyed by a unique case-insensitive
// identifier (a username or a synthesized guest tag). It multiplexes the
// physical Connections of that identity: reconnecting with the same identity
// reattaches to the same Session instead of creating a duplicate.
type Session struct {
	server *Server

	mu          sync.RWMutex
	identifier  string
	user        *store.User
	connections []*Connection
	// emptySince is non-zero while the session has no connections; the
	// janitor prunes it after the reconnection grace period.
	emptySince time.Time
}

func newSession(server *Server, identifier string, user *store.User) *Session {
	return &Session{
		server:     server,
		identifier: identifier,
		user:       user,
	}
}

// Identifier returns the session's current identifier.
func (s *Session) Identifier() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identifier
}

func (s *Session) setIdentifier(identifier string) {
	s.mu.Lock()
	s.identifier = identifier
	s.user.Username = identifier
	s.mu.Unlock()
}

// User returns the authoritative user object.
func (s *Session) User() *store.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser replaces the session's user object, e.g. when a guest logs in.
func (s *Session) SetUser(user *store.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.Send(skychat.EventSetUser, user)
}

// Right returns the user's privilege tier.
func (s *Session) Right() int {
	return s.User().Right
}

// IsOP reports whether the session runs with operator privileges, either
// from the user record or from the out-of-band operator list.
func (s *Session) IsOP() bool {
	user := s.User()
	return user.OP || s.server.isConfiguredOP(s.Identifier())
}

// ConnectionCount returns the number of live attached connections.
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Connections returns a snapshot of the attached connections.
func (s *Session) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, len(s.connections))
	copy(out, s.connections)
	return out
}

// AttachConnection adds a connection to this session, detaching it from its
// previous session first. Idempotent. The connection is told its identity.
func (s *Session) AttachConnection(c *Connection) {
	if prev := c.Session(); prev == s {
		return
	} else if prev != nil {
		prev.DetachConnection(c)
	}

	s.mu.Lock()
	s.connections = append(s.connections, c)
	s.emptySince = time.Time{}
	s.mu.Unlock()

	c.setSession(s)
	_ = c.Send(skychat.EventSetUser, s.User())
}

// DetachConnection removes a connection; no-op if absent.
func (s *Session) DetachConnection(c *Connection) {
	s.mu.Lock()
	for i, other := range s.connections {
		if other == c {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			break
		}
	}
	if len(s.connections) == 0 {
		s.emptySince = time.Now()
	}
	s.mu.Unlock()

	if c.Session() == s {
		c.setSession(nil)
	}
}

// Send fans an event out to every attached connection. Failure on one
// connection never stops delivery to the others.
func (s *Session) Send(event string, data interface{}) {
	for _, c := range s.Connections() {
		_ = c.Send(event, data)
	}
}

// closeAll closes every attached connection with the given close code.
func (s *Session) closeAll(code int, reason string) {
	for _, c := range s.Connections() {
		c.Close(code, reason)
	}
}

// expired reports whether the session has been empty longer than the grace
// period.
func (s *Session) expired(grace time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections) == 0 && !s.emptySince.IsZero() && time.Since(s.emptySince) > grace
}
