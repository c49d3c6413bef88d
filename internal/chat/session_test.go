package chat

import (
	"encoding/json"
	"testing"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// TestSessionIdentifierUniqueness tests that identifiers map to one session
// regardless of case
func TestSessionIdentifierUniqueness(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	first := s.findOrCreateSession("Alice", &store.User{ID: 1, Username: "Alice"})
	second := s.findOrCreateSession("alice", &store.User{ID: 1, Username: "alice"})

	if first != second {
		t.Error("case-variant identifiers produced two sessions")
	}
	if len(s.Sessions()) != 1 {
		t.Errorf("session count = %d, want 1", len(s.Sessions()))
	}
}

// TestSessionReattachment tests that a new connection for a known identifier
// reuses the live session
func TestSessionReattachment(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c1, sess := joinUser(t, s, "bob", 0)

	sess.DetachConnection(c1)
	if sess.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0", sess.ConnectionCount())
	}

	c2 := newTestConnection(s, "127.0.0.1")
	again := s.findOrCreateSession("bob", &store.User{ID: 2, Username: "bob"})
	again.AttachConnection(c2)

	if again != sess {
		t.Error("reattachment created a new session")
	}
	if sess.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", sess.ConnectionCount())
	}
	// Attaching clears the empty timer.
	if sess.expired(0) {
		t.Error("session with a live connection reported expired")
	}
}

// TestRenameSessionCollision tests that renaming onto a taken identifier is
// rejected atomically
func TestRenameSessionCollision(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	_, alice := joinUser(t, s, "alice", 0)
	_, bob := joinUser(t, s, "bob", 0)

	err := s.RenameSession(bob, "ALICE")
	if err == nil || err.Error() != skychat.ErrIdentifierTaken {
		t.Fatalf("RenameSession() error = %v, want %q", err, skychat.ErrIdentifierTaken)
	}
	if bob.Identifier() != "bob" {
		t.Errorf("failed rename changed identifier to %q", bob.Identifier())
	}
	if s.SessionByIdentifier("alice") != alice {
		t.Error("registry lost the original session")
	}
}

// TestRenameSession tests a successful rename updates registry and user
func TestRenameSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	_, bob := joinUser(t, s, "bob", 0)

	if err := s.RenameSession(bob, "robert"); err != nil {
		t.Fatalf("RenameSession() error = %v", err)
	}
	if s.SessionByIdentifier("bob") != nil {
		t.Error("old identifier still resolves")
	}
	if s.SessionByIdentifier("Robert") != bob {
		t.Error("new identifier does not resolve")
	}
	if bob.User().Username != "robert" {
		t.Errorf("user.Username = %q, want %q", bob.User().Username, "robert")
	}
}

// TestPruneSessions tests that only sessions past the grace period are
// dropped
func TestPruneSessions(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c, sess := joinUser(t, s, "ghost", 0)
	_, live := joinUser(t, s, "alive", 0)

	c.Room().DetachConnection(c)
	sess.DetachConnection(c)

	sess.mu.Lock()
	sess.emptySince = time.Now().Add(-2 * s.cfg.SessionGrace)
	sess.mu.Unlock()

	s.pruneSessions()

	if s.SessionByIdentifier("ghost") != nil {
		t.Error("expired session survived prune")
	}
	if s.SessionByIdentifier("alive") != live {
		t.Error("live session was pruned")
	}
}

// TestUpgradeSession tests that a guest session takes over an authenticated
// identity in place, keeping its connections
func TestUpgradeSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := newTestConnection(s, "127.0.0.1")
	sess := s.findOrCreateSession("guest-ab12cd34", &store.User{ID: 0, Username: "guest-ab12cd34"})
	sess.AttachConnection(c)
	drainFrames(c)

	account := &store.User{ID: 42, Username: "alice", Right: 3}
	if err := s.UpgradeSession(sess, account); err != nil {
		t.Fatalf("UpgradeSession() error = %v", err)
	}

	if s.SessionByIdentifier("guest-ab12cd34") != nil {
		t.Error("guest identifier still resolves")
	}
	if s.SessionByIdentifier("alice") != sess {
		t.Error("upgraded identifier does not resolve to the same session")
	}
	if sess.Identifier() != "alice" {
		t.Errorf("identifier = %q, want %q", sess.Identifier(), "alice")
	}
	if sess.User().ID != 42 {
		t.Errorf("user id = %d, want 42", sess.User().ID)
	}

	waitEvent(t, c, skychat.EventSetUser)
	ev := waitEvent(t, c, skychat.EventAuthToken)
	var token store.AuthToken
	if err := json.Unmarshal(ev.Data, &token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if id, err := s.tokens.Verify(token); err != nil || id != 42 {
		t.Errorf("Verify() = (%d, %v), want (42, nil)", id, err)
	}
}

// TestUpgradeSessionCollision tests that upgrading onto a live identifier is
// rejected and leaves both sessions untouched
func TestUpgradeSessionCollision(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	_, alice := joinUser(t, s, "alice", 0)

	c := newTestConnection(s, "127.0.0.1")
	guest := s.findOrCreateSession("guest-ffffffff", &store.User{ID: 0, Username: "guest-ffffffff"})
	guest.AttachConnection(c)

	err := s.UpgradeSession(guest, &store.User{ID: 43, Username: "Alice"})
	if err == nil || err.Error() != skychat.ErrIdentifierTaken {
		t.Fatalf("UpgradeSession() error = %v, want %q", err, skychat.ErrIdentifierTaken)
	}
	if guest.Identifier() != "guest-ffffffff" {
		t.Errorf("failed upgrade changed identifier to %q", guest.Identifier())
	}
	if s.SessionByIdentifier("alice") != alice {
		t.Error("registry lost the original session")
	}
	if guest.User().ID != 0 {
		t.Errorf("failed upgrade replaced the user, id = %d", guest.User().ID)
	}
}
