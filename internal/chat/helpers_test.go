package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skychatorg/skychat-sub001/internal/protocol"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// memStore is an in-memory Store double so the engine tests run without a
// database.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	users    map[string]*store.User
	messages []store.Message
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*store.User)}
}

func (m *memStore) Register(username, password string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := strings.ToLower(strings.TrimSpace(username))
	if len(name) < 3 {
		return nil, store.ErrUsernameInvalid
	}
	if _, ok := m.users[name]; ok {
		return nil, store.ErrUsernameTaken
	}
	m.nextID++
	u := &store.User{ID: m.nextID, Username: name, PasswordHash: password}
	m.users[name] = u
	return u, nil
}

func (m *memStore) Authenticate(username, password string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(username)]
	if !ok || u.PasswordHash != password {
		return nil, store.ErrInvalidCredentials
	}
	return u, nil
}

func (m *memStore) UserByID(id int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *memStore) UserByName(username string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(username)]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func (m *memStore) SaveUser(user *store.User) error {
	if user == nil || user.IsGuest() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(user.Username)] = user
	return nil
}

func (m *memStore) AppendMessage(msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) RecentMessages(room string, beforeID int64, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.Room == room && (beforeID == 0 || msg.ID < beforeID) {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(Config{
		ServerName:   "test",
		DefaultRoom:  "main",
		HistorySize:  5,
		SessionGrace: time.Minute,
		TokenSecret:  "test-secret",
	}, newMemStore())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func userWithRight(username string, right int) *store.User {
	return &store.User{ID: int64(right) + 1000, Username: username, Right: right}
}

// newTestConnection builds a connection without a socket; frames queue in
// sendCh where tests can inspect them.
func newTestConnection(s *Server, ip string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:     uuid.New().String(),
		server: s,
		ip:     ip,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan outFrame, sendQueueSize),
	}
}

// joinUser attaches a fresh connection for a named user to the default room.
func joinUser(t *testing.T, s *Server, username string, right int) (*Connection, *Session) {
	t.Helper()
	c := newTestConnection(s, "127.0.0.1")
	sess := s.findOrCreateSession(username, &store.User{ID: int64(len(username)), Username: username, Right: right})
	sess.AttachConnection(c)
	if err := s.Room(s.cfg.DefaultRoom).AttachConnection(c); err != nil {
		t.Fatalf("AttachConnection() error = %v", err)
	}
	drainFrames(c)
	return c, sess
}

// nextEvent pops the next queued frame and decodes its envelope.
func nextEvent(t *testing.T, c *Connection) *protocol.Event {
	t.Helper()
	select {
	case frame := <-c.sendCh:
		ev, err := protocol.DecodeEvent(frame.data)
		if err != nil {
			t.Fatalf("DecodeEvent() error = %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no frame queued within 1s")
		return nil
	}
}

// waitEvent discards frames until one with the given event name shows up.
func waitEvent(t *testing.T, c *Connection, event string) *protocol.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case frame := <-c.sendCh:
			ev, err := protocol.DecodeEvent(frame.data)
			if err != nil {
				t.Fatalf("DecodeEvent() error = %v", err)
			}
			if ev.Event == event {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event queued within 1s", event)
			return nil
		}
	}
}

func drainFrames(c *Connection) {
	for {
		select {
		case <-c.sendCh:
		default:
			return
		}
	}
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode string payload: %v", err)
	}
	return s
}

// echoPlugin records every Run invocation.
type echoPlugin struct {
	BasePlugin
	mu    sync.Mutex
	calls []string
}

func newEchoPlugin(meta Meta) *echoPlugin {
	return &echoPlugin{BasePlugin: BasePlugin{Meta: meta}}
}

func (p *echoPlugin) Run(alias, param string, ctx *CommandContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("%s %s", alias, param))
	return nil
}

func (p *echoPlugin) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
