package chat

import (
	"log"
	"strings"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
)

// dispatchCommand runs one inbound command through the full pipeline:
// alias resolution, rights check, rate limiting, parameter validation,
// execution. Every failure is converted into a single error event on the
// issuing connection; nothing propagates to other connections.
func (s *Server) dispatchCommand(c *Connection, raw string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("connection %s: command panic: %v", c.ID(), rec)
			c.SendError(commandError("internal error"))
		}
	}()

	sess := c.Session()
	if sess == nil {
		return
	}

	alias, param := parseCommand(raw)

	plugin, ok := s.resolvePlugin(c.Room(), alias)
	if !ok || !plugin.Callable() {
		c.SendError(commandErrorf("%s: /%s", skychat.ErrUnknownCommand, alias))
		return
	}

	ctx := &CommandContext{
		Server:     s,
		Connection: c,
		Session:    sess,
		User:       sess.User(),
		Room:       c.Room(),
	}

	if err := s.checkRules(plugin, alias, param, ctx); err != nil {
		c.SendError(err)
		return
	}

	if err := plugin.Run(alias, param, ctx); err != nil {
		c.SendError(err)
	}
}

// resolvePlugin looks an alias up room-scoped first, then in the global
// registry.
func (s *Server) resolvePlugin(room *Room, alias string) (Plugin, bool) {
	if room != nil {
		if p, ok := room.Plugin(alias); ok {
			return p, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.globalAliases[strings.ToLower(alias)]
	return p, ok
}

// dispatchBinary hands a tagged binary frame to interested plugins in
// registration order; the first one reporting it handled stops dispatch.
// Binary frames bypass the textual rule pipeline entirely.
func (s *Server) dispatchBinary(c *Connection, frame []byte) {
	tag, payload, err := protocol.DecodeBinary(frame)
	if err != nil {
		c.SendError(protocolError(skychat.ErrInvalidFrame))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("connection %s: binary handler panic: %v", c.ID(), rec)
		}
	}()

	for _, p := range s.PluginsFor(c.Room()) {
		if h, ok := p.(BinaryHook); ok {
			if h.OnBinaryDataReceived(c, tag, payload) {
				return
			}
		}
	}
}
