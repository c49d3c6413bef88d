package plugins

import (
	"sync"

	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
)

// CursorPlugin relays live cursor positions between the members of a room
// over the binary sub-protocol. The client-sent user id is ignored; the
// server stamps the sender's real id before rebroadcasting.
type CursorPlugin struct {
	chat.BasePlugin
	room *chat.Room

	mu       sync.Mutex
	disabled map[string]bool
}

func NewCursorPlugin(r *chat.Room) chat.Plugin {
	return &CursorPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name: "cursor",
			Rules: map[string]chat.Rule{
				"cursor": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "state", Pattern: onOffPattern}},
				},
			},
		}},
		room:     r,
		disabled: make(map[string]bool),
	}
}

// Run toggles cursor sharing for the caller's session.
func (p *CursorPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	p.mu.Lock()
	if param == "off" {
		p.disabled[ctx.Session.Identifier()] = true
	} else {
		delete(p.disabled, ctx.Session.Identifier())
	}
	p.mu.Unlock()
	return nil
}

// OnBinaryDataReceived handles TagCursor frames for this room.
func (p *CursorPlugin) OnBinaryDataReceived(c *chat.Connection, tag uint16, payload []byte) bool {
	if tag != protocol.TagCursor || c.Room() != p.room {
		return false
	}

	cur, err := protocol.DecodeCursor(payload)
	if err != nil {
		return true
	}

	sess := c.Session()
	if sess == nil {
		return true
	}

	p.mu.Lock()
	off := p.disabled[sess.Identifier()]
	p.mu.Unlock()
	if off {
		return true
	}

	cur.UserID = uint32(sess.User().ID)
	p.room.SendBinary(protocol.TagCursor, protocol.EncodeCursor(cur))
	return true
}
