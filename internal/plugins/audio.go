package plugins

import (
	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
)

// AudioPlugin relays short voice chunks to a room. Each inbound chunk gets a
// fresh message id so clients can order and deduplicate what they play.
type AudioPlugin struct {
	chat.BasePlugin
	room *chat.Room
}

func NewAudioPlugin(r *chat.Room) chat.Plugin {
	return &AudioPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name:        "audio",
			NotCallable: true,
			Hidden:      true,
		}},
		room: r,
	}
}

// OnBinaryDataReceived handles TagAudio frames for this room.
func (p *AudioPlugin) OnBinaryDataReceived(c *chat.Connection, tag uint16, payload []byte) bool {
	if tag != protocol.TagAudio || c.Room() != p.room {
		return false
	}
	if len(payload) == 0 {
		return true
	}

	id := uint32(c.Server().NextMessageID())
	p.room.SendBinary(protocol.TagAudio, protocol.EncodeAudio(id, payload))
	return true
}
