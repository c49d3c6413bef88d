package plugins

import (
	"strings"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// MessagePlugin posts bare text to the sender's current room. It is the
// implicit target of every frame that does not start with a slash.
type MessagePlugin struct {
	chat.BasePlugin
}

func NewMessagePlugin() *MessagePlugin {
	return &MessagePlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name:   "message",
			Hidden: true,
			Rules: map[string]chat.Rule{
				"message": {
					MinParamCount:  1,
					MaxCallsPer10s: 20,
					// Low-right users pay double per message.
					CallCostPerRight: [][2]int{{0, 2}, {10, 1}},
				},
			},
		}},
	}
}

func (p *MessagePlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	content := strings.TrimSpace(param)
	if content == "" {
		return nil
	}
	if ctx.Room == nil {
		return chat.NewError(chat.KindCommand, skychat.ErrNotInRoom)
	}

	m := &store.Message{
		AuthorID:  ctx.User.ID,
		Author:    ctx.Session.Identifier(),
		Content:   content,
		CreatedAt: time.Now(),
	}
	_, err := ctx.Room.SendMessage(m, ctx.Connection)
	return err
}
