package plugins

import (
	"regexp"
	"strconv"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
)

var messageIDPattern = regexp.MustCompile(`^\d+$`)

// HistoryPlugin pages messages older than the in-memory window out of the
// persistent store. Without a parameter it fetches the page right before the
// oldest message the room still holds; with a message id it pages further
// back from there.
type HistoryPlugin struct {
	chat.BasePlugin
}

func NewHistoryPlugin() *HistoryPlugin {
	return &HistoryPlugin{BasePlugin: chat.BasePlugin{Meta: chat.Meta{
		Name: "history",
		Rules: map[string]chat.Rule{
			"history": {
				Params:         []chat.ParamSpec{{Name: "before id", Pattern: messageIDPattern}},
				CoolDown:       500 * time.Millisecond,
				MaxCallsPer10s: 10,
			},
		},
	}}}
}

func (p *HistoryPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	if ctx.Room == nil {
		return chat.NewError(chat.KindCommand, skychat.ErrNotInRoom)
	}

	var beforeID int64
	if param != "" {
		id, err := strconv.ParseInt(param, 10, 64)
		if err != nil {
			return chat.NewError(chat.KindCommand, "invalid message id")
		}
		beforeID = id
	} else if held := ctx.Room.History(0); len(held) > 0 {
		beforeID = held[0].ID
	}

	messages, err := ctx.Server.Store().RecentMessages(ctx.Room.Name(), beforeID, ctx.Server.Config().HistorySize)
	if err != nil {
		return chat.NewError(chat.KindCommand, "could not load history")
	}
	return ctx.Connection.Send(skychat.EventMessages, messages)
}
