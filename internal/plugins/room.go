package plugins

import (
	"regexp"
	"strings"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// RoomPlugin manages the room lifecycle: creating rooms, deleting them and
// carving out private ones. Empty private rooms are garbage collected when
// their last member leaves.
type RoomPlugin struct {
	chat.BasePlugin
}

func NewRoomPlugin() *RoomPlugin {
	return &RoomPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name:    "roomcreate",
			Aliases: []string{"roomdelete", "roomprivate", "join"},
			Rules: map[string]chat.Rule{
				"roomcreate": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "name", Pattern: roomNamePattern}},
				},
				"roomdelete": {},
				"roomprivate": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "name", Pattern: roomNamePattern}},
				},
				"join": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "name", Pattern: roomNamePattern}},
				},
			},
		}},
	}
}

func (p *RoomPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	name := strings.TrimSpace(param)

	switch alias {
	case "roomcreate":
		if !ctx.Session.IsOP() {
			return chat.NewError(chat.KindCommand, skychat.ErrOPOnly)
		}
		_, err := ctx.Server.CreateRoom(name)
		return err

	case "roomdelete":
		if !ctx.Session.IsOP() {
			return chat.NewError(chat.KindCommand, skychat.ErrOPOnly)
		}
		if ctx.Room == nil {
			return chat.NewError(chat.KindCommand, skychat.ErrNotInRoom)
		}
		return ctx.Server.DeleteRoom(ctx.Room.Name())

	case "roomprivate":
		// Anyone may open a private room; the creator is the first member of
		// the whitelist.
		r, err := ctx.Server.CreatePrivateRoom(name, []string{ctx.Session.Identifier()})
		if err != nil {
			return err
		}
		return r.AttachConnection(ctx.Connection)

	case "join":
		r := ctx.Server.Room(name)
		if r == nil {
			return chat.NewError(chat.KindCommand, skychat.ErrRoomNotFound)
		}
		return r.AttachConnection(ctx.Connection)
	}

	return chat.NewError(chat.KindCommand, skychat.ErrUnknownCommand)
}

// OnConnectionLeftRoom deletes private rooms once empty.
func (p *RoomPlugin) OnConnectionLeftRoom(c *chat.Connection, r *chat.Room) {
	if r.IsPrivate() && r.ConnectionCount() == 0 {
		_ = c.Server().DeleteRoom(r.Name())
	}
}
