package skychat

// Server→client event names. This catalogue is the stable wire contract;
// plugins may add their own events but must not reuse these names.
const (
	EventConfig        = "config"
	EventSetUser       = "set-user"
	EventAuthToken     = "auth-token"
	EventSetOP         = "set-op"
	EventConnectedList = "connected-list"
	EventRoomList      = "room-list"
	EventJoinRoom      = "join-room"
	EventTypingList    = "typing-list"
	EventMessage       = "message"
	EventMessages      = "messages"
	EventError         = "error"
	EventInfo          = "info"
)

// EventInboundMessage is the only textual event accepted from clients once
// authenticated. Commands are multiplexed through its payload, never through
// arbitrary event names.
const EventInboundMessage = "message"

// WebSocket close codes.
const (
	// CloseKicked tells the client it was removed on purpose and must not
	// auto-reconnect. Everything else is treated as transient by clients.
	CloseKicked = 4403
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidFrame    = "invalid frame"
	ErrInvalidEnvelope = "invalid event envelope"
	ErrEventNotAllowed = "event not allowed"
	ErrPayloadTooLarge = "payload too large"

	// Auth errors
	ErrInvalidCredentials = "invalid credentials"
	ErrInvalidToken       = "invalid auth token"
	ErrUsernameTaken      = "this username is already taken"
	ErrAuthRateLimited    = "too many attempts, try again later"
	ErrTooManyPending     = "too many pending connections from your address"
	ErrRegistrationClosed = "registration is currently closed"

	ErrAlreadyAuthenticated = "you are already authenticated"

	// Command errors
	ErrUnknownCommand     = "unknown command"
	ErrInsufficientRights = "you do not have the right to use this command"
	ErrOPOnly             = "this command is reserved to operators"
	ErrCooldownActive     = "wait before using this command again"
	ErrRateLimited        = "you are using this command too much"
	ErrNotInRoom          = "you are not in a room"

	// Session errors
	ErrIdentifierTaken = "identifier must be unique"
	ErrRoomNotFound    = "room not found"
	ErrRoomPrivate     = "this room is private"
)
