// Package skychat holds the wire-level constants shared by the chat server
// and its clients: event names, close codes and user-facing error messages.
//
// The server itself lives under internal/chat. It is the real-time backbone of
// a multi-room chat service: a persistent, bidirectional WebSocket layer that
// authenticates clients, groups them into rooms and routes text commands
// through a rights-checked, rate-limited plugin pipeline.
//
// # Architecture
//
// A physical socket is wrapped by a Connection. Several Connections (tabs,
// devices) belonging to the same identity are multiplexed onto one Session,
// and many Sessions' Connections are grouped into Rooms for broadcasting.
// Every chat command is a Plugin checked against a declarative rule set
// (parameter patterns, cooldowns, per-right call cost, OP gating) before it
// runs.
//
// # Wire protocol
//
// Text frames carry a JSON envelope:
//
//	{"event": "<name>", "data": <json>}
//
// Only the "message" event is accepted from clients; commands travel inside
// its payload ("/kick bob", "hello world"). Binary frames start with a 2-byte
// little-endian tag followed by a tag-specific payload and bypass the textual
// pipeline entirely; they are used for latency-sensitive data such as cursor
// positions and audio chunks.
//
// # Admission
//
// Raw upgrades are quarantined by the auth bridge: rate limited per IP,
// bounded per IP while unauthenticated, and only promoted to a Session and
// Connection after a handshake message authenticates them (token, login,
// registration or guest).
package skychat
