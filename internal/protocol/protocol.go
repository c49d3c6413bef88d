// Package protocol implements the two wire formats of the chat server: the
// textual JSON event envelope and the tagged binary sub-protocol used for
// latency-sensitive payloads.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// headerSize is the length of the little-endian tag that prefixes every
	// binary frame.
	headerSize     = 2
	maxPayloadSize = 1 * 1024 * 1024 // 1MB max binary payload
)

// Binary message tags.
const (
	TagCursor uint16 = 1
	TagAudio  uint16 = 2
)

var (
	ErrTooShort        = errors.New("binary frame too short")
	ErrEmptyEventName  = errors.New("missing event name")
	ErrInvalidEnvelope = errors.New("invalid event envelope")
)

// Event is the textual envelope. Data is kept raw so the dispatcher can defer
// decoding until it knows which payload type the event carries.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeEvent serializes an event envelope for a text frame.
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEventName
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", event, err)
	}
	return json.Marshal(Event{Event: event, Data: raw})
}

// DecodeEvent parses a text frame into an envelope.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if ev.Event == "" {
		return nil, ErrEmptyEventName
	}
	return &ev, nil
}

// EncodeBinary prefixes the payload with its 2-byte little-endian tag.
func EncodeBinary(tag uint16, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}
	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(out[:headerSize], tag)
	copy(out[headerSize:], payload)
	return out, nil
}

// DecodeBinary splits a binary frame into its tag and payload.
// The payload slice references the input data - do not modify it.
func DecodeBinary(data []byte) (uint16, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, ErrTooShort
	}
	if len(data)-headerSize > maxPayloadSize {
		return 0, nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data)-headerSize, maxPayloadSize)
	}
	return binary.LittleEndian.Uint16(data[:headerSize]), data[headerSize:], nil
}

// Cursor is the payload of a TagCursor frame: who is pointing where.
// Coordinates are normalized to the client viewport.
type Cursor struct {
	UserID uint32
	X      float32
	Y      float32
}

const cursorSize = 12

// EncodeCursor packs a cursor as 4-byte user id + float32 x + float32 y,
// all little-endian.
func EncodeCursor(c Cursor) []byte {
	out := make([]byte, cursorSize)
	binary.LittleEndian.PutUint32(out[0:4], c.UserID)
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(c.X))
	binary.LittleEndian.PutUint32(out[8:12], math.Float32bits(c.Y))
	return out
}

// DecodeCursor unpacks a TagCursor payload.
func DecodeCursor(data []byte) (Cursor, error) {
	if len(data) < cursorSize {
		return Cursor{}, ErrTooShort
	}
	return Cursor{
		UserID: binary.LittleEndian.Uint32(data[0:4]),
		X:      math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])),
		Y:      math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// EncodeAudio builds the outbound payload of a TagAudio frame: the 4-byte
// little-endian message id assigned by the server followed by the raw chunk.
func EncodeAudio(messageID uint32, chunk []byte) []byte {
	out := make([]byte, 4+len(chunk))
	binary.LittleEndian.PutUint32(out[0:4], messageID)
	copy(out[4:], chunk)
	return out
}
