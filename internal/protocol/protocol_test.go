package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

// TestEventRoundTrip tests encoding and decoding of the textual envelope
func TestEventRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event string
		data  interface{}
	}{
		{
			name:  "string payload",
			event: "message",
			data:  "/kick bob",
		},
		{
			name:  "object payload",
			event: "join-room",
			data:  map[string]string{"room": "general"},
		},
		{
			name:  "nil payload",
			event: "info",
			data:  nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := EncodeEvent(tt.event, tt.data)
			if err != nil {
				t.Fatalf("EncodeEvent() error = %v", err)
			}

			ev, err := DecodeEvent(raw)
			if err != nil {
				t.Fatalf("DecodeEvent() error = %v", err)
			}

			if ev.Event != tt.event {
				t.Errorf("event = %q, want %q", ev.Event, tt.event)
			}

			want, _ := json.Marshal(tt.data)
			if !bytes.Equal(ev.Data, want) {
				t.Errorf("data = %s, want %s", ev.Data, want)
			}
		})
	}
}

// TestDecodeEventErrors tests envelope error conditions
func TestDecodeEventErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "hello"},
		{name: "empty", raw: ""},
		{name: "missing event name", raw: `{"data": 1}`},
		{name: "wrong envelope shape", raw: `[1,2,3]`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := DecodeEvent([]byte(tt.raw)); err == nil {
				t.Errorf("DecodeEvent(%q) expected error, got nil", tt.raw)
			}
		})
	}
}

// TestBinaryRoundTrip tests the tagged binary sub-protocol
func TestBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     uint16
		payload []byte
	}{
		{
			name:    "cursor tag",
			tag:     TagCursor,
			payload: []byte{0x00, 0x01, 0x02, 0xFF},
		},
		{
			name:    "audio tag",
			tag:     TagAudio,
			payload: []byte("raw audio bytes"),
		},
		{
			name:    "empty payload",
			tag:     0xABCD,
			payload: []byte{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := EncodeBinary(tt.tag, tt.payload)
			if err != nil {
				t.Fatalf("EncodeBinary() error = %v", err)
			}

			// Tag must be little-endian in the first two bytes.
			if got := uint16(encoded[0]) | uint16(encoded[1])<<8; got != tt.tag {
				t.Errorf("wire tag = %#x, want %#x", got, tt.tag)
			}

			tag, payload, err := DecodeBinary(encoded)
			if err != nil {
				t.Fatalf("DecodeBinary() error = %v", err)
			}

			if tag != tt.tag {
				t.Errorf("tag = %v, want %v", tag, tt.tag)
			}

			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload = %v, want %v", payload, tt.payload)
			}
		})
	}
}

// TestDecodeBinaryErrors tests binary framing error conditions
func TestDecodeBinaryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      []byte
		wantError bool
	}{
		{
			name:      "empty frame",
			data:      []byte{},
			wantError: true,
		},
		{
			name:      "one byte frame",
			data:      []byte{0x01},
			wantError: true,
		},
		{
			name:      "header only",
			data:      []byte{0x01, 0x00},
			wantError: false,
		},
		{
			name:      "payload too large",
			data:      make([]byte, headerSize+maxPayloadSize+1),
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := DecodeBinary(tt.data)
			if (err != nil) != tt.wantError {
				t.Errorf("DecodeBinary() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

// TestCursorRoundTrip ensures float32 coordinates survive the codec bit-exact
func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cursor Cursor
	}{
		{name: "origin", cursor: Cursor{UserID: 1, X: 0, Y: 0}},
		{name: "fractions", cursor: Cursor{UserID: 42, X: 0.125, Y: 0.875}},
		{name: "negative", cursor: Cursor{UserID: 7, X: -1.5, Y: 3.25}},
		{name: "max user id", cursor: Cursor{UserID: 0xFFFFFFFF, X: 1, Y: 1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded := EncodeCursor(tt.cursor)
			if len(encoded) != cursorSize {
				t.Fatalf("encoded size = %d, want %d", len(encoded), cursorSize)
			}

			got, err := DecodeCursor(encoded)
			if err != nil {
				t.Fatalf("DecodeCursor() error = %v", err)
			}

			if got != tt.cursor {
				t.Errorf("cursor = %+v, want %+v", got, tt.cursor)
			}
		})
	}
}

// TestDecodeCursorTooShort tests that truncated cursor payloads are rejected
func TestDecodeCursorTooShort(t *testing.T) {
	t.Parallel()

	if _, err := DecodeCursor(make([]byte, cursorSize-1)); err == nil {
		t.Error("expected error for truncated cursor payload")
	}
}

// TestEncodeAudio tests the audio echo payload layout
func TestEncodeAudio(t *testing.T) {
	t.Parallel()

	chunk := []byte{0xAA, 0xBB, 0xCC}
	out := EncodeAudio(0x01020304, chunk)

	if len(out) != 4+len(chunk) {
		t.Fatalf("size = %d, want %d", len(out), 4+len(chunk))
	}

	// Message id is little-endian.
	wantID := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(out[:4], wantID) {
		t.Errorf("message id bytes = %v, want %v", out[:4], wantID)
	}

	if !bytes.Equal(out[4:], chunk) {
		t.Errorf("chunk = %v, want %v", out[4:], chunk)
	}
}

// BenchmarkEncodeBinary benchmarks the binary framing
func BenchmarkEncodeBinary(b *testing.B) {
	payload := EncodeCursor(Cursor{UserID: 1, X: 0.5, Y: 0.5})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeBinary(TagCursor, payload)
	}
}

// BenchmarkDecodeBinary benchmarks binary frame splitting
func BenchmarkDecodeBinary(b *testing.B) {
	frame, _ := EncodeBinary(TagCursor, EncodeCursor(Cursor{UserID: 1, X: 0.5, Y: 0.5}))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = DecodeBinary(frame)
	}
}
