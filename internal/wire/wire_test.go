package wire

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/relaykit/relay"
)

// TestMarshalUnmarshalRoundTrip tests that extended values survive a full
// encode/decode cycle through the envelope.
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	when := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event string
		data  any
		want  any
	}{
		{
			name:  "plain object",
			event: "call",
			data:  map[string]any{"x": float64(1)},
			want:  map[string]any{"x": float64(1)},
		},
		{
			name:  "date value",
			event: "publication.room",
			data:  map[string]any{"at": when},
			want:  map[string]any{"at": when},
		},
		{
			name:  "binary value",
			event: "publication.room",
			data:  map[string]any{"blob": []byte{0x01, 0x02, 0xff}},
			want:  map[string]any{"blob": []byte{0x01, 0x02, 0xff}},
		},
		{
			name:  "nested values",
			event: "response.1",
			data: map[string]any{
				"items": []any{
					map[string]any{"at": when},
					"plain",
				},
			},
			want: map[string]any{
				"items": []any{
					map[string]any{"at": when},
					"plain",
				},
			},
		},
		{
			name:  "nil data",
			event: "ping",
			data:  nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := Marshal(tt.event, tt.data)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			env, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			if env.Event != tt.event {
				t.Errorf("Event = %q, want %q", env.Event, tt.event)
			}

			if !reflect.DeepEqual(env.Data, tt.want) {
				t.Errorf("Data = %#v, want %#v", env.Data, tt.want)
			}
		})
	}
}

// TestUnmarshalMissingEvent tests that frames without an event are rejected
func TestUnmarshalMissingEvent(t *testing.T) {
	t.Parallel()

	if _, err := Unmarshal([]byte(`{"data":{}}`)); err == nil {
		t.Error("Unmarshal() with no event should fail")
	}

	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Error("Unmarshal() with invalid JSON should fail")
	}
}

// TestEncodeStream tests that stream handles encode to their wire form
func TestEncodeStream(t *testing.T) {
	t.Parallel()

	s := relay.NewStream()
	defer s.End()

	enc, err := Encode(map[string]any{"feed": s})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	m, ok := enc.(map[string]any)
	if !ok {
		t.Fatalf("Encode() = %T, want map", enc)
	}

	handle, ok := m["feed"].(map[string]any)
	if !ok {
		t.Fatalf("feed = %T, want map", m["feed"])
	}

	if handle["$stream"] != s.ID() {
		t.Errorf("$stream = %v, want %v", handle["$stream"], s.ID())
	}
}

// TestEncodeStruct tests struct flattening honoring json tags
func TestEncodeStruct(t *testing.T) {
	t.Parallel()

	in := relay.CallResponse{
		MutationResult: map[string]any{"ok": true},
		SideEffectResults: []relay.SideEffectResult{
			{SideEffectID: "1", Result: "done"},
		},
	}

	enc, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	m, ok := enc.(map[string]any)
	if !ok {
		t.Fatalf("Encode() = %T, want map", enc)
	}

	if _, ok := m["mutationResult"]; !ok {
		t.Error("missing mutationResult key")
	}

	results, ok := m["sideEffectResults"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("sideEffectResults = %#v, want one entry", m["sideEffectResults"])
	}
}

// TestEncodeErrorValue tests that typed errors encode with their json tags
func TestEncodeErrorValue(t *testing.T) {
	t.Parallel()

	raw, err := Marshal("auth_error", relay.ErrForbidden())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if !bytes.Contains(raw, []byte(`"error":"forbidden"`)) {
		t.Errorf("frame %s missing error kind", raw)
	}

	if !bytes.Contains(raw, []byte(`"code":403`)) {
		t.Errorf("frame %s missing error code", raw)
	}
}
