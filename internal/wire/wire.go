// Package wire implements the {event, data} frame envelope exchanged with
// clients, serialized as JSON extended to round-trip native date and binary
// values: dates travel as {"$date": epoch-millis}, binary as
// {"$binary": base64}, stream handles as {"$stream": id}.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/relaykit/relay"
)

// Envelope is one frame in either direction.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Marshal serializes an outbound frame, applying the extended encoding to
// data.
func Marshal(event string, data any) ([]byte, error) {
	encoded, err := Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode %q data: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: encoded})
}

// Unmarshal parses an inbound frame and revives extended values in data.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errors.New("frame has no event")
	}
	env.Data = Decode(env.Data)
	return env, nil
}

// Encode converts v into a plain JSON-marshalable value, replacing dates,
// binary data and stream handles with their extended wire forms. Structs are
// flattened into maps honoring their json tags.
func Encode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return map[string]any{"$date": t.UnixMilli()}, nil
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(t)}, nil
	case *relay.Stream:
		return map[string]any{"$stream": t.ID()}, nil
	case json.RawMessage:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			enc, err := Encode(val)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			enc, err := Encode(val)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t, nil
	}
	return encodeReflect(reflect.ValueOf(v))
}

func encodeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Encode(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			enc, err := Encode(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return Encode(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := Encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Struct:
		return encodeStruct(rv)
	default:
		return rv.Interface(), nil
	}
}

func encodeStruct(rv reflect.Value) (any, error) {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		enc, err := Encode(rv.Field(i).Interface())
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// Decode walks a freshly unmarshaled JSON value and revives the extended
// wire forms back into time.Time and []byte values.
func Decode(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if d, ok := t["$date"]; ok {
				if ms, ok := d.(float64); ok {
					return time.UnixMilli(int64(ms)).UTC()
				}
			}
			if b, ok := t["$binary"]; ok {
				if s, ok := b.(string); ok {
					if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
						return raw
					}
				}
			}
		}
		for k, val := range t {
			t[k] = Decode(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = Decode(val)
		}
		return t
	default:
		return v
	}
}
