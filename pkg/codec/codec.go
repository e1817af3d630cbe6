// Package codec frames protocol messages as self-describing JSON records
// with a mandatory "type" discriminant.
package codec

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/ugorji/go/codec"

	"github.com/votemesh/votemesh/pkg/model"
)

var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.MapKeyAsString = true
	return h
}()

// Marshal encodes a message struct into one wire frame.
func Marshal(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return out, nil
}

// UnmarshalInto decodes a plain JSON record directly into target,
// bypassing the envelope. Used for sealed ballot payloads.
func UnmarshalInto(data []byte, target any) error {
	dec := codec.NewDecoderBytes(data, jsonHandle)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

// Envelope is one decoded frame: its type tag plus the raw field map,
// to be projected into a typed struct with Decode.
type Envelope struct {
	Type model.MessageType
	Raw  map[string]any
}

// Unmarshal parses one wire frame and extracts its type tag.
// A frame without a string "type" field is malformed.
func Unmarshal(data []byte) (*Envelope, error) {
	raw := make(map[string]any)
	dec := codec.NewDecoderBytes(data, jsonHandle)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return nil, fmt.Errorf("frame has no type field")
	}
	return &Envelope{Type: model.MessageType(t), Raw: raw}, nil
}

// Decode projects the envelope's raw fields into the target struct.
// Both sides of the wire carry fields of the any type, so the projection
// goes through mapstructure keyed by json tags.
func (e *Envelope) Decode(target any) error {
	decodeHook := func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t.Kind() == reflect.String && f.Kind() == reflect.Slice {
			if bytes, ok := data.([]uint8); ok {
				return string(bytes), nil
			}
		}
		return data, nil
	}

	paramCheck := func(a any) bool {
		t := reflect.TypeOf(a)
		if t.Kind() == reflect.Ptr {
			return !reflect.ValueOf(a).IsNil()
		}

		return false
	}

	if !paramCheck(target) {
		return fmt.Errorf("wrong receiver for decode")
	}

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       decodeHook,
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	if err := decoder.Decode(e.Raw); err != nil {
		return err
	}

	return nil
}
