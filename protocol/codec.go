package protocol

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes outbound messages and decodes inbound frames.
type Codec interface {
	// Name is the codec's identifier, also used as the websocket subprotocol
	// suffix ("realtime.<name>").
	Name() string
	// Binary reports whether encoded payloads must travel as binary frames.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON is the default text codec.
	JSON Codec = jsonCodec{}
	// Msgpack is the compact binary codec. It honours the same field names
	// as JSON.
	Msgpack Codec = msgpackCodec{}
)

// Codecs lists the codecs in order of server preference.
func Codecs() []Codec { return []Codec{JSON, Msgpack} }

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, bool) {
	for _, c := range Codecs() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// DecodeFrame decodes and validates a single inbound frame.
func DecodeFrame(c Codec, data []byte) (*Frame, error) {
	var f Frame
	if err := c.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Rebind converts a loosely typed value (as decoded from a frame) into ref by
// round-tripping it through JSON.
func Rebind(src any, ref any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
