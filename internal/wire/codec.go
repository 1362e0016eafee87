package wire

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subprotocols offered by the client, in preference order.
const (
	SubprotocolJSON     = "json.livefeed.v1"
	SubprotocolProtobuf = "protobuf.livefeed.v1"
)

// Subprotocols returns the subprotocols a client should request.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolProtobuf}
}

// Codec converts frames to and from websocket messages.
type Codec interface {
	// Subprotocol is the negotiated name this codec serves.
	Subprotocol() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
	Close()
}

// CodecFor returns the codec for a negotiated subprotocol. An empty
// subprotocol means the server did not negotiate and JSON is used.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSONCodec{}, nil
	case SubprotocolProtobuf:
		return NewProtobufCodec()
	default:
		return nil, fmt.Errorf("unsupported subprotocol %q", subprotocol)
	}
}

// JSONCodec sends frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }

func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	msg, err := fields(f)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	return parseJSON(data)
}

func (JSONCodec) Close() {}

// ProtobufCodec sends frames as zstd-compressed google.protobuf.Struct
// binary messages carrying the same object shape as the JSON codec.
type ProtobufCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewProtobufCodec creates a ProtobufCodec.
func NewProtobufCodec() (*ProtobufCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ProtobufCodec{encoder: enc, decoder: dec}, nil
}

func (c *ProtobufCodec) Subprotocol() string { return SubprotocolProtobuf }

func (c *ProtobufCodec) MessageType() int { return websocket.BinaryMessage }

func (c *ProtobufCodec) Encode(f Frame) ([]byte, error) {
	msg, err := fields(f)
	if err != nil {
		return nil, err
	}

	// structpb only accepts plain JSON values, so round-trip through JSON to
	// turn the payload and int64 fields into them.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize %s frame: %w", f.Type, err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}

	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return c.encoder.EncodeAll(pbData, nil), nil
}

func (c *ProtobufCodec) Decode(data []byte) (Frame, error) {
	pbData, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(pbData, &st); err != nil {
		return Frame{}, fmt.Errorf("%w: protobuf: %v", ErrMalformed, err)
	}
	raw, err := st.MarshalJSON()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parseJSON(raw)
}

// Close releases the zstd encoder and decoder.
func (c *ProtobufCodec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
