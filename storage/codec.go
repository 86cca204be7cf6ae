package storage

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/maxpert/amqp-engine/protocol"
)

// messageRecord is the on-disk form of a stored message
type messageRecord struct {
	Message    protocol.Message `cbor:"1,keyasint"`
	Body       []byte           `cbor:"2,keyasint,omitempty"`
	Compressed bool             `cbor:"3,keyasint,omitempty"`
}

// MessageCodec encodes messages for the badger store. Bodies at least
// compressionThreshold bytes long are snappy-compressed.
type MessageCodec struct {
	compressionThreshold int
	enc                  cbor.EncMode
	dec                  cbor.DecMode
}

// NewMessageCodec creates a codec; a zero threshold disables compression
func NewMessageCodec(compressionThreshold int) (*MessageCodec, error) {
	enc, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &MessageCodec{
		compressionThreshold: compressionThreshold,
		enc:                  enc,
		dec:                  dec,
	}, nil
}

// Encode serializes msg with the given body
func (c *MessageCodec) Encode(msg *protocol.Message, body []byte) ([]byte, error) {
	rec := messageRecord{Message: *msg}
	rec.Message.Body = nil
	rec.Body = body
	if c.compressionThreshold > 0 && len(body) >= c.compressionThreshold {
		rec.Body = snappy.Encode(nil, body)
		rec.Compressed = true
	}
	data, err := c.enc.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode restores a message, body included
func (c *MessageCodec) Decode(data []byte) (*protocol.Message, error) {
	var rec messageRecord
	if err := c.dec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	body := rec.Body
	if rec.Compressed {
		var err error
		body, err = snappy.Decode(nil, rec.Body)
		if err != nil {
			return nil, fmt.Errorf("decompress message body: %w", err)
		}
	}
	msg := rec.Message
	msg.Body = body
	return &msg, nil
}
