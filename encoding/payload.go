package encoding

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Payload framing: one header byte, then the msgpack body. Bodies above the
// caller's threshold are s2-compressed; small bodies stay raw because the
// frame overhead would dominate.
const (
	frameRaw byte = 0x00
	frameS2  byte = 0x01
)

// DefaultPayloadThreshold is the body size above which payloads compress.
const DefaultPayloadThreshold = 1024

// EncodePayload marshals v and frames it, compressing when the msgpack body
// exceeds threshold bytes. A threshold <= 0 uses DefaultPayloadThreshold.
func EncodePayload(v interface{}, threshold int) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultPayloadThreshold
	}
	if len(body) <= threshold {
		return append([]byte{frameRaw}, body...), nil
	}
	return append([]byte{frameS2}, s2.Encode(nil, body)...), nil
}

// DecodePayload reverses EncodePayload into v.
func DecodePayload(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("payload: empty frame")
	}
	body := data[1:]
	switch data[0] {
	case frameRaw:
	case frameS2:
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("payload: decompress: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("payload: unknown frame byte 0x%02x", data[0])
	}
	return Unmarshal(body, v)
}
