package relq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for payload and job serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. Encoding goes through the standard
// library so stored members stay byte-stable across versions (Redis removes
// members by exact bytes); decoding uses sonic.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

var defaultEncoder Encoder = &JSONEncoder{}

// encodePayload passes raw bytes through untouched and encodes anything else.
func encodePayload(enc Encoder, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return []byte(p), nil
	default:
		return enc.Encode(payload)
	}
}

func decodeJob(enc Encoder, raw []byte) (*Job, error) {
	var j Job
	if err := enc.Decode(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
