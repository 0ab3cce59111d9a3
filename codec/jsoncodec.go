package codec

import (
	"encoding/json"
)

// JSONCodec is the default wire codec.
type JSONCodec struct{}

// Encode marshals v to JSON.
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals b into v.
func (c *JSONCodec) Decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
