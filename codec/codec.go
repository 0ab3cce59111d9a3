// Package codec provides the body serialization used by the nexus wire
// protocol. Packet heads and bodies are self-describing documents; the
// default codec encodes JSON, and deployments may swap in any other codec
// that round-trips the packet structures.
package codec

import (
	"errors"
)

var (
	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &JSONCodec{}
)

// Codec serializes message bodies for transport.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, v any) error
}

// Encode serializes v with the active codec.
func Encode(v any) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(v)
}

// Decode deserializes b into v with the active codec.
func Decode(b []byte, v any) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Decode(b, v)
}

// SetCodec replaces the active codec. Intended for startup wiring only.
func SetCodec(c Codec) {
	_codec = c
}
