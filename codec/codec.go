// Package codec serializes wire payloads exchanged with invoked functions.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//
// Both codecs honour the `json` struct tags of the message package, so a
// payload has the same field names whichever codec carries it.
package codec

import (
	"errors"
	"fmt"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode payload")
	ErrDecodeFailure = errors.New("failed to decode payload")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec converts wire payloads to and from bytes.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Marshal serializes v. Returns ErrEncodeFailure if serialization fails.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	// Returns ErrDecodeFailure if deserialization fails.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
