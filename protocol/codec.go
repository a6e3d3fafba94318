// File: protocol/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package protocol implements the byte-stream framing used by the transport
// bridge. Codec is a pass-through: a stream has no message boundaries, so
// decoding hands over everything accumulated at this poll as one chunk and
// encoding appends the payload verbatim.
package protocol

import (
	"github.com/valyala/bytebufferpool"
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Decode drains src into a single chunk. An empty buffer yields (nil, false).
func (Codec) Decode(src *bytebufferpool.ByteBuffer) ([]byte, bool) {
	if src.Len() == 0 {
		return nil, false
	}
	out := make([]byte, src.Len())
	copy(out, src.B)
	src.Reset()
	return out, true
}

// Encode appends p to dst.
func (Codec) Encode(p []byte, dst *bytebufferpool.ByteBuffer) error {
	_, err := dst.Write(p)
	return err
}
