// File: protocol/framed.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Framed couples a non-blocking api.Stream with Codec and pooled wire
// buffers. It is owned by exactly one bridge task and is not safe for
// concurrent use.

package protocol

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-bridge/api"
)

const (
	// DefaultReadBufferSize bounds a single read syscall and a single chunk.
	DefaultReadBufferSize = 64 * 1024
	// DefaultHighWaterMark is the outbound buffer size above which new
	// payloads are refused until the socket drains.
	DefaultHighWaterMark = 8 * 1024
)

// ReadState is the outcome of PollRead.
type ReadState int

const (
	ReadPending ReadState = iota
	ReadChunk
	ReadEOF
)

func (s ReadState) String() string {
	switch s {
	case ReadChunk:
		return "chunk"
	case ReadEOF:
		return "eof"
	default:
		return "pending"
	}
}

var wirePool bytebufferpool.Pool

// FramedConfig tunes buffer sizes; zero values select the defaults.
type FramedConfig struct {
	ReadBufferSize int
	HighWaterMark  int
}

// Framed drives reads and writes of one stream.
type Framed struct {
	stream  api.Stream
	codec   Codec
	rbuf    *bytebufferpool.ByteBuffer
	wbuf    *bytebufferpool.ByteBuffer
	woff    int
	scratch []byte

	highWater   int
	eof         bool
	writeClosed bool
	closed      bool
	released    bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewFramed wraps stream.
func NewFramed(stream api.Stream, cfg FramedConfig) *Framed {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	return &Framed{
		stream:    stream,
		rbuf:      wirePool.Get(),
		wbuf:      wirePool.Get(),
		scratch:   make([]byte, cfg.ReadBufferSize),
		highWater: cfg.HighWaterMark,
	}
}

// Stream returns the wrapped stream.
func (f *Framed) Stream() api.Stream { return f.stream }

// PollRead reads everything currently available and returns it as one
// chunk. After ReadEOF has been returned once, the stream is never read again.
func (f *Framed) PollRead() ([]byte, ReadState, error) {
	for !f.eof {
		n, err := f.stream.TryRead(f.scratch)
		if n > 0 {
			f.rbuf.Write(f.scratch[:n])
			f.bytesIn.Add(uint64(n))
		}
		if errors.Is(err, api.ErrWouldBlock) {
			break
		}
		if errors.Is(err, io.EOF) {
			f.eof = true
			break
		}
		if err != nil {
			return nil, ReadPending, err
		}
		if n == 0 || f.rbuf.Len() >= len(f.scratch) {
			break
		}
	}
	if chunk, ok := f.codec.Decode(f.rbuf); ok {
		return chunk, ReadChunk, nil
	}
	if f.eof {
		return nil, ReadEOF, nil
	}
	return nil, ReadPending, nil
}

// Buffered returns the number of encoded bytes not yet written.
func (f *Framed) Buffered() int {
	if f.wbuf == nil {
		return 0
	}
	return f.wbuf.Len() - f.woff
}

// StartSend encodes p into the wire buffer. When the buffer is above the
// high-water mark and cannot be drained right now, p is refused and the
// caller must retry it later.
func (f *Framed) StartSend(p []byte) (bool, error) {
	if f.closed || f.writeClosed {
		return false, api.ErrTransportClosed
	}
	if f.Buffered() >= f.highWater {
		if _, err := f.PollFlush(); err != nil {
			return false, err
		}
		if f.Buffered() >= f.highWater {
			return false, nil
		}
	}
	f.compact()
	if err := f.codec.Encode(p, f.wbuf); err != nil {
		return false, err
	}
	return true, nil
}

// PollFlush writes buffered bytes until the buffer is empty (true) or the
// socket would block (false).
func (f *Framed) PollFlush() (bool, error) {
	for f.woff < f.wbuf.Len() {
		n, err := f.stream.TryWrite(f.wbuf.B[f.woff:])
		if n > 0 {
			f.woff += n
			f.bytesOut.Add(uint64(n))
		}
		if errors.Is(err, api.ErrWouldBlock) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.ErrShortWrite
		}
	}
	f.wbuf.Reset()
	f.woff = 0
	return true, nil
}

// Close flushes pending bytes, half-closes the write side and closes the
// stream. It reports false while the flush is still in progress.
func (f *Framed) Close() (bool, error) {
	if f.closed {
		return true, nil
	}
	flushed, err := f.PollFlush()
	if err != nil || !flushed {
		return false, err
	}
	if !f.writeClosed {
		f.writeClosed = true
		if err := f.stream.CloseWrite(); err != nil && !errors.Is(err, api.ErrTransportClosed) {
			f.closed = true
			f.stream.Close()
			return false, err
		}
	}
	f.closed = true
	return true, f.stream.Close()
}

// Release returns the wire buffers to the pool and closes the stream if
// Close did not already do so. Safe to call more than once.
func (f *Framed) Release() {
	if f.released {
		return
	}
	f.released = true
	if !f.closed {
		f.closed = true
		f.stream.Close()
	}
	wirePool.Put(f.rbuf)
	wirePool.Put(f.wbuf)
	f.rbuf, f.wbuf = nil, nil
	f.woff = 0
}

// BytesIn returns the number of bytes read from the stream.
func (f *Framed) BytesIn() uint64 { return f.bytesIn.Load() }

// BytesOut returns the number of bytes written to the stream.
func (f *Framed) BytesOut() uint64 { return f.bytesOut.Load() }

func (f *Framed) compact() {
	if f.woff == 0 {
		return
	}
	n := copy(f.wbuf.B, f.wbuf.B[f.woff:])
	f.wbuf.B = f.wbuf.B[:n]
	f.woff = 0
}
