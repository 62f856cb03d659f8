// Package codec implements the wire framing shared by the coordinator and
// node protocols: a 4-byte big-endian length prefix followed by a
// msgpack-encoded payload. A tagged envelope lets either side dispatch on
// a message kind before decoding the typed body.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MaxFrameSize bounds a single frame to guard against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

var mpHandle = &codec.MsgpackHandle{}

// Envelope is the outer frame: Kind selects how Payload should be decoded.
type Envelope struct {
	Kind    string
	Payload []byte
}

// Encode marshals v with msgpack and wraps it in an Envelope tagged kind.
func Encode(kind string, v interface{}) (Envelope, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return Envelope{}, fmt.Errorf("encode payload for %q: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: buf}, nil
}

// Decode unmarshals the envelope's payload into v.
func Decode(env Envelope, v interface{}) error {
	dec := codec.NewDecoderBytes(env.Payload, mpHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload for %q: %w", env.Kind, err)
	}
	return nil
}

// WriteFrame writes env to w as a length-prefixed msgpack frame.
func WriteFrame(w io.Writer, env Envelope) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, mpHandle)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > MaxFrameSize {
		return Envelope{}, fmt.Errorf("frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}

	var env Envelope
	dec := codec.NewDecoderBytes(body, mpHandle)
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// NewFrameReader wraps r in a buffered reader for repeated ReadFrame
// calls on a long-lived connection.
func NewFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}
