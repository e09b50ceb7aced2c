package rpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame layout: a 4-byte big-endian length prefix followed by the frame
// body. The length counts the body only: 1-byte kind tag, 8-byte big-endian
// correlation id, then the payload. The minimum body is the 9 header bytes.
const (
	lenPrefixSize   = 4
	frameHeaderSize = 9 // kind + correlation id
)

// Codec converts between Messages and length-delimited frames.
// Decode reads exactly one frame from the reader, so TCP stream
// reassembly falls out of the exact reads; callers hand it a buffered
// reader and never see a partial frame.
type Codec struct {
	maxPayload int
}

// NewCodec returns a Codec enforcing the given maximum payload size on
// both encode and decode. A non-positive max falls back to the default.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = defaultMaxFrameSize
	}
	return &Codec{maxPayload: maxPayload}
}

// Encode serializes m into a single wire frame. It fails with an
// EncodeError if the payload exceeds the configured maximum; nothing is
// written to the wire on failure.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if !m.Kind.valid() {
		return nil, newError(EncodeError, nil, "invalid message kind %d", byte(m.Kind))
	}
	if len(m.Payload) > c.maxPayload {
		return nil, newError(EncodeError, nil,
			"payload size %d exceeds maximum %d", len(m.Payload), c.maxPayload)
	}

	buf := make([]byte, lenPrefixSize+frameHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(frameHeaderSize+len(m.Payload)))
	buf[lenPrefixSize] = byte(m.Kind)
	binary.BigEndian.PutUint64(buf[lenPrefixSize+1:], m.CorrelationID)
	copy(buf[lenPrefixSize+frameHeaderSize:], m.Payload)
	return buf, nil
}

// Decode reads one complete frame from r and returns the decoded Message.
// A clean EOF before any byte of the prefix is returned as io.EOF so the
// caller can tell a closed peer from a truncated frame; anything else that
// cuts a frame short is a DecodeError.
func (c *Codec) Decode(r io.Reader) (*Message, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, newError(DecodeError, err, "reading length prefix")
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length < frameHeaderSize {
		return nil, newError(DecodeError, nil, "frame length %d below header size", length)
	}
	if int(length)-frameHeaderSize > c.maxPayload {
		return nil, newError(DecodeError, nil,
			"frame length %d exceeds maximum payload %d", length, c.maxPayload)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, newError(DecodeError, err, "reading frame body")
	}

	kind := Kind(body[0])
	if !kind.valid() {
		return nil, newError(DecodeError, nil, "invalid kind tag %d", body[0])
	}

	m := &Message{
		Kind:          kind,
		CorrelationID: binary.BigEndian.Uint64(body[1:frameHeaderSize]),
	}
	if len(body) > frameHeaderSize {
		m.Payload = body[frameHeaderSize:]
	}
	return m, nil
}

// errIsEOF reports whether err marks the peer closing the stream cleanly
// between frames.
func errIsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
