package rpc

import "fmt"

// Kind is the discriminant of a Message envelope.
type Kind byte

const (
	// Request carries a payload from client to server.
	KindRequest Kind = 0x01
	// Response carries a successful handler result back to the client.
	KindResponse Kind = 0x02
	// Error carries a handler failure back to the client. The payload
	// holds the error text.
	KindError Kind = 0x03
)

// valid reports whether k is a known message kind.
func (k Kind) valid() bool {
	return k >= KindRequest && k <= KindError
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is the unit exchanged over a connection. A Response or Error
// always carries the CorrelationID of the Request it answers.
type Message struct {
	Kind          Kind
	CorrelationID uint64
	Payload       []byte
}

// NewRequest builds a Request message for the given correlation id.
func NewRequest(id uint64, payload []byte) *Message {
	return &Message{Kind: KindRequest, CorrelationID: id, Payload: payload}
}

// NewResponse builds a Response answering the request with id.
func NewResponse(id uint64, payload []byte) *Message {
	return &Message{Kind: KindResponse, CorrelationID: id, Payload: payload}
}

// NewError builds an Error message answering the request with id.
// The error text travels as the payload.
func NewError(id uint64, text string) *Message {
	return &Message{Kind: KindError, CorrelationID: id, Payload: []byte(text)}
}
