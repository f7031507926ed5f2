// Package wire defines the length-prefixed, msgpack-encoded protocol
// between a client (or the command driver) and the server hosting a
// coordinator.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgType identifies the kind of a protocol message.
type MsgType uint8

const (
	MsgCommand MsgType = 0x01 // a single driver command line, e.g. "W(T1,x1,101)"
	MsgResult  MsgType = 0x10 // a coordinator result
	MsgError   MsgType = 0x12 // malformed request / unknown message type
	MsgPing    MsgType = 0x20
	MsgPong    MsgType = 0x21
)

// Message is the envelope written on the wire: a type tag and an
// opaque msgpack-encoded payload.
type Message struct {
	Type    MsgType
	Payload []byte
}

// CommandMessage carries one driver command line verbatim, so the
// server can reuse the same parser the in-process CLI uses.
type CommandMessage struct {
	Line string `msgpack:"line"`
}

// ResultMessage carries a coordinator result back to the client.
type ResultMessage struct {
	Status   string `msgpack:"status"`
	Message  string `msgpack:"message"`
	HasValue bool   `msgpack:"has_value,omitempty"`
	Value    int64  `msgpack:"value,omitempty"`
	Writer   string `msgpack:"writer,omitempty"`
}

// ErrorMessage reports a transport-level failure (malformed request,
// unknown message type) distinct from a coordinator status.
type ErrorMessage struct {
	Code    int    `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Encode marshals v with msgpack.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode unmarshals msgpack-encoded data into v.
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeMessage encodes a complete envelope for msgType carrying payload.
func EncodeMessage(msgType MsgType, payload interface{}) ([]byte, error) {
	var pay []byte
	if payload != nil {
		p, err := Encode(payload)
		if err != nil {
			return nil, err
		}
		pay = p
	}
	return Encode(Message{Type: msgType, Payload: pay})
}

// DecodeMessage decodes a complete envelope.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := Decode(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewCommandMessage wraps a driver command line.
func NewCommandMessage(line string) *CommandMessage {
	return &CommandMessage{Line: line}
}

// NewErrorMessage builds an ErrorMessage.
func NewErrorMessage(code int, message string) *ErrorMessage {
	return &ErrorMessage{Code: code, Message: message}
}
