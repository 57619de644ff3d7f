package message

import (
	"maps"
	"slices"
)

// Reserved header names. Some are translated into dedicated broker envelope
// fields when a message is sent.
const (
	HeaderMessageID        = "message-id"
	HeaderCorrelationID    = "correlation-id"
	HeaderContentType      = "content-type"
	HeaderMessageType      = "message-type"
	HeaderTimeToBeReceived = "time-to-be-received"
	HeaderDeferredUntil    = "deferred-until"
)

// TransportMessage is a set of string headers and an opaque payload.
type TransportMessage struct {
	Headers map[string]string
	Body    []byte
}

// New returns a TransportMessage holding copies of headers and body.
func New(headers map[string]string, body []byte) *TransportMessage {
	m := &TransportMessage{
		Headers: make(map[string]string, len(headers)),
		Body:    slices.Clone(body),
	}
	maps.Copy(m.Headers, headers)
	return m
}

// Clone returns a deep copy of the message.
func (m *TransportMessage) Clone() *TransportMessage {
	if m == nil {
		return nil
	}
	return New(m.Headers, m.Body)
}

// Header returns the value of the header and whether it was present.
func (m *TransportMessage) Header(name string) (string, bool) {
	if m == nil || m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[name]
	return v, ok
}

// MessageID returns the message-id header or an empty string.
func (m *TransportMessage) MessageID() string {
	id, _ := m.Header(HeaderMessageID)
	return id
}
