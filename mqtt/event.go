package mqtt

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// EventKind identifies a broker session event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	EventError
	EventPublished
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventPublished:
		return "published"
	default:
		return "unknown"
	}
}

// ErrorKind separates failures of the underlying connection from broker
// protocol failures.
type ErrorKind int

const (
	ProtocolError ErrorKind = iota
	TransportError
)

func (k ErrorKind) String() string {
	if k == TransportError {
		return "transport"
	}
	return "protocol"
}

// Event is one notification from a broker session.
type Event struct {
	Kind EventKind

	// Message
	Topic   string
	Payload []byte

	// Published: the id returned by Publish. Err is set when delivery failed.
	MessageID uint16

	// Error, Disconnected and Published
	Err error
}

// ClassifyError reports whether err came from the network connection beneath
// the broker session.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ProtocolError
	}
	var (
		netErr net.Error
		errno  syscall.Errno
	)
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.As(err, &errno):
		return TransportError
	default:
		return ProtocolError
	}
}
