package session

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/iselt/netsession/transport"
)

// SocketHandle identifies a bound socket. Handles are random UUIDs, so handles
// from independent sessions never collide. The zero value is never minted.
type SocketHandle struct {
	id uuid.UUID
}

func newSocketHandle() SocketHandle {
	return SocketHandle{id: uuid.New()}
}

// ParseSocketHandle parses the form produced by SocketHandle.String.
func ParseSocketHandle(s string) (SocketHandle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SocketHandle{}, fmt.Errorf("invalid socket handle %q: %w", s, err)
	}
	return SocketHandle{id: id}, nil
}

// IsZero reports whether h is the zero handle.
func (h SocketHandle) IsZero() bool { return h.id == uuid.Nil }

func (h SocketHandle) String() string { return h.id.String() }

// Connection is a remote endpoint seen through one local socket.
type Connection struct {
	Addr   netip.AddrPort
	Socket SocketHandle
}

func (c Connection) String() string { return c.Addr.String() }

// DeliveryMode is the reliability and ordering policy for a message.
type DeliveryMode uint8

const (
	UnreliableUnordered DeliveryMode = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableSequenced
	ReliableOrdered
)

func (m DeliveryMode) String() string {
	switch m {
	case UnreliableUnordered:
		return "UnreliableUnordered"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", uint8(m))
	}
}

// DefaultStream is the lane used when a sequenced or ordered delivery names
// no stream.
const DefaultStream uint8 = 255

// deliveryTable maps each mode onto the engine primitive. New modes are added
// here and nowhere else.
var deliveryTable = [...]transport.Delivery{
	UnreliableUnordered: {Reliable: false, Ordering: transport.Unordered},
	UnreliableSequenced: {Reliable: false, Ordering: transport.Sequenced},
	ReliableUnordered:   {Reliable: true, Ordering: transport.Unordered},
	ReliableSequenced:   {Reliable: true, Ordering: transport.Sequenced},
	ReliableOrdered:     {Reliable: true, Ordering: transport.Ordered},
}

// Delivery is a mode plus an optional stream id. Streams are independent
// ordering lanes on one socket.
type Delivery struct {
	Mode      DeliveryMode
	Stream    uint8
	HasStream bool
}

// Deliver selects mode on the default lane.
func Deliver(mode DeliveryMode) Delivery {
	return Delivery{Mode: mode}
}

// DeliverOnStream selects mode on lane stream. Only sequenced and ordered
// modes accept a stream.
func DeliverOnStream(mode DeliveryMode, stream uint8) Delivery {
	return Delivery{Mode: mode, Stream: stream, HasStream: true}
}

func (d Delivery) String() string {
	if d.HasStream {
		return fmt.Sprintf("%s(%d)", d.Mode, d.Stream)
	}
	return d.Mode.String()
}

// Validate rejects unknown modes and streams on unordered modes.
func (d Delivery) Validate() error {
	if int(d.Mode) >= len(deliveryTable) {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidDelivery, uint8(d.Mode))
	}
	if d.HasStream && deliveryTable[d.Mode].Ordering == transport.Unordered {
		return fmt.Errorf("%w: %s does not take a stream id", ErrInvalidDelivery, d.Mode)
	}
	return nil
}

func (d Delivery) engineDelivery() transport.Delivery {
	td := deliveryTable[d.Mode]
	if td.Ordering != transport.Unordered {
		td.Stream = DefaultStream
		if d.HasStream {
			td.Stream = d.Stream
		}
	}
	return td
}

// EventKind enumerates host-visible events.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventSendError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventSendError:
		return "send_error"
	default:
		return "unknown"
	}
}

// Event is a domain event. Conn is set for every kind except SendError,
// Payload for Message and Err for SendError.
type Event struct {
	Kind    EventKind
	Conn    Connection
	Payload []byte
	Err     error
}

func (e Event) String() string {
	switch e.Kind {
	case EventMessage:
		return fmt.Sprintf("message from %s (%d bytes)", e.Conn, len(e.Payload))
	case EventSendError:
		return fmt.Sprintf("send error: %v", e.Err)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Conn)
	}
}

// SendConfig picks the socket for a send or broadcast. A zero Socket means
// the default socket.
type SendConfig struct {
	Socket SocketHandle
}

// message is an outbound payload, consumed exactly once by the worker.
type message struct {
	payload     []byte
	destination netip.AddrPort
	delivery    transport.Delivery
	socket      SocketHandle
}

type instructionKind uint8

const (
	instructionAddSocket instructionKind = iota
	instructionTerminate
)

type instruction struct {
	kind   instructionKind
	handle SocketHandle
	socket transport.Socket
}
