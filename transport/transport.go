// Package transport defines the contract between the session worker and a
// Transport Engine. An engine turns an unreliable datagram socket into
// connections with delivery guarantees; the session only polls it, hands it
// payloads and drains its events.
//
// Two engines ship with the module:
//   - memnet: in-process hub, deterministic, used by tests and demos
//   - quicnet: UDP sockets driven by quic-go
package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	ErrClosed          = errors.New("transport: socket closed")
	ErrTooManyInFlight = errors.New("transport: too many packets in flight")
	ErrPayloadTooLarge = errors.New("transport: payload too large")
)

// Ordering is the ordering primitive an engine applies to one lane.
type Ordering uint8

const (
	Unordered Ordering = iota
	Sequenced          // newer packets supersede older ones, stale ones are dropped
	Ordered            // every packet, in send order
)

func (o Ordering) String() string {
	switch o {
	case Unordered:
		return "unordered"
	case Sequenced:
		return "sequenced"
	case Ordered:
		return "ordered"
	default:
		return fmt.Sprintf("ordering(%d)", uint8(o))
	}
}

// Delivery is the engine-level delivery primitive for a single packet.
// Stream selects an independent ordering lane; it is ignored for Unordered.
type Delivery struct {
	Reliable bool
	Ordering Ordering
	Stream   uint8
}

func (d Delivery) String() string {
	r := "unreliable"
	if d.Reliable {
		r = "reliable"
	}
	if d.Ordering == Unordered {
		return r + "-" + d.Ordering.String()
	}
	return fmt.Sprintf("%s-%s/%d", r, d.Ordering, d.Stream)
}

// EventKind enumerates what an engine can report for a socket.
type EventKind uint8

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventTimeout
	EventPacket
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventTimeout:
		return "timeout"
	case EventPacket:
		return "packet"
	default:
		return "unknown"
	}
}

// Event is one socket-level notification. Payload is set for EventPacket only.
type Event struct {
	Kind    EventKind
	Addr    netip.AddrPort
	Payload []byte
}

// Config is handed to the engine at bind time.
type Config struct {
	// IdleConnectionTimeout drops a peer after this long without traffic.
	IdleConnectionTimeout time.Duration
	// HeartbeatInterval keeps quiet connections alive. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// MaxPacketsInFlight caps reliable packets not yet accepted by the peer.
	MaxPacketsInFlight int
}

// DefaultConfig mirrors the session defaults.
func DefaultConfig() Config {
	return Config{
		IdleConnectionTimeout: 5 * time.Second,
		HeartbeatInterval:     time.Second,
		MaxPacketsInFlight:    1024,
	}
}

// Engine binds sockets.
type Engine interface {
	Bind(addr string, cfg Config) (Socket, error)
}

// Socket is a bound local endpoint. Every method must be non-blocking; the
// session calls them from a single goroutine only.
type Socket interface {
	LocalAddr() netip.AddrPort
	// Poll advances heartbeats, timeouts and retransmissions to now.
	Poll(now time.Time)
	Send(dest netip.AddrPort, payload []byte, d Delivery) error
	// Recv returns the next pending event, if any.
	Recv() (Event, bool)
	Close() error
}

// ResolveAddr parses "host:port" into an AddrPort, accepting "localhost" and
// an empty host as the IPv4 loopback and unspecified address.
func ResolveAddr(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}
	host, port, err := splitHostPort(addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	switch host {
	case "":
		return netip.AddrPortFrom(netip.IPv4Unspecified(), port), nil
	case "localhost":
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("transport: cannot resolve %q: host must be an IP literal", addr)
}
