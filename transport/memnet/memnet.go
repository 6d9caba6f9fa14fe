// Package memnet is an in-process Transport Engine. Sockets bound on the same
// Engine exchange datagrams through a shared address table, so whole session
// topologies can run inside one test binary without touching the network.
//
// Connection tracking follows datagram semantics: a peer is connected once
// something has been received from it, kept alive by heartbeats and dropped
// after the idle timeout. Unspecified bind addresses are mapped to loopback.
package memnet

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iselt/netsession/transport"
)

// MaxPayload bounds a single datagram.
const MaxPayload = 64 * 1024

const firstEphemeralPort = 49152

// Engine is a hub of bound memnet sockets.
type Engine struct {
	mu       sync.Mutex
	sockets  map[netip.AddrPort]*Socket
	nextPort uint16
}

// New returns an empty hub.
func New() *Engine {
	return &Engine{
		sockets:  make(map[netip.AddrPort]*Socket),
		nextPort: firstEphemeralPort,
	}
}

// Bind implements transport.Engine.
func (e *Engine) Bind(addr string, cfg transport.Config) (transport.Socket, error) {
	ap, err := transport.ResolveAddr(addr)
	if err != nil {
		return nil, err
	}
	ip := ap.Addr()
	if ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	port := ap.Port()
	if port == 0 {
		port, err = e.allocPortLocked(ip)
		if err != nil {
			return nil, err
		}
	}
	local := netip.AddrPortFrom(ip, port)
	if _, taken := e.sockets[local]; taken {
		return nil, fmt.Errorf("memnet: bind %s: address already in use", local)
	}

	s := &Socket{
		engine: e,
		addr:   local,
		cfg:    cfg,
		peers:  make(map[netip.AddrPort]*peer),
		now:    time.Now(),
	}
	e.sockets[local] = s
	return s, nil
}

func (e *Engine) allocPortLocked(ip netip.Addr) (uint16, error) {
	for i := 0; i < 65536-firstEphemeralPort; i++ {
		p := e.nextPort
		e.nextPort++
		if e.nextPort == 0 {
			e.nextPort = firstEphemeralPort
		}
		if _, taken := e.sockets[netip.AddrPortFrom(ip, p)]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("memnet: no free ephemeral port on %s", ip)
}

func (e *Engine) lookup(addr netip.AddrPort) *Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sockets[addr]
}

func (e *Engine) unbind(s *Socket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sockets[s.addr] == s {
		delete(e.sockets, s.addr)
	}
}

type frameKind uint8

const (
	framePayload frameKind = iota
	frameHeartbeat
	frameGoodbye
)

type datagram struct {
	kind     frameKind
	from     netip.AddrPort
	sender   *Socket
	payload  []byte
	delivery transport.Delivery
	seq      uint32
}

type lane struct {
	reliable bool
	stream   uint8
}

type peer struct {
	connected bool
	lastRecv  time.Time
	lastSent  time.Time
	sendSeq   map[lane]uint32
	recvSeq   map[lane]uint32
}

// Socket is a bound memnet endpoint.
type Socket struct {
	engine *Engine
	addr   netip.AddrPort
	cfg    transport.Config

	// inFlight counts reliable datagrams sitting in a peer's inbox.
	inFlight atomic.Int64

	mu     sync.Mutex
	inbox  []datagram
	closed bool

	// Owned by the goroutine driving the socket.
	peers  map[netip.AddrPort]*peer
	events []transport.Event
	now    time.Time
}

var _ transport.Socket = (*Socket)(nil)

func (s *Socket) LocalAddr() netip.AddrPort { return s.addr }

// InFlight reports reliable datagrams sent but not yet received by peers.
func (s *Socket) InFlight() int { return int(s.inFlight.Load()) }

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) deliver(d datagram) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inbox = append(s.inbox, d)
	return true
}

func (s *Socket) peer(addr netip.AddrPort) *peer {
	p, ok := s.peers[addr]
	if !ok {
		p = &peer{
			lastRecv: s.now,
			sendSeq:  make(map[lane]uint32),
			recvSeq:  make(map[lane]uint32),
		}
		s.peers[addr] = p
	}
	return p
}

// Send implements transport.Socket. Datagrams to addresses nobody is bound to
// are dropped silently.
func (s *Socket) Send(dest netip.AddrPort, payload []byte, d transport.Delivery) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(payload))
	}
	if d.Reliable && s.cfg.MaxPacketsInFlight > 0 && s.InFlight() >= s.cfg.MaxPacketsInFlight {
		return transport.ErrTooManyInFlight
	}

	p := s.peer(dest)
	dg := datagram{
		kind:     framePayload,
		from:     s.addr,
		sender:   s,
		payload:  append([]byte(nil), payload...),
		delivery: d,
	}
	if d.Ordering != transport.Unordered {
		l := lane{reliable: d.Reliable, stream: d.Stream}
		dg.seq = p.sendSeq[l]
		p.sendSeq[l]++
	}
	p.lastSent = s.now
	s.transmit(dest, dg)
	return nil
}

func (s *Socket) transmit(dest netip.AddrPort, dg datagram) {
	target := s.engine.lookup(dest)
	if target == nil {
		return
	}
	reliable := dg.kind == framePayload && dg.delivery.Reliable
	if reliable {
		s.inFlight.Add(1)
	}
	if !target.deliver(dg) && reliable {
		s.inFlight.Add(-1)
	}
}

// Poll implements transport.Socket.
func (s *Socket) Poll(now time.Time) {
	s.now = now
	for addr, p := range s.peers {
		if now.Sub(p.lastRecv) > s.cfg.IdleConnectionTimeout {
			if p.connected {
				s.events = append(s.events, transport.Event{Kind: transport.EventTimeout, Addr: addr})
			}
			delete(s.peers, addr)
			continue
		}
		if p.connected && s.cfg.HeartbeatInterval > 0 && now.Sub(p.lastSent) >= s.cfg.HeartbeatInterval {
			s.transmit(addr, datagram{kind: frameHeartbeat, from: s.addr, sender: s})
			p.lastSent = now
		}
	}
}

func (s *Socket) popInbox() (datagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return datagram{}, false
	}
	d := s.inbox[0]
	s.inbox[0] = datagram{}
	s.inbox = s.inbox[1:]
	return d, true
}

// Recv implements transport.Socket.
func (s *Socket) Recv() (transport.Event, bool) {
	for {
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			return ev, true
		}
		d, ok := s.popInbox()
		if !ok {
			return transport.Event{}, false
		}
		s.receive(d)
	}
}

func (s *Socket) receive(d datagram) {
	if d.kind == framePayload && d.delivery.Reliable {
		d.sender.inFlight.Add(-1)
	}

	if d.kind == frameGoodbye {
		if p, ok := s.peers[d.from]; ok {
			if p.connected {
				s.events = append(s.events, transport.Event{Kind: transport.EventDisconnect, Addr: d.from})
			}
			delete(s.peers, d.from)
		}
		return
	}

	p := s.peer(d.from)
	p.lastRecv = s.now
	if !p.connected {
		p.connected = true
		s.events = append(s.events, transport.Event{Kind: transport.EventConnect, Addr: d.from})
	}
	if d.kind == frameHeartbeat {
		return
	}

	if d.delivery.Ordering == transport.Sequenced {
		l := lane{reliable: d.delivery.Reliable, stream: d.delivery.Stream}
		if d.seq < p.recvSeq[l] {
			return
		}
		p.recvSeq[l] = d.seq + 1
	}
	s.events = append(s.events, transport.Event{Kind: transport.EventPacket, Addr: d.from, Payload: d.payload})
}

// Close unbinds the socket and tells connected peers it is gone.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for _, d := range pending {
		if d.kind == framePayload && d.delivery.Reliable {
			d.sender.inFlight.Add(-1)
		}
	}
	s.engine.unbind(s)
	for addr, p := range s.peers {
		if p.connected {
			s.transmit(addr, datagram{kind: frameGoodbye, from: s.addr, sender: s})
		}
	}
	s.peers = nil
	s.events = nil
	return nil
}
