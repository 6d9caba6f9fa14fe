// Package quicnet is a Transport Engine backed by quic-go. Every bound socket
// owns a single UDP socket that both accepts and dials QUIC connections, so a
// peer always sees the address that was bound.
//
// Unreliable deliveries travel as QUIC datagrams. Reliable deliveries use
// unidirectional streams: one per (ordering, stream id) lane, or one per
// message for ReliableUnordered.
package quicnet

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/iselt/netsession/transport"
)

const (
	codeClosed  quic.ApplicationErrorCode = 0
	codeBadData quic.StreamErrorCode      = 1
)

// Engine binds quicnet sockets.
type Engine struct {
	logger    *zap.Logger
	serverTLS *tls.Config
	clientTLS *tls.Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTLS replaces the generated self-signed configuration. The ALPN is
// forced to match on both configs.
func WithTLS(server, client *tls.Config) Option {
	return func(e *Engine) {
		e.serverTLS = server.Clone()
		e.serverTLS.NextProtos = []string{ALPN}
		e.clientTLS = client.Clone()
		e.clientTLS.NextProtos = []string{ALPN}
	}
}

// New returns an engine. Without WithTLS a self-signed certificate is
// generated and peer certificates are not verified.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{logger: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	if e.serverTLS == nil {
		server, client, err := selfSignedConfigs()
		if err != nil {
			return nil, err
		}
		e.serverTLS, e.clientTLS = server, client
	}
	return e, nil
}

func quicConfig(cfg transport.Config) *quic.Config {
	qc := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  cfg.IdleConnectionTimeout,
		KeepAlivePeriod: cfg.HeartbeatInterval,
	}
	if cfg.MaxPacketsInFlight > 0 {
		qc.MaxIncomingUniStreams = int64(cfg.MaxPacketsInFlight)
	}
	return qc
}

// Bind implements transport.Engine.
func (e *Engine) Bind(addr string, cfg transport.Config) (transport.Socket, error) {
	ap, err := transport.ResolveAddr(addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, err
	}

	qconf := quicConfig(cfg)
	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(e.serverTLS, qconf)
	if err != nil {
		_ = tr.Close()
		_ = udpConn.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		engine:   e,
		logger:   e.logger.With(zap.Stringer("local", udpConn.LocalAddr())),
		cfg:      cfg,
		qconf:    qconf,
		udpConn:  udpConn,
		tr:       tr,
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
		local:    normalize(udpConn.LocalAddr()),
		peers:    make(map[netip.AddrPort]*peerConn),
		refs:     make(map[netip.AddrPort]int),
		conns:    make(map[*quic.Conn]struct{}),
		queueCap: queueCapacity(cfg),
	}
	go s.acceptLoop()
	return s, nil
}

func queueCapacity(cfg transport.Config) int {
	if cfg.MaxPacketsInFlight > 0 {
		return cfg.MaxPacketsInFlight
	}
	return transport.DefaultConfig().MaxPacketsInFlight
}

func normalize(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

type frame struct {
	payload  []byte
	delivery transport.Delivery
}

// peerConn is the send side towards one peer. Frames are written by a single
// writer goroutine so Send never blocks on the network.
type peerConn struct {
	addr netip.AddrPort
	out  chan frame
	conn *quic.Conn
}

// Socket is a bound quicnet endpoint.
type Socket struct {
	engine   *Engine
	logger   *zap.Logger
	cfg      transport.Config
	qconf    *quic.Config
	udpConn  *net.UDPConn
	tr       *quic.Transport
	ln       *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	local    netip.AddrPort
	queueCap int
	dropped  atomic.Uint64

	mu     sync.Mutex
	closed bool
	peers  map[netip.AddrPort]*peerConn
	refs   map[netip.AddrPort]int
	conns  map[*quic.Conn]struct{}
	events []transport.Event
}

var _ transport.Socket = (*Socket)(nil)

func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// Poll implements transport.Socket. quic-go runs its own timers for
// retransmission, keep-alives and idle timeouts, so there is nothing to advance.
func (s *Socket) Poll(time.Time) {}

// Send implements transport.Socket.
func (s *Socket) Send(dest netip.AddrPort, payload []byte, d transport.Delivery) error {
	if !d.Reliable && len(payload) > maxDatagramPayload {
		return fmt.Errorf("%w: %d bytes exceeds datagram limit %d", transport.ErrPayloadTooLarge, len(payload), maxDatagramPayload)
	}
	if d.Reliable && len(payload) > maxFrameLen {
		return fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(payload))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())
	pc, ok := s.peers[dest]
	if !ok {
		pc = &peerConn{addr: dest, out: make(chan frame, s.queueCap)}
		s.peers[dest] = pc
		go s.dial(pc)
	}
	s.mu.Unlock()

	select {
	case pc.out <- frame{payload: append([]byte(nil), payload...), delivery: d}:
		return nil
	default:
		return transport.ErrTooManyInFlight
	}
}

// Recv implements transport.Socket.
func (s *Socket) Recv() (transport.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return transport.Event{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

func (s *Socket) push(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events = append(s.events, ev)
}

// Close tears down every connection and the UDP socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*quic.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.events = nil
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		_ = c.CloseWithError(codeClosed, "socket closed")
	}
	err := errors.Join(s.ln.Close(), s.tr.Close())
	if cerr := s.udpConn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

// dropQueued discards the frames a failed dial left behind.
func (s *Socket) dropQueued(pc *peerConn, cause error) {
	var reliable, unreliable int
drain:
	for {
		select {
		case f := <-pc.out:
			if f.delivery.Reliable {
				reliable++
			} else {
				unreliable++
			}
		default:
			break drain
		}
	}
	if reliable+unreliable == 0 {
		return
	}
	if s.ctx.Err() == nil {
		s.logger.Warn("Dial failed, dropping queued frames",
			zap.Stringer("peer", pc.addr),
			zap.Int("reliable", reliable),
			zap.Int("unreliable", unreliable),
			zap.Error(cause))
	}
	s.dropped.Add(uint64(reliable + unreliable))
}

// Dropped returns how many queued frames were discarded because their peer
// could not be reached.
func (s *Socket) Dropped() uint64 { return s.dropped.Load() }

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("Accept loop stopped", zap.Error(err))
			}
			return
		}
		addr := normalize(conn.RemoteAddr())

		s.mu.Lock()
		if _, ok := s.peers[addr]; !ok {
			pc := &peerConn{addr: addr, out: make(chan frame, s.queueCap), conn: conn}
			s.peers[addr] = pc
			go s.writeLoop(pc, conn)
		}
		s.mu.Unlock()

		s.attach(conn, addr)
	}
}

func (s *Socket) dial(pc *peerConn) {
	conn, err := s.tr.Dial(s.ctx, net.UDPAddrFromAddrPort(pc.addr), s.engine.clientTLS, s.qconf)
	if err != nil {
		s.mu.Lock()
		if s.peers[pc.addr] == pc {
			delete(s.peers, pc.addr)
		}
		s.mu.Unlock()
		s.dropQueued(pc, err)
		return
	}

	s.mu.Lock()
	pc.conn = conn
	s.mu.Unlock()

	s.attach(conn, pc.addr)
	s.writeLoop(pc, conn)
}

// attach starts the receive side of a connection and reports Connect for the
// first live connection to addr.
func (s *Socket) attach(conn *quic.Conn, addr netip.AddrPort) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.CloseWithError(codeClosed, "socket closed")
		return
	}
	s.conns[conn] = struct{}{}
	s.refs[addr]++
	first := s.refs[addr] == 1
	if first {
		s.events = append(s.events, transport.Event{Kind: transport.EventConnect, Addr: addr})
	}
	s.mu.Unlock()

	s.logger.Debug("Connection established", zap.Stringer("peer", addr), zap.Bool("first", first))

	go s.readDatagrams(conn, addr)
	go s.acceptStreams(conn, addr)
	go s.watch(conn, addr)
}

func (s *Socket) watch(conn *quic.Conn, addr netip.AddrPort) {
	<-conn.Context().Done()
	cause := context.Cause(conn.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	if pc, ok := s.peers[addr]; ok && pc.conn == conn {
		delete(s.peers, addr)
	}
	s.refs[addr]--
	if s.refs[addr] > 0 {
		return
	}
	delete(s.refs, addr)
	if s.closed {
		return
	}

	kind := transport.EventDisconnect
	var idle *quic.IdleTimeoutError
	if errors.As(cause, &idle) {
		kind = transport.EventTimeout
	}
	s.events = append(s.events, transport.Event{Kind: kind, Addr: addr})
	s.logger.Debug("Connection closed", zap.Stringer("peer", addr), zap.Stringer("event", kind), zap.NamedError("cause", cause))
}

type laneKey struct {
	ordering transport.Ordering
	stream   uint8
}

func (s *Socket) writeLoop(pc *peerConn, conn *quic.Conn) {
	lanes := make(map[laneKey]*quic.SendStream)
	seqs := make(map[laneKey]uint32)
	defer func() {
		for _, st := range lanes {
			_ = st.Close()
		}
	}()

	for {
		select {
		case <-conn.Context().Done():
			return
		case f := <-pc.out:
			if err := s.write(conn, lanes, seqs, f); err != nil {
				s.logger.Debug("Write failed", zap.Stringer("peer", pc.addr),
					zap.Stringer("delivery", f.delivery), zap.Error(err))
			}
		}
	}
}

func (s *Socket) write(conn *quic.Conn, lanes map[laneKey]*quic.SendStream, seqs map[laneKey]uint32, f frame) error {
	d := f.delivery
	key := laneKey{ordering: d.Ordering, stream: d.Stream}

	if !d.Reliable {
		seq := seqs[key]
		seqs[key]++
		return conn.SendDatagram(encodeDatagram(d, seq, f.payload))
	}

	if d.Ordering == transport.Unordered {
		st, err := conn.OpenUniStreamSync(s.ctx)
		if err != nil {
			return err
		}
		buf := appendFrame(streamHeader(d), f.payload)
		if _, err := st.Write(buf); err != nil {
			st.CancelWrite(0)
			return err
		}
		return st.Close()
	}

	st, ok := lanes[key]
	if !ok {
		var err error
		st, err = conn.OpenUniStreamSync(s.ctx)
		if err != nil {
			return err
		}
		if _, err := st.Write(streamHeader(d)); err != nil {
			return err
		}
		lanes[key] = st
	}
	if _, err := st.Write(appendFrame(nil, f.payload)); err != nil {
		delete(lanes, key)
		return err
	}
	return nil
}

func (s *Socket) readDatagrams(conn *quic.Conn, addr netip.AddrPort) {
	expected := make(map[laneKey]uint32)
	for {
		b, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			return
		}
		d, seq, payload, err := decodeDatagram(b)
		if err != nil {
			s.logger.Debug("Dropping malformed datagram", zap.Stringer("peer", addr), zap.Error(err))
			continue
		}
		if d.Ordering == transport.Sequenced {
			key := laneKey{ordering: d.Ordering, stream: d.Stream}
			if seq < expected[key] {
				continue
			}
			expected[key] = seq + 1
		}
		s.push(transport.Event{Kind: transport.EventPacket, Addr: addr, Payload: payload})
	}
}

func (s *Socket) acceptStreams(conn *quic.Conn, addr netip.AddrPort) {
	for {
		st, err := conn.AcceptUniStream(conn.Context())
		if err != nil {
			return
		}
		go s.readStream(st, addr)
	}
}

func (s *Socket) readStream(st *quic.ReceiveStream, addr netip.AddrPort) {
	br := bufio.NewReader(st)
	if _, err := readStreamHeader(br); err != nil {
		st.CancelRead(codeBadData)
		return
	}
	for {
		payload, err := readFrame(br)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				s.logger.Warn("Dropping stream with oversized frame", zap.Stringer("peer", addr), zap.Error(err))
				st.CancelRead(codeBadData)
			}
			return
		}
		s.push(transport.Event{Kind: transport.EventPacket, Addr: addr, Payload: payload})
	}
}
