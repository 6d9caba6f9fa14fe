// Package session is a thread-safe facade over a datagram transport engine.
//
// A Session owns one background worker goroutine that exclusively holds the
// live sockets. Callers bind sockets, send and broadcast messages and drain
// connection and message events with Pump; everything that crosses into the
// worker goes through unbounded queues, so no call blocks on worker progress.
package session

import (
	"bytes"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iselt/netsession/internal/queue"
	"github.com/iselt/netsession/transport"
	"github.com/iselt/netsession/transport/quicnet"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	engine     transport.Engine
	logger     *zap.Logger
	registerer prometheus.Registerer
	tick       time.Duration
	budget     time.Duration
}

// WithEngine sets the transport engine. The default is a quicnet engine with a
// self-signed certificate.
func WithEngine(e transport.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTickInterval sets how long the worker sleeps between iterations.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

// WithSlowIterationBudget sets the iteration time above which the worker
// logs a warning.
func WithSlowIterationBudget(d time.Duration) Option {
	return func(o *options) { o.budget = d }
}

type boundSocket struct {
	handle SocketHandle
	local  netip.AddrPort
}

// Session is safe for concurrent use.
type Session struct {
	logger  *zap.Logger
	metrics *Metrics
	engine  transport.Engine

	instructions *queue.Queue[instruction]
	messages     *queue.Queue[message]
	events       *queue.Queue[Event]

	mu            sync.RWMutex
	defaultSocket SocketHandle
	sockets       []boundSocket
	connections   []Connection
	closed        bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session and starts its worker.
func New(opts ...Option) (*Session, error) {
	o := options{
		logger: zap.NewNop(),
		tick:   defaultTickInterval,
		budget: defaultSlowBudget,
	}
	for _, opt := range opts {
		opt(&o)
	}

	metrics, err := NewMetrics(o.registerer)
	if err != nil {
		return nil, err
	}
	if o.engine == nil {
		e, err := quicnet.New(quicnet.WithLogger(o.logger.Named("quicnet")))
		if err != nil {
			return nil, err
		}
		o.engine = e
	}

	s := &Session{
		logger:       o.logger.Named("session"),
		metrics:      metrics,
		engine:       o.engine,
		instructions: queue.New[instruction](),
		messages:     queue.New[message](),
		events:       queue.New[Event](),
		done:         make(chan struct{}),
	}
	w := &worker{
		logger:       o.logger.Named("worker"),
		metrics:      metrics,
		registry:     &registry{logger: o.logger.Named("registry")},
		instructions: s.instructions,
		messages:     s.messages,
		events:       s.events,
		tick:         o.tick,
		budget:       o.budget,
		now:          time.Now,
		done:         s.done,
	}
	go w.run()
	return s, nil
}

// Metrics returns the session's collectors.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Done is closed once the worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Bind binds addr with the default SocketConfig.
func (s *Session) Bind(addr string) (SocketHandle, error) {
	return s.BindWithConfig(addr, DefaultSocketConfig())
}

// BindWithConfig binds addr and hands the socket to the worker. The first
// successful bind becomes the default socket for the life of the session.
func (s *Session) BindWithConfig(addr string, cfg SocketConfig) (SocketHandle, error) {
	if err := cfg.Validate(); err != nil {
		return SocketHandle{}, err
	}
	if err := s.crossing(s.instructions.Poisoned(), "socket"); err != nil {
		return SocketHandle{}, err
	}

	sock, err := s.engine.Bind(addr, cfg.engineConfig())
	if err != nil {
		return SocketHandle{}, newIOError("failed to bind "+addr, err)
	}
	handle := newSocketHandle()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sock.Close()
		return SocketHandle{}, newInternalError(ChannelSendFailure, "socket could not be sent, the session is closed", nil)
	}
	if err := s.instructions.Push(instruction{kind: instructionAddSocket, handle: handle, socket: sock}); err != nil {
		_ = sock.Close()
		return SocketHandle{}, enqueueError("socket", err)
	}
	s.sockets = append(s.sockets, boundSocket{handle: handle, local: sock.LocalAddr()})
	if s.defaultSocket.IsZero() {
		s.defaultSocket = handle
	}

	s.logger.Info("Socket bound",
		zap.Stringer("socket", handle),
		zap.Stringer("local_addr", sock.LocalAddr()),
		zap.Bool("default", s.defaultSocket == handle))
	return handle, nil
}

// DefaultSocket returns the first bound socket.
func (s *Session) DefaultSocket() (SocketHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultSocket, !s.defaultSocket.IsZero()
}

// Sockets returns every bound handle in bind order.
func (s *Session) Sockets() []SocketHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handles := make([]SocketHandle, 0, len(s.sockets))
	for _, b := range s.sockets {
		handles = append(handles, b.handle)
	}
	return handles
}

// LocalAddr returns the address the engine actually bound for h.
func (s *Session) LocalAddr(h SocketHandle) (netip.AddrPort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.sockets {
		if b.handle == h {
			return b.local, nil
		}
	}
	return netip.AddrPort{}, &NoSocketError{Handle: h}
}

// Send queues payload for dest on the default socket.
func (s *Session) Send(dest netip.AddrPort, payload []byte, d Delivery) error {
	return s.SendWithConfig(dest, payload, d, SendConfig{})
}

// SendWithConfig queues payload for dest on the socket chosen by cfg. Errors
// from the engine arrive later as SendError events.
func (s *Session) SendWithConfig(dest netip.AddrPort, payload []byte, d Delivery, cfg SendConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	handle, err := s.resolveSocket(cfg.Socket)
	if err != nil {
		return err
	}
	return s.enqueue([]message{{
		payload:     bytes.Clone(payload),
		destination: dest,
		delivery:    d.engineDelivery(),
		socket:      handle,
	}})
}

// Broadcast queues payload for every connection of the default socket.
func (s *Session) Broadcast(payload []byte, d Delivery) error {
	return s.BroadcastWithConfig(payload, d, SendConfig{})
}

// BroadcastWithConfig queues payload once for every connection the chosen
// socket has at call time.
func (s *Session) BroadcastWithConfig(payload []byte, d Delivery, cfg SendConfig) error {
	if err := d.Validate(); err != nil {
		return err
	}
	handle, err := s.resolveSocket(cfg.Socket)
	if err != nil {
		return err
	}

	targets := s.ConnectionsForSocket(handle)
	if len(targets) == 0 {
		return nil
	}
	payload = bytes.Clone(payload)
	delivery := d.engineDelivery()
	batch := make([]message, 0, len(targets))
	for _, c := range targets {
		batch = append(batch, message{payload: payload, destination: c.Addr, delivery: delivery, socket: handle})
	}
	return s.enqueue(batch)
}

func (s *Session) resolveSocket(h SocketHandle) (SocketHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h.IsZero() {
		if s.defaultSocket.IsZero() {
			return SocketHandle{}, ErrNoDefaultSocket
		}
		return s.defaultSocket, nil
	}
	for _, b := range s.sockets {
		if b.handle == h {
			return h, nil
		}
	}
	return SocketHandle{}, &NoSocketError{Handle: h}
}

func (s *Session) enqueue(batch []message) error {
	if err := s.crossing(s.messages.Poisoned(), "message"); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return newInternalError(ChannelSendFailure, "message could not be sent, the session is closed", nil)
	}
	for _, m := range batch {
		if err := s.messages.Push(m); err != nil {
			return enqueueError("message", err)
		}
		s.metrics.MessagesQueued.Inc()
	}
	return nil
}

// crossing reports why nothing can be handed to the worker right now.
func (s *Session) crossing(poisoned bool, what string) error {
	if poisoned {
		return enqueueError(what, queue.ErrPoisoned)
	}
	select {
	case <-s.done:
		return newInternalError(ChannelSendFailure, what+" could not be sent, the worker has terminated", nil)
	default:
		return nil
	}
}

// Connections returns the tracked connections in the order they appeared.
func (s *Session) Connections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.connections)
}

// ConnectionsForSocket returns the tracked connections seen through h.
func (s *Session) ConnectionsForSocket(h SocketHandle) []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Connection
	for _, c := range s.connections {
		if c.Socket == h {
			out = append(out, c)
		}
	}
	return out
}

// HasConnection reports whether c is tracked.
func (s *Session) HasConnection(c Connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.connections, c)
}

// AddConnection tracks c. Adding a tracked connection changes nothing.
func (s *Session) AddConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.addConnectionLocked(c) {
		s.logger.Warn("Attempted to add a connection that is already tracked",
			zap.Stringer("addr", c.Addr), zap.Stringer("socket", c.Socket))
	}
}

// RemoveConnection stops tracking c. Removing an unknown connection changes
// nothing.
func (s *Session) RemoveConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeConnectionLocked(c) {
		s.logger.Debug("Attempted to remove a connection that is not tracked",
			zap.Stringer("addr", c.Addr), zap.Stringer("socket", c.Socket))
	}
}

func (s *Session) addConnectionLocked(c Connection) bool {
	if slices.Contains(s.connections, c) {
		return false
	}
	s.connections = append(s.connections, c)
	s.metrics.ActiveConnections.Set(float64(len(s.connections)))
	return true
}

func (s *Session) removeConnectionLocked(c Connection) bool {
	i := slices.Index(s.connections, c)
	if i < 0 {
		return false
	}
	s.connections = slices.Delete(s.connections, i, i+1)
	s.metrics.ActiveConnections.Set(float64(len(s.connections)))
	return true
}

// Stats is a point-in-time view of the session.
type Stats struct {
	Sockets          int  `json:"sockets"`
	Connections      int  `json:"connections"`
	PendingOutbound  int  `json:"pending_outbound"`
	PendingEvents    int  `json:"pending_events"`
	WorkerRunning    bool `json:"worker_running"`
	HasDefaultSocket bool `json:"has_default_socket"`
}

// Stats returns counters for status reporting.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Sockets:          len(s.sockets),
		Connections:      len(s.connections),
		HasDefaultSocket: !s.defaultSocket.IsZero(),
	}
	s.mu.RUnlock()

	st.PendingOutbound = s.messages.Len()
	st.PendingEvents = s.events.Len()
	select {
	case <-s.done:
	default:
		st.WorkerRunning = true
	}
	return st
}

// Close stops the worker, waits for it to close every socket and shuts the
// queues. Events published before the worker stopped can still be pumped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.instructions.Push(instruction{kind: instructionTerminate}); err != nil {
			s.logger.Warn("Failed to send terminate to the worker", zap.Error(err))
		}
		<-s.done

		s.instructions.Close()
		s.messages.Close()
		s.events.Close()
		s.logger.Info("Session closed")
	})
	return nil
}
