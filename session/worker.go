package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iselt/netsession/internal/queue"
	"github.com/iselt/netsession/transport"
)

const (
	defaultTickInterval = time.Millisecond
	defaultSlowBudget   = 50 * time.Millisecond
)

// worker is the single goroutine that owns live sockets. It talks to the
// session only through the three queues.
type worker struct {
	logger   *zap.Logger
	metrics  *Metrics
	registry *registry

	instructions *queue.Queue[instruction]
	messages     *queue.Queue[message]
	events       *queue.Queue[Event]

	tick   time.Duration
	budget time.Duration
	now    func() time.Time

	done chan struct{}
}

func (w *worker) run() {
	defer close(w.done)
	defer w.shutdown()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker panicked, terminating", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	w.logger.Debug("Worker started")
	for {
		start := time.Now()
		if !w.step(w.now()) {
			w.logger.Debug("Worker terminated")
			return
		}

		elapsed := time.Since(start)
		slow := elapsed > w.budget
		if slow {
			w.logger.Warn("Worker loop iteration exceeded budget",
				zap.Duration("elapsed", elapsed), zap.Duration("budget", w.budget))
		}
		w.metrics.RecordIteration(elapsed, slow)

		// go dark
		time.Sleep(w.tick)
	}
}

// step runs one iteration and reports whether the worker keeps running.
func (w *worker) step(now time.Time) bool {
	if w.handleInstructions() {
		return false
	}
	w.pollSockets(now)
	if !w.sendMessages() {
		return false
	}
	return w.receiveEvents()
}

// handleInstructions reports whether Terminate was observed.
func (w *worker) handleInstructions() bool {
	terminate := false
	_, _ = w.instructions.Drain(func(in instruction) {
		if terminate {
			w.discard(in)
			return
		}
		switch in.kind {
		case instructionAddSocket:
			if w.registry.add(in.handle, in.socket) {
				w.metrics.SocketsBound.Inc()
				return
			}
			w.discard(in)
			err := fmt.Errorf("%w: %s", ErrDuplicateSocket, in.handle)
			if w.publish(Event{Kind: EventSendError, Err: err}) != nil {
				terminate = true
			}
		case instructionTerminate:
			terminate = true
		}
	})
	return terminate
}

func (w *worker) discard(in instruction) {
	if in.socket == nil {
		return
	}
	if err := in.socket.Close(); err != nil {
		w.logger.Warn("Failed to close discarded socket", zap.Stringer("socket", in.handle), zap.Error(err))
	}
}

func (w *worker) pollSockets(now time.Time) {
	for _, t := range w.registry.sockets {
		t.socket.Poll(now)
	}
}

func (w *worker) sendMessages() bool {
	w.metrics.OutboundQueueDepth.Set(float64(w.messages.Len()))

	alive := true
	_, _ = w.messages.Drain(func(m message) {
		if !alive {
			return
		}
		err := w.forward(m)
		if err == nil {
			w.metrics.MessagesSent.Inc()
			return
		}
		w.metrics.RecordSendError(sendErrorReason(err))
		w.logger.Debug("Send failed", zap.Stringer("destination", m.destination),
			zap.Stringer("socket", m.socket), zap.Error(err))
		if w.publish(Event{Kind: EventSendError, Err: err}) != nil {
			alive = false
		}
	})
	return alive
}

func (w *worker) forward(m message) error {
	sock, err := w.registry.get(m.socket)
	if err != nil {
		return err
	}
	if err := sock.Send(m.destination, m.payload, m.delivery); err != nil {
		return fmt.Errorf("send to %s: %w", m.destination, sendError(err))
	}
	return nil
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrNoSocket):
		return "no_socket"
	case IsIOError(err):
		return "io"
	default:
		return "transport"
	}
}

func (w *worker) receiveEvents() bool {
	for _, t := range w.registry.sockets {
		for ev, ok := t.socket.Recv(); ok; ev, ok = t.socket.Recv() {
			conn := Connection{Addr: ev.Addr, Socket: t.handle}
			var out Event
			switch ev.Kind {
			case transport.EventConnect:
				out = Event{Kind: EventConnected, Conn: conn}
			case transport.EventTimeout, transport.EventDisconnect:
				out = Event{Kind: EventDisconnected, Conn: conn}
			case transport.EventPacket:
				out = Event{Kind: EventMessage, Conn: conn, Payload: ev.Payload}
			default:
				continue
			}
			if w.publish(out) != nil {
				return false
			}
		}
	}
	return true
}

// publish hands an event to the session. The event queue is the worker's only
// way to report anything, so failing to publish is fatal.
func (w *worker) publish(ev Event) error {
	if err := w.events.Push(ev); err != nil {
		w.logger.Error("The worker can no longer send events back to the session, terminating", zap.Error(err))
		return err
	}
	w.metrics.RecordEvent(ev.Kind)
	return nil
}

func (w *worker) shutdown() {
	for in, ok := w.instructions.TryPop(); ok; in, ok = w.instructions.TryPop() {
		w.discard(in)
	}
	w.metrics.SocketsBound.Sub(float64(w.registry.len()))
	w.registry.closeAll()
}
