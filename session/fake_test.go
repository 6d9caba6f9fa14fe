package session

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iselt/netsession/internal/queue"
	"github.com/iselt/netsession/transport"
)

type sentMessage struct {
	dest     netip.AddrPort
	payload  []byte
	delivery transport.Delivery
}

// fakeSocket records sends and replays scripted events.
type fakeSocket struct {
	local netip.AddrPort

	mu        sync.Mutex
	sent      []sentMessage
	events    []transport.Event
	sendErr   error
	pollPanic bool
	sendDelay time.Duration
	polls     int
	closed    bool
}

func (f *fakeSocket) LocalAddr() netip.AddrPort { return f.local }

func (f *fakeSocket) Poll(time.Time) {
	f.mu.Lock()
	f.polls++
	p := f.pollPanic
	f.mu.Unlock()
	if p {
		panic("poll exploded")
	}
}

func (f *fakeSocket) Send(dest netip.AddrPort, payload []byte, d transport.Delivery) error {
	f.mu.Lock()
	delay := f.sendDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{dest: dest, payload: payload, delivery: d})
	return nil
}

func (f *fakeSocket) Recv() (transport.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return transport.Event{}, false
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, true
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) inject(evs ...transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
}

func (f *fakeSocket) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSocket) slowSends(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendDelay = d
}

func (f *fakeSocket) panicOnPoll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollPanic = true
}

func (f *fakeSocket) sends() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeEngine hands out fakeSockets on sequential loopback ports.
type fakeEngine struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	bindErr error
	next    uint16
}

func (e *fakeEngine) Bind(addr string, _ transport.Config) (transport.Socket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bindErr != nil {
		return nil, e.bindErr
	}
	ap, err := transport.ResolveAddr(addr)
	if err != nil {
		return nil, err
	}
	if ap.Port() == 0 {
		e.next++
		ap = netip.AddrPortFrom(ap.Addr(), 40000+e.next)
	}
	s := &fakeSocket{local: ap}
	e.sockets = append(e.sockets, s)
	return s, nil
}

func (e *fakeEngine) socket(i int) *fakeSocket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sockets[i]
}

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithLogger(zaptest.NewLogger(t))}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// newTestWorker builds a worker without starting it, for stepping by hand.
func newTestWorker(t *testing.T, logger *zap.Logger) *worker {
	t.Helper()
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	return &worker{
		logger:       logger,
		metrics:      m,
		registry:     &registry{logger: logger},
		instructions: queue.New[instruction](),
		messages:     queue.New[message](),
		events:       queue.New[Event](),
		tick:         time.Millisecond,
		budget:       defaultSlowBudget,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

func drainEvents(q *queue.Queue[Event]) []Event {
	var out []Event
	_, _ = q.Drain(func(ev Event) { out = append(out, ev) })
	return out
}

// pumpUntil pumps s until cond holds for everything pumped so far.
func pumpUntil(t *testing.T, s *Session, cond func([]Event) bool) []Event {
	t.Helper()
	var all []Event
	require.Eventually(t, func() bool {
		all = append(all, s.Pump()...)
		return cond(all)
	}, 2*time.Second, 5*time.Millisecond)
	return all
}

func ofKind(evs []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
