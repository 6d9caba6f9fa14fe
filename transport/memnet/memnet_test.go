package memnet

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iselt/netsession/transport"
)

var reliableOrdered = transport.Delivery{Reliable: true, Ordering: transport.Ordered, Stream: 1}

func bindPair(t *testing.T, cfg transport.Config) (*Socket, *Socket) {
	t.Helper()
	e := New()
	a, err := e.Bind("127.0.0.1:12350", cfg)
	require.NoError(t, err)
	b, err := e.Bind("127.0.0.1:12351", cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a.(*Socket), b.(*Socket)
}

func drain(s *Socket) []transport.Event {
	var out []transport.Event
	for ev, ok := s.Recv(); ok; ev, ok = s.Recv() {
		out = append(out, ev)
	}
	return out
}

func TestBindAddresses(t *testing.T) {
	e := New()

	s, err := e.Bind("127.0.0.1:0", transport.DefaultConfig())
	require.NoError(t, err)
	assert.NotZero(t, s.LocalAddr().Port())

	u, err := e.Bind("0.0.0.0:4000", transport.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:4000"), u.LocalAddr())

	_, err = e.Bind("127.0.0.1:4000", transport.DefaultConfig())
	assert.ErrorContains(t, err, "address already in use")

	require.NoError(t, u.Close())
	_, err = e.Bind("127.0.0.1:4000", transport.DefaultConfig())
	assert.NoError(t, err, "closed sockets release their address")
}

func TestSendConnectsAndDelivers(t *testing.T) {
	a, b := bindPair(t, transport.DefaultConfig())

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello"), reliableOrdered))
	require.NoError(t, a.Send(b.LocalAddr(), []byte("world"), reliableOrdered))

	events := drain(b)
	require.Len(t, events, 3)
	assert.Equal(t, transport.Event{Kind: transport.EventConnect, Addr: a.LocalAddr()}, events[0])
	assert.Equal(t, transport.EventPacket, events[1].Kind)
	assert.Equal(t, []byte("hello"), events[1].Payload)
	assert.Equal(t, []byte("world"), events[2].Payload)

	// The sender has not heard anything back yet.
	assert.Empty(t, drain(a))
	assert.Zero(t, a.InFlight())
}

func TestSendToUnboundAddressIsDropped(t *testing.T) {
	a, _ := bindPair(t, transport.DefaultConfig())
	err := a.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte("void"), reliableOrdered)
	assert.NoError(t, err)
	assert.Zero(t, a.InFlight())
}

func TestPayloadTooLarge(t *testing.T) {
	a, b := bindPair(t, transport.DefaultConfig())
	err := a.Send(b.LocalAddr(), make([]byte, MaxPayload+1), transport.Delivery{})
	assert.ErrorIs(t, err, transport.ErrPayloadTooLarge)
}

func TestMaxPacketsInFlight(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.MaxPacketsInFlight = 2
	a, b := bindPair(t, cfg)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("1"), reliableOrdered))
	require.NoError(t, a.Send(b.LocalAddr(), []byte("2"), reliableOrdered))
	assert.ErrorIs(t, a.Send(b.LocalAddr(), []byte("3"), reliableOrdered), transport.ErrTooManyInFlight)

	// Unreliable traffic is not limited.
	assert.NoError(t, a.Send(b.LocalAddr(), []byte("u"), transport.Delivery{}))

	drain(b)
	assert.NoError(t, a.Send(b.LocalAddr(), []byte("3"), reliableOrdered))
}

func TestIdleTimeoutAndHeartbeat(t *testing.T) {
	cfg := transport.Config{
		IdleConnectionTimeout: time.Second,
		HeartbeatInterval:     400 * time.Millisecond,
		MaxPacketsInFlight:    16,
	}
	a, b := bindPair(t, cfg)
	start := time.Now()
	a.Poll(start)
	b.Poll(start)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("ping"), transport.Delivery{}))
	require.NoError(t, b.Send(a.LocalAddr(), []byte("pong"), transport.Delivery{}))
	drain(a)
	drain(b)

	// Heartbeats keep the quiet connection alive well past the idle timeout.
	for i := 1; i <= 6; i++ {
		now := start.Add(time.Duration(i) * 500 * time.Millisecond)
		a.Poll(now)
		b.Poll(now)
		assert.Empty(t, drain(a))
		assert.Empty(t, drain(b))
	}

	// b goes silent; a times it out.
	later := start.Add(5 * time.Second)
	a.Poll(later)
	events := drain(a)
	require.Len(t, events, 1)
	assert.Equal(t, transport.Event{Kind: transport.EventTimeout, Addr: b.LocalAddr()}, events[0])
}

func TestCloseNotifiesPeers(t *testing.T) {
	a, b := bindPair(t, transport.DefaultConfig())
	require.NoError(t, a.Send(b.LocalAddr(), []byte("hi"), transport.Delivery{}))
	drain(b)
	require.NoError(t, b.Send(a.LocalAddr(), []byte("hi"), transport.Delivery{}))
	drain(a)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(b.LocalAddr(), []byte("x"), transport.Delivery{}), transport.ErrClosed)

	events := drain(b)
	require.Len(t, events, 1)
	assert.Equal(t, transport.Event{Kind: transport.EventDisconnect, Addr: a.LocalAddr()}, events[0])
}

func TestSequencedDropsStale(t *testing.T) {
	a, b := bindPair(t, transport.DefaultConfig())
	seq := transport.Delivery{Ordering: transport.Sequenced, Stream: 2}

	// Deliver out of order by hand: 1 then 0.
	mk := func(n uint32, body string) datagram {
		return datagram{kind: framePayload, from: a.LocalAddr(), sender: a, payload: []byte(body), delivery: seq, seq: n}
	}
	require.True(t, b.deliver(mk(1, "new")))
	require.True(t, b.deliver(mk(0, "old")))

	events := drain(b)
	require.Len(t, events, 2)
	assert.Equal(t, transport.EventConnect, events[0].Kind)
	assert.Equal(t, []byte("new"), events[1].Payload)
}
