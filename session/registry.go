package session

import (
	"go.uber.org/zap"

	"github.com/iselt/netsession/transport"
)

type trackedSocket struct {
	handle SocketHandle
	socket transport.Socket
}

// registry owns live sockets. Only the worker goroutine touches it.
type registry struct {
	logger  *zap.Logger
	sockets []trackedSocket
}

// add registers socket under handle. A colliding handle keeps the earlier
// socket; add reports false and the caller disposes of the new one.
func (r *registry) add(handle SocketHandle, socket transport.Socket) bool {
	if r.has(handle) {
		r.logger.Warn("Attempted to add socket with an existing handle, dropping the new socket",
			zap.Stringer("socket", handle))
		return false
	}
	r.sockets = append(r.sockets, trackedSocket{handle: handle, socket: socket})
	return true
}

func (r *registry) has(handle SocketHandle) bool {
	_, err := r.get(handle)
	return err == nil
}

func (r *registry) get(handle SocketHandle) (transport.Socket, error) {
	for _, t := range r.sockets {
		if t.handle == handle {
			return t.socket, nil
		}
	}
	return nil, &NoSocketError{Handle: handle}
}

func (r *registry) len() int { return len(r.sockets) }

func (r *registry) closeAll() {
	for _, t := range r.sockets {
		if err := t.socket.Close(); err != nil {
			r.logger.Warn("Failed to close socket", zap.Stringer("socket", t.handle), zap.Error(err))
		}
	}
	r.sockets = nil
}
