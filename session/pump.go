package session

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/iselt/netsession/internal/queue"
)

// Pump drains every event the worker has published and returns the ones the
// host should see. Connection transitions update the tracked set and are
// reported once per pass even when the engine repeated them. Messages and
// send errors pass through in arrival order ahead of the transitions.
func (s *Session) Pump() []Event {
	var (
		out     []Event
		added   []Connection
		removed []Connection
	)

	collect := func(ev Event) {
		switch ev.Kind {
		case EventConnected:
			if !s.HasConnection(ev.Conn) && !slices.Contains(added, ev.Conn) {
				added = append(added, ev.Conn)
			}
		case EventDisconnected:
			known := s.HasConnection(ev.Conn) || slices.Contains(added, ev.Conn)
			if known && !slices.Contains(removed, ev.Conn) {
				removed = append(removed, ev.Conn)
			}
		default:
			out = append(out, ev)
		}
	}

	for {
		_, err := s.events.Drain(collect)
		if err == nil {
			break
		}
		if !errors.Is(err, queue.ErrPoisoned) {
			s.logger.Error("Failed to drain the event queue", zap.Error(err))
			break
		}
		s.logger.Warn("Event queue was poisoned, salvaging the remaining events", zap.Error(err))
		s.events.Salvage()
	}

	if len(added) == 0 && len(removed) == 0 {
		return out
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range added {
		if s.addConnectionLocked(c) {
			out = append(out, Event{Kind: EventConnected, Conn: c})
		}
	}
	for _, c := range removed {
		if s.removeConnectionLocked(c) {
			out = append(out, Event{Kind: EventDisconnected, Conn: c})
		}
	}
	return out
}
