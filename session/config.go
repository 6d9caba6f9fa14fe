package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/iselt/netsession/transport"
)

// SocketConfig holds per-bind options handed to the engine.
type SocketConfig struct {
	IdleConnectionTimeout time.Duration `toml:"idle_connection_timeout"`
	// HeartbeatInterval of zero disables heartbeats.
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	MaxPacketsInFlight int           `toml:"max_packets_in_flight"`
}

// DefaultSocketConfig returns a 5s idle timeout, 1s heartbeat and 1024
// packets in flight.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		IdleConnectionTimeout: 5 * time.Second,
		HeartbeatInterval:     time.Second,
		MaxPacketsInFlight:    1024,
	}
}

// SetDefaults fills zero fields. A zero heartbeat is kept.
func (c *SocketConfig) SetDefaults() {
	d := DefaultSocketConfig()
	if c.IdleConnectionTimeout == 0 {
		c.IdleConnectionTimeout = d.IdleConnectionTimeout
	}
	if c.MaxPacketsInFlight == 0 {
		c.MaxPacketsInFlight = d.MaxPacketsInFlight
	}
}

// Validate reports every invalid field at once.
func (c SocketConfig) Validate() error {
	var errs []error
	if c.IdleConnectionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_connection_timeout must be positive, got %s", c.IdleConnectionTimeout))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must not be negative, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatInterval >= c.IdleConnectionTimeout {
		errs = append(errs, fmt.Errorf("heartbeat_interval (%s) must be shorter than idle_connection_timeout (%s)",
			c.HeartbeatInterval, c.IdleConnectionTimeout))
	}
	if c.MaxPacketsInFlight < 1 || c.MaxPacketsInFlight > 65535 {
		errs = append(errs, fmt.Errorf("max_packets_in_flight must be between 1 and 65535, got %d", c.MaxPacketsInFlight))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c SocketConfig) engineConfig() transport.Config {
	return transport.Config{
		IdleConnectionTimeout: c.IdleConnectionTimeout,
		HeartbeatInterval:     c.HeartbeatInterval,
		MaxPacketsInFlight:    c.MaxPacketsInFlight,
	}
}
