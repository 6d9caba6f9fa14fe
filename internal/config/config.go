// Package config loads the netsession host configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/iselt/netsession/internal/logging"
	"github.com/iselt/netsession/session"
	"github.com/iselt/netsession/transport"
)

const (
	EngineQUIC   = "quic"
	EngineMemory = "mem"
)

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Config is the host configuration shared by every netsession command.
type Config struct {
	Engine       string        `toml:"engine"`
	ServerAddr   string        `toml:"server_addr"`
	ClientAddr   string        `toml:"client_addr"`
	TickInterval time.Duration `toml:"tick_interval"`
	SendInterval time.Duration `toml:"send_interval"`

	Log    logging.Config       `toml:"log"`
	API    APIConfig            `toml:"api"`
	Socket session.SocketConfig `toml:"socket"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := newConfig()
	c.setDefaults()
	return c
}

// newConfig seeds the socket section before decoding. Keys missing from a
// partial [socket] table keep their defaults; heartbeat_interval = "0s"
// still disables heartbeats.
func newConfig() *Config {
	return &Config{Socket: session.DefaultSocketConfig()}
}

// LoadFromFile decodes path, fills defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	c := newConfig()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return finish(c, md)
}

// Parse is LoadFromFile for an in-memory document.
func Parse(data string) (*Config, error) {
	c := newConfig()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(c, md)
}

func finish(c *Config, md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Engine == "" {
		c.Engine = EngineQUIC
	}
	if c.ServerAddr == "" {
		c.ServerAddr = "127.0.0.1:12351"
	}
	if c.ClientAddr == "" {
		c.ClientAddr = "127.0.0.1:12350"
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second / 60
	}
	if c.SendInterval == 0 {
		c.SendInterval = 3 * time.Second
	}

	d := logging.DefaultConfig()
	if c.Log.Level == "" {
		c.Log.Level = d.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Format
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = d.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = d.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = d.MaxAgeDays
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:9090"
	}

	c.Socket.SetDefaults()
}

func (c *Config) validate() error {
	var errs []error

	if !slices.Contains([]string{EngineQUIC, EngineMemory}, c.Engine) {
		errs = append(errs, fmt.Errorf("engine must be %q or %q, got %q", EngineQUIC, EngineMemory, c.Engine))
	}
	if _, err := transport.ResolveAddr(c.ServerAddr); err != nil {
		errs = append(errs, fmt.Errorf("server_addr: %w", err))
	}
	if _, err := transport.ResolveAddr(c.ClientAddr); err != nil {
		errs = append(errs, fmt.Errorf("client_addr: %w", err))
	}
	if c.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("tick_interval must not be negative, got %s", c.TickInterval))
	}
	if c.SendInterval < 0 {
		errs = append(errs, fmt.Errorf("send_interval must not be negative, got %s", c.SendInterval))
	}
	if c.API.Enabled {
		if _, err := netip.ParseAddrPort(c.API.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("api.listen_addr: %w", err))
		}
	}
	if err := c.Socket.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("socket: %w", err))
	}

	return errors.Join(errs...)
}

// ServerAddrPort returns the parsed server address.
func (c *Config) ServerAddrPort() netip.AddrPort {
	ap, _ := transport.ResolveAddr(c.ServerAddr)
	return ap
}

// ClientAddrPort returns the parsed client address.
func (c *Config) ClientAddrPort() netip.AddrPort {
	ap, _ := transport.ResolveAddr(c.ClientAddr)
	return ap
}
