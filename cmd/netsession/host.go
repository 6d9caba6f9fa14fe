package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iselt/netsession/internal/api"
	"github.com/iselt/netsession/internal/config"
	"github.com/iselt/netsession/internal/logging"
	"github.com/iselt/netsession/session"
	"github.com/iselt/netsession/transport"
	"github.com/iselt/netsession/transport/memnet"
	"github.com/iselt/netsession/transport/quicnet"
)

type globalOptions struct {
	configFile string
	engine     string
	logLevel   string
	apiAddr    string
}

var globalFlags globalOptions

func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&globalFlags.configFile, "config", "c", "", "TOML config file")
	f.StringVar(&globalFlags.engine, "engine", "", "transport engine: quic or mem")
	f.StringVar(&globalFlags.logLevel, "log-level", "", "log level override")
	f.StringVar(&globalFlags.apiAddr, "api", "", "serve the status API on this address")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if globalFlags.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(globalFlags.configFile); err != nil {
			return nil, err
		}
	}
	if globalFlags.engine != "" {
		cfg.Engine = globalFlags.engine
	}
	if globalFlags.logLevel != "" {
		cfg.Log.Level = globalFlags.logLevel
	}
	if globalFlags.apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.ListenAddr = globalFlags.apiAddr
	}
	return cfg, nil
}

// host owns a session and everything around it for one command run.
type host struct {
	cfg     *config.Config
	logger  *zap.Logger
	session *session.Session
	api     *api.Server
}

func newHost(cfg *config.Config) (*host, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var engine transport.Engine
	switch cfg.Engine {
	case config.EngineMemory:
		engine = memnet.New()
	case config.EngineQUIC:
		if engine, err = quicnet.New(quicnet.WithLogger(logger.Named("quicnet"))); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	s, err := session.New(
		session.WithEngine(engine),
		session.WithLogger(logger),
		session.WithRegisterer(reg),
	)
	if err != nil {
		return nil, err
	}

	h := &host{cfg: cfg, logger: logger, session: s}
	if cfg.API.Enabled {
		h.api = api.New(s, reg, logger.Named("api"))
		h.api.Start(cfg.API.ListenAddr)
	}
	return h, nil
}

// run pumps events every tick and calls send every send interval until ctx is
// done or the worker dies.
func (h *host) run(ctx context.Context, send func(), onEvent func(session.Event)) error {
	tick := time.NewTicker(h.cfg.TickInterval)
	defer tick.Stop()
	sendTick := time.NewTicker(h.cfg.SendInterval)
	defer sendTick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutdown signal received")
			return nil
		case <-h.session.Done():
			for _, ev := range h.session.Pump() {
				onEvent(ev)
			}
			return fmt.Errorf("session worker stopped unexpectedly")
		case <-sendTick.C:
			send()
		case <-tick.C:
			for _, ev := range h.session.Pump() {
				onEvent(ev)
			}
		}
	}
}

func (h *host) close() {
	if h.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.api.Shutdown(ctx); err != nil {
			h.logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}
	_ = h.session.Close()
	_ = h.logger.Sync()
}

func logEvent(logger *zap.Logger, ev session.Event) {
	switch ev.Kind {
	case session.EventMessage:
		logger.Info("<---", zap.ByteString("message", ev.Payload), zap.Stringer("from", ev.Conn.Addr))
	case session.EventConnected:
		logger.Info("Connected", zap.Stringer("addr", ev.Conn.Addr), zap.Stringer("socket", ev.Conn.Socket))
	case session.EventDisconnected:
		logger.Info("Disconnected", zap.Stringer("addr", ev.Conn.Addr), zap.Stringer("socket", ev.Conn.Socket))
	case session.EventSendError:
		logger.Warn("Send error", zap.Error(ev.Err))
	}
}
