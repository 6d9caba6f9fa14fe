package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iselt/netsession/session"
)

var simpleFlags struct {
	server bool
	client bool
}

var simpleCmd = &cobra.Command{
	Use:   "simple",
	Short: "Run one side of a client/server exchange.",
	Long: `The server binds server_addr and periodically broadcasts to every connected
client. The client binds client_addr and periodically sends to the server.
Run both sides in separate processes with the quic engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		h, err := newHost(cfg)
		if err != nil {
			return err
		}
		defer h.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSimple(ctx, h, simpleFlags.server)
	},
}

func init() {
	simpleCmd.Flags().BoolVarP(&simpleFlags.server, "server", "s", false, "run as the server")
	simpleCmd.Flags().BoolVar(&simpleFlags.client, "client", false, "run as the client")
	simpleCmd.MarkFlagsMutuallyExclusive("server", "client")
	simpleCmd.MarkFlagsOneRequired("server", "client")
}

func runSimple(ctx context.Context, h *host, server bool) error {
	delivery := session.DeliverOnStream(session.ReliableSequenced, 1)
	serverAddr := h.cfg.ServerAddrPort()

	bindAddr := h.cfg.ClientAddr
	if server {
		bindAddr = h.cfg.ServerAddr
	}
	if _, err := h.session.BindWithConfig(bindAddr, h.cfg.Socket); err != nil {
		return err
	}

	send := func() {
		var err error
		if server {
			msg := "How are things over there?"
			h.logger.Info("--->", zap.String("message", msg), zap.Int("connections", len(h.session.Connections())))
			err = h.session.Broadcast([]byte(msg), delivery)
		} else {
			msg := "Good."
			h.logger.Info("--->", zap.String("message", msg), zap.Stringer("to", serverAddr))
			err = h.session.Send(serverAddr, []byte(msg), delivery)
		}
		if err != nil {
			h.logger.Error("Failed to queue message", zap.Error(err))
		}
	}

	return h.run(ctx, send, func(ev session.Event) { logEvent(h.logger, ev) })
}
