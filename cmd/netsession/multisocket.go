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

var multisocketCmd = &cobra.Command{
	Use:   "multisocket",
	Short: "Bind a server and a client socket in one session and talk between them.",
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
		return runMultisocket(ctx, h)
	},
}

func runMultisocket(ctx context.Context, h *host) error {
	server, err := h.session.BindWithConfig(h.cfg.ServerAddr, h.cfg.Socket)
	if err != nil {
		return err
	}
	client, err := h.session.BindWithConfig(h.cfg.ClientAddr, h.cfg.Socket)
	if err != nil {
		return err
	}

	serverAddr, _ := h.session.LocalAddr(server)
	clientAddr, _ := h.session.LocalAddr(client)
	delivery := session.DeliverOnStream(session.ReliableSequenced, 1)

	fromServer := true
	send := func() {
		to, who, msg, socket := serverAddr, "CLIENT", "Good. Thanks!", client
		if fromServer {
			to, who, msg, socket = clientAddr, "SERVER", "How are things?", server
		}
		h.logger.Info("--->", zap.String("from", who), zap.String("message", msg))
		if err := h.session.SendWithConfig(to, []byte(msg), delivery, session.SendConfig{Socket: socket}); err != nil {
			h.logger.Error("Failed to queue message", zap.Error(err))
		}
		fromServer = !fromServer
	}

	onEvent := func(ev session.Event) {
		if ev.Kind != session.EventMessage {
			logEvent(h.logger, ev)
			return
		}
		who := "UNKNOWN"
		switch ev.Conn.Socket {
		case server:
			who = "SERVER"
		case client:
			who = "CLIENT"
		}
		h.logger.Info("<---", zap.String("at", who), zap.ByteString("message", ev.Payload))
	}

	return h.run(ctx, send, onEvent)
}
