// SPDX-License-Identifier: GPL-3.0-or-later

// Command comsrv runs the instrument communication relay.
//
// Usage:
//
//	comsrv [-p <ws_port>] [-h <http_port>] [-v]
//
// The relay listens for WebSocket clients on port 5902 and one-shot
// HTTP clients on port 5903 by default. SIGINT and SIGTERM trigger a
// graceful shutdown: all instrument handles are closed, in-flight
// requests finish, and the process exits 0.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/comsrv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		wsPort   int
		httpPort int
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:           "comsrv",
		Short:         "instrument communication relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(wsPort, httpPort, verbose)
		},
	}
	// The http-port shorthand takes -h, so cobra leaves the help flag
	// with --help only.
	cmd.Flags().IntVarP(&wsPort, "ws-port", "p", comsrv.DefaultWSPort, "WebSocket listen port")
	cmd.Flags().IntVarP(&httpPort, "http-port", "h", comsrv.DefaultHTTPPort, "HTTP listen port")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	return cmd
}

func run(wsPort, httpPort int, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := comsrv.NewConfig()
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := comsrv.NewDispatcher(cfg)
	server := comsrv.NewServer(cfg, dispatcher, wsPort, httpPort)
	return server.Run(ctx)
}
