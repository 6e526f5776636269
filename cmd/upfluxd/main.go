package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/upflux/internal/cli/receiver"
	"github.com/sheerbytes/upflux/internal/config"
	"github.com/sheerbytes/upflux/internal/logging"
	"github.com/sheerbytes/upflux/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "upfluxd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("upfluxd", cfg.LogLevel)

	r, err := receiver.Start(cfg, logger)
	if err != nil {
		logger.Error("server failed to start", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(termio.Stdout(), "starting server addr=%s out=%s\n", r.HTTPAddr(), cfg.OutDir)
	if addr := r.QUICAddr(); addr != "" {
		fmt.Fprintf(termio.Stdout(), "quic listener addr=%s\n", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: upfluxd [--addr ADDR] [--quic-addr ADDR] [--out-dir DIR]")
	fmt.Fprintln(termio.Stderr(), "  --config FILE      YAML config file (env UPFLUX_CONFIG)")
	fmt.Fprintln(termio.Stderr(), "  --addr ADDR        HTTP and WebSocket listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --quic-addr ADDR   QUIC listen address (disabled when empty)")
	fmt.Fprintln(termio.Stderr(), "  --out-dir DIR      directory for assembled files (default uploads)")
	fmt.Fprintln(termio.Stderr(), "  --cert FILE        TLS certificate for QUIC (self-signed when empty)")
	fmt.Fprintln(termio.Stderr(), "  --key FILE         TLS key for QUIC")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL  debug, info, warn or error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
