package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/upflux/internal/cli/sender"
	"github.com/sheerbytes/upflux/internal/config"
	"github.com/sheerbytes/upflux/internal/logging"
	"github.com/sheerbytes/upflux/internal/termio"
)

const version = "v0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	termio.Init()
	defer termio.Flush()

	args := os.Args[1:]
	if len(args) == 0 || hasHelpFlag(args) {
		printUsage()
		return 0
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), "upflux", version)
		return 0
	}

	cfg, err := config.ParseClientConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "upflux: %v\n", err)
		return 2
	}
	logger := logging.New("upflux", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := sender.Output{W: termio.Stdout(), TTY: termio.IsTTY(termio.StdoutFile())}
	res, err := sender.Run(ctx, cfg, out, logger)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(termio.Stderr(), "upload cancelled")
		return 130
	case err != nil:
		fmt.Fprintf(termio.Stderr(), "upflux: %v\n", err)
		return 1
	}
	fmt.Fprintf(termio.Stdout(), "uploaded %d, failed %d, skipped %d\n", res.Uploaded, res.Failed, res.Invalid)
	if !res.OK() {
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: upflux [flags] <path>...")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  upflux --url http://localhost:8080/upload ./photos")
	fmt.Fprintln(termio.Stderr(), "  upflux --transport ws --url ws://localhost:8080/ws --chunked big.iso")
	fmt.Fprintln(termio.Stderr(), "  upflux --transport quic --url quic://localhost:8443 --insecure a.bin b.bin")
	fmt.Fprintln(termio.Stderr(), "  upflux --transport s3 --s3-bucket backups --chunked --chunk-size 8MB db.dump")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  --config FILE            YAML config file (env UPFLUX_CONFIG)")
	fmt.Fprintln(termio.Stderr(), "  --threads N              concurrent uploads (default 3)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-size SIZE        chunk size (default 4MB)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-threshold SIZE   only chunk files larger than this")
	fmt.Fprintln(termio.Stderr(), "  --retry-count N          retries per file (default 2)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-retry-count N    retries per chunk (default 2)")
	fmt.Fprintln(termio.Stderr(), "  --digest                 send an MD5 digest with every unit")
	fmt.Fprintln(termio.Stderr(), "  --max-size SIZE          skip files larger than this")
	fmt.Fprintln(termio.Stderr(), "  --max-count N            upload at most N files")
	fmt.Fprintln(termio.Stderr(), "  --rate-limit RATE        bandwidth cap for http, e.g. 10mbps")
	fmt.Fprintln(termio.Stderr(), "  --metrics-addr ADDR      serve Prometheus metrics")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL        debug, info, warn or error (default warn)")
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
