// Command odin runs the gateway and ships small offline helpers for
// content addressing and proof verification.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odin-mesh/gateway/pkg/gateway"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startServer = runServer

// Run dispatches subcommands. Exit codes: 0 pass, 1 fail, 2 input or
// runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "cid":
		return runCIDCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: odin [command]

Commands:
  serve    run the gateway (default)
  cid      print the CID of a JSON document
  verify   verify a proof envelope against a payload
  keygen   generate a keystore document`)
}

func runServer(stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := gateway.FromEnv()
	srv, err := gateway.Build(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 2
	}
	defer func() { _ = srv.Close() }()

	if err := srv.ListenAndServe(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "server stopped: %v\n", err)
		return 1
	}
	return 0
}
