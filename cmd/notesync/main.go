// Package main is the notesync command line entry point.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/notesync/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, Version, os.Args[1:])
	stop()
	os.Exit(code)
}
