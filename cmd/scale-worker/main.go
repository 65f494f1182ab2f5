// scale-worker runs one codec job: a request read from stdin, a response
// written to stdout. The scaled derivation queue starts one process per
// job, so a decoder crash only takes this process down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/scaler"
	"github.com/lyzr/imagescale/common/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var autoOrient bool
	var logLevel string

	flagSet := pflag.NewFlagSet("scale-worker", pflag.ContinueOnError)
	flagSet.BoolVar(&autoOrient, "auto-orient", false, "apply EXIF orientation before scaling")
	flagSet.StringVar(&logLevel, "log-level", "error", "log level (logs go to stderr)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// stdout carries the response
	log := logger.NewWithWriter(os.Stderr, logLevel, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Serve(ctx, os.Stdin, os.Stdout, scaler.Local{AutoOrient: autoOrient}); err != nil {
		log.Error("scale job failed", "error", err)
		return err
	}
	return nil
}
